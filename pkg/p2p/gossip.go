// Package p2p gossips committed marketplace events to indexers and relays
// signed transactions to the sequencer over libp2p pubsub.
package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperbid/pkg/app/core/event"
)

const (
	TopicEvents = "hyperbid-events"
	TopicTxs    = "hyperbid-txs"
)

type Config struct {
	ListenAddr string
	Bootstrap  []string
	// ChainID tags outgoing messages; messages from other chains are dropped.
	ChainID int64
	Logger  *zap.SugaredLogger
}

// EventGossip is a libp2p host joined to the event and transaction topics.
type EventGossip struct {
	h       host.Host
	ps      *pubsub.PubSub
	log     *zap.SugaredLogger
	chainID int64

	tEvents, tTxs     *pubsub.Topic
	subEvents, subTxs *pubsub.Subscription

	muH     sync.RWMutex
	onEvent func(event.Event)
	onTx    func([]byte)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewEventGossip(ctx context.Context, cfg Config) (*EventGossip, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("listen addr: %w", err)
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		cancel()
		h.Close()
		return nil, err
	}

	g := &EventGossip{h: h, ps: ps, log: log, chainID: cfg.ChainID, cancel: cancel}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil {
			log.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	if err := g.joinTopics(); err != nil {
		g.Close()
		return nil, err
	}

	g.wg.Add(2)
	go g.handleEvents(ctx)
	go g.handleTxs(ctx)

	log.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr, "addrs", g.Addrs())
	return g, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

// Connect dials a peer given its full /p2p/ multiaddr.
func (g *EventGossip) Connect(ctx context.Context, addr string) error {
	return connectMultiaddr(ctx, g.h, addr)
}

func (g *EventGossip) joinTopics() error {
	var err error
	if g.tEvents, err = g.ps.Join(TopicEvents); err != nil {
		return err
	}
	if g.tTxs, err = g.ps.Join(TopicTxs); err != nil {
		return err
	}
	if g.subEvents, err = g.tEvents.Subscribe(); err != nil {
		return err
	}
	if g.subTxs, err = g.tTxs.Subscribe(); err != nil {
		return err
	}
	return nil
}

func (g *EventGossip) Host() host.Host { return g.h }

// Addrs returns the dialable multiaddrs of this host including its peer id.
func (g *EventGossip) Addrs() []string {
	suffix := "/p2p/" + g.h.ID().String()
	out := make([]string, 0, len(g.h.Addrs()))
	for _, a := range g.h.Addrs() {
		out = append(out, a.String()+suffix)
	}
	return out
}

// OnEvent registers the handler for events gossiped by other nodes.
func (g *EventGossip) OnEvent(fn func(event.Event)) {
	g.muH.Lock()
	g.onEvent = fn
	g.muH.Unlock()
}

// OnTx registers the handler for transactions relayed by other nodes.
func (g *EventGossip) OnTx(fn func([]byte)) {
	g.muH.Lock()
	g.onTx = fn
	g.muH.Unlock()
}

// Publish gossips a committed event.
func (g *EventGossip) Publish(ctx context.Context, e event.Event) error {
	data, err := encodeWire(EventWire{ChainID: g.chainID, Event: e})
	if err != nil {
		return err
	}
	return g.tEvents.Publish(ctx, data)
}

// PublishTx relays a raw signed transaction.
func (g *EventGossip) PublishTx(ctx context.Context, raw []byte) error {
	if !json.Valid(raw) {
		return fmt.Errorf("relay tx: not valid JSON")
	}
	data, err := encodeWire(TxWire{ChainID: g.chainID, Tx: raw})
	if err != nil {
		return err
	}
	return g.tTxs.Publish(ctx, data)
}

// WaitForTxPeers blocks until some peer subscribes to the transaction topic,
// so a one-shot PublishTx is not lost.
func (g *EventGossip) WaitForTxPeers(ctx context.Context) error {
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for len(g.tTxs.ListPeers()) == 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("no peers on %s: %w", TopicTxs, ctx.Err())
		case <-tick.C:
		}
	}
	return nil
}

func (g *EventGossip) Close() error {
	g.cancel()
	if g.subEvents != nil {
		g.subEvents.Cancel()
	}
	if g.subTxs != nil {
		g.subTxs.Cancel()
	}
	g.wg.Wait()
	return g.h.Close()
}

// inbound

func (g *EventGossip) handleEvents(ctx context.Context) {
	defer g.wg.Done()
	for {
		msg, err := g.subEvents.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == g.h.ID() {
			continue
		}
		var w EventWire
		if err := decodeWire(msg.Data, &w); err != nil {
			g.log.Debugw("gossip_event_dropped", "from", msg.ReceivedFrom.String(), "err", err)
			continue
		}
		if w.ChainID != g.chainID {
			continue
		}

		g.muH.RLock()
		fn := g.onEvent
		g.muH.RUnlock()
		if fn != nil {
			fn(w.Event)
		}
	}
}

func (g *EventGossip) handleTxs(ctx context.Context) {
	defer g.wg.Done()
	for {
		msg, err := g.subTxs.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == g.h.ID() {
			continue
		}
		var w TxWire
		if err := decodeWire(msg.Data, &w); err != nil || w.ChainID != g.chainID {
			continue
		}

		g.muH.RLock()
		fn := g.onTx
		g.muH.RUnlock()
		if fn != nil {
			fn(w.Tx)
		}
	}
}
