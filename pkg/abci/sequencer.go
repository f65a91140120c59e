package abci

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/hyperbid/pkg/storage"
	"github.com/uhyunpark/hyperbid/pkg/util"
)

// CommittedBlock summarizes a finalized block for OnCommit hooks.
type CommittedBlock struct {
	Height    int64
	Timestamp int64
	Txs       [][]byte
	Results   []TxResult
	AppHash   [32]byte
}

type SequencerConfig struct {
	App          Application
	Clock        util.Clock
	MinBlockTime time.Duration
	MaxTxBytes   int64
	// StartHeight is the last committed height; the first block is StartHeight+1.
	StartHeight int64
	// StartTime is the last committed block time (Unix seconds).
	StartTime int64
	WAL       storage.WAL
	Logger    *zap.SugaredLogger
}

// Sequencer is the single-writer ordering service: it pulls a proposal from
// the application every MinBlockTime and finalizes it at a timestamp that
// never goes backwards.
type Sequencer struct {
	app          Application
	clock        util.Clock
	minBlockTime time.Duration
	maxTxBytes   int64
	wal          storage.WAL
	log          *zap.SugaredLogger

	mu       sync.Mutex
	height   int64
	lastTime int64
	hooks    []func(CommittedBlock)
}

func NewSequencer(cfg SequencerConfig) *Sequencer {
	s := &Sequencer{
		app:          cfg.App,
		clock:        cfg.Clock,
		minBlockTime: cfg.MinBlockTime,
		maxTxBytes:   cfg.MaxTxBytes,
		wal:          cfg.WAL,
		log:          cfg.Logger,
		height:       cfg.StartHeight,
		lastTime:     cfg.StartTime,
	}
	if s.clock == nil {
		s.clock = util.RealClock{}
	}
	if s.minBlockTime <= 0 {
		s.minBlockTime = 200 * time.Millisecond
	}
	if s.maxTxBytes <= 0 {
		s.maxTxBytes = 1 << 24
	}
	if s.wal == nil {
		s.wal = storage.NewNopWAL()
	}
	if s.log == nil {
		s.log = zap.NewNop().Sugar()
	}
	return s
}

// OnCommit registers fn to run after every block, in registration order.
func (s *Sequencer) OnCommit(fn func(CommittedBlock)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

func (s *Sequencer) Height() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.height
}

// ProduceBlock builds, finalizes and commits one block. When the application
// fails to commit, height and time stay put and no hook runs.
func (s *Sequencer) ProduceBlock() (CommittedBlock, error) {
	s.mu.Lock()
	height := s.height + 1
	ts := s.clock.Now().Unix()
	if ts < s.lastTime {
		ts = s.lastTime
	}
	hooks := make([]func(CommittedBlock), len(s.hooks))
	copy(hooks, s.hooks)
	s.mu.Unlock()

	prop := s.app.PrepareProposal(RequestPrepareProposal{Height: height, MaxTxBytes: s.maxTxBytes})
	resp := s.app.FinalizeBlock(RequestFinalizeBlock{Height: height, Timestamp: ts, Txs: prop.Txs})
	if resp.Err != nil {
		s.log.Errorw("block_commit_failed", "height", height, "txs", len(prop.Txs), "err", resp.Err)
		return CommittedBlock{}, fmt.Errorf("commit block %d: %w", height, resp.Err)
	}

	s.mu.Lock()
	s.height = height
	s.lastTime = ts
	s.mu.Unlock()

	block := CommittedBlock{
		Height:    height,
		Timestamp: ts,
		Txs:       prop.Txs,
		Results:   resp.TxResults,
		AppHash:   resp.AppHash,
	}
	if n := len(block.Txs); n > 0 {
		s.wal.Append(fmt.Sprintf("height=%d time=%d txs=%d events=%d apphash=0x%x", height, ts, n, resp.Events, resp.AppHash[:]))
		s.log.Infow("block_committed", "height", height, "txs", n, "events", resp.Events, "app_hash", fmt.Sprintf("0x%x", resp.AppHash[:8]))
	}
	for _, fn := range hooks {
		fn(block)
	}
	return block, nil
}

// Run produces blocks until ctx is cancelled or a block fails to commit.
func (s *Sequencer) Run(ctx context.Context) error {
	s.log.Infow("sequencer_started", "height", s.Height(), "min_block_time", s.minBlockTime)
	for {
		select {
		case <-ctx.Done():
			s.log.Infow("sequencer_stopped", "height", s.Height())
			return ctx.Err()
		case <-s.clock.After(s.minBlockTime):
			if _, err := s.ProduceBlock(); err != nil {
				s.log.Errorw("sequencer_halted", "height", s.Height(), "err", err)
				return err
			}
		}
	}
}
