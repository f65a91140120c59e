package abci

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/uhyunpark/hyperbid/pkg/util"
)

type fakeApp struct {
	mu       sync.Mutex
	pending  [][]byte
	finalize []RequestFinalizeBlock
	fail     error
}

func (a *fakeApp) push(tx string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = append(a.pending, []byte(tx))
}

func (a *fakeApp) PrepareProposal(RequestPrepareProposal) ResponsePrepareProposal {
	a.mu.Lock()
	defer a.mu.Unlock()
	txs := a.pending
	a.pending = nil
	return ResponsePrepareProposal{Txs: txs}
}

func (a *fakeApp) FinalizeBlock(req RequestFinalizeBlock) ResponseFinalizeBlock {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.finalize = append(a.finalize, req)
	if a.fail != nil {
		return ResponseFinalizeBlock{Err: a.fail}
	}
	results := make([]TxResult, len(req.Txs))
	return ResponseFinalizeBlock{TxResults: results, AppHash: [32]byte{byte(req.Height)}}
}

func TestProduceBlock(t *testing.T) {
	app := &fakeApp{}
	clock := util.NewManualClock(time.Unix(1000, 0))
	seq := NewSequencer(SequencerConfig{App: app, Clock: clock, StartHeight: 4, StartTime: 1000})

	var committed []CommittedBlock
	seq.OnCommit(func(b CommittedBlock) { committed = append(committed, b) })

	app.push("a")
	app.push("b")
	b, err := seq.ProduceBlock()
	if err != nil {
		t.Fatalf("ProduceBlock: %v", err)
	}
	if b.Height != 5 || len(b.Txs) != 2 || b.AppHash[0] != 5 {
		t.Errorf("block = %+v", b)
	}
	if len(committed) != 1 || committed[0].Height != 5 {
		t.Errorf("hooks saw %+v", committed)
	}
	if seq.Height() != 5 {
		t.Errorf("Height() = %d", seq.Height())
	}
}

func TestTimestampsNeverGoBackwards(t *testing.T) {
	app := &fakeApp{}
	clock := util.NewManualClock(time.Unix(500, 0))
	// Last committed block claims a later time than the wall clock.
	seq := NewSequencer(SequencerConfig{App: app, Clock: clock, StartTime: 900})

	if b, _ := seq.ProduceBlock(); b.Timestamp != 900 {
		t.Errorf("timestamp = %d, want 900", b.Timestamp)
	}
	clock.Set(time.Unix(950, 0))
	if b, _ := seq.ProduceBlock(); b.Timestamp != 950 {
		t.Errorf("timestamp = %d, want 950", b.Timestamp)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	app := &fakeApp{}
	seq := NewSequencer(SequencerConfig{App: app, MinBlockTime: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	blocks := make(chan struct{}, 1)
	seq.OnCommit(func(CommittedBlock) {
		select {
		case blocks <- struct{}{}:
		default:
		}
	})

	done := make(chan error, 1)
	go func() { done <- seq.Run(ctx) }()

	select {
	case <-blocks:
	case <-time.After(2 * time.Second):
		t.Fatal("no block produced")
	}
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestFailedCommitDoesNotAdvance(t *testing.T) {
	app := &fakeApp{fail: errors.New("disk full")}
	clock := util.NewManualClock(time.Unix(1000, 0))
	seq := NewSequencer(SequencerConfig{App: app, Clock: clock, StartHeight: 7, StartTime: 990})

	hooks := 0
	seq.OnCommit(func(CommittedBlock) { hooks++ })

	app.push("a")
	if _, err := seq.ProduceBlock(); !errors.Is(err, app.fail) {
		t.Fatalf("ProduceBlock() err = %v, want %v", err, app.fail)
	}
	if seq.Height() != 7 || hooks != 0 {
		t.Errorf("height = %d hooks = %d, want 7 and 0", seq.Height(), hooks)
	}

	// The next attempt reuses the same height.
	app.fail = nil
	b, err := seq.ProduceBlock()
	if err != nil || b.Height != 8 {
		t.Errorf("retry = %+v, %v", b, err)
	}
}

func TestRunStopsOnFailedCommit(t *testing.T) {
	app := &fakeApp{fail: errors.New("disk full")}
	seq := NewSequencer(SequencerConfig{App: app, MinBlockTime: time.Millisecond})

	done := make(chan error, 1)
	go func() { done <- seq.Run(context.Background()) }()
	select {
	case err := <-done:
		if !errors.Is(err, app.fail) {
			t.Errorf("Run() = %v, want %v", err, app.fail)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
