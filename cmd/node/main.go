package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/hyperbid/params"
	"github.com/uhyunpark/hyperbid/pkg/abci"
	"github.com/uhyunpark/hyperbid/pkg/api"
	"github.com/uhyunpark/hyperbid/pkg/app/core/account"
	"github.com/uhyunpark/hyperbid/pkg/app/core/event"
	"github.com/uhyunpark/hyperbid/pkg/app/market"
	"github.com/uhyunpark/hyperbid/pkg/metrics"
	"github.com/uhyunpark/hyperbid/pkg/p2p"
	"github.com/uhyunpark/hyperbid/pkg/storage"
	"github.com/uhyunpark/hyperbid/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	level := util.ParseLevel(cfg.Node.LogLevel)
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Node.LogFile != "" {
		logger, err = util.NewLoggerWithFile(cfg.Node.LogFile, level)
	} else {
		logger, err = util.NewLogger(level)
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
		sugar.Fatalw("data_dir_failed", "dir", cfg.Node.DataDir, "err", err)
	}

	// ---- State ----
	funds := account.NewAccountManager()
	store, err := storage.NewPebbleStore(filepath.Join(cfg.Node.DataDir, "state"))
	if err != nil {
		sugar.Fatalw("state_store_failed", "err", err)
	}
	defer store.Close()

	wal, err := storage.NewFileWAL(filepath.Join(cfg.Node.DataDir, "blocks.wal"))
	if err != nil {
		sugar.Fatalw("wal_open_failed", "err", err)
	}
	defer wal.Close()

	m := metrics.New()
	appCfg := market.ConfigFromParams(cfg)
	app, err := market.New(appCfg, funds, store, m, sugar.Named("market"))
	if err != nil {
		sugar.Fatalw("app_init_failed", "err", err)
	}
	defer app.Close()

	// ---- Genesis ----
	genesis := &params.Genesis{ChainID: cfg.Node.ChainID, Time: time.Now().Unix()}
	if cfg.Node.GenesisFile != "" {
		if genesis, err = params.LoadGenesis(cfg.Node.GenesisFile); err != nil {
			sugar.Fatalw("genesis_load_failed", "file", cfg.Node.GenesisFile, "err", err)
		}
	}

	var gen *market.TxGenerator
	txCfg := market.TxGenConfigForMode(cfg.TxGen.Mode)
	if cfg.TxGen.Enabled {
		if gen, err = market.NewTxGenerator(txCfg, appCfg.Domain); err != nil {
			sugar.Fatalw("txgen_init_failed", "err", err)
		}
		gen.SeedGenesis(genesis, cfg.Market.Escrow)
	}
	if err := app.InitChain(genesis); err != nil {
		sugar.Fatalw("genesis_failed", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// halt stops the node when a block cannot be committed.
	ctx, halt := context.WithCancel(ctx)
	defer halt()

	// ---- Sequencer ----
	head := app.Head()
	seq := abci.NewSequencer(abci.SequencerConfig{
		App:          app,
		Clock:        util.RealClock{},
		MinBlockTime: cfg.Node.MinBlockTime,
		StartHeight:  int64(head.Height),
		StartTime:    head.Time,
		WAL:          wal,
		Logger:       sugar.Named("sequencer"),
	})

	// ---- API Server ----
	apiServer := api.NewServer(app, m, api.Config{
		Addr:           cfg.API.Addr,
		AllowedOrigins: cfg.API.AllowedOrigins,
	}, sugar.Named("api"))
	if err := app.SubscribeAsync(apiServer.PublishEvent); err != nil {
		sugar.Fatalw("subscribe_failed", "subscriber", "api", "err", err)
	}
	seq.OnCommit(apiServer.OnCommit)

	go func() {
		if err := apiServer.Start(); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	// ---- P2P (optional) ----
	if cfg.P2P.Enabled {
		gossip, err := p2p.NewEventGossip(ctx, p2p.Config{
			ListenAddr: cfg.P2P.Listen,
			Bootstrap:  cfg.P2P.Bootstrap,
			ChainID:    cfg.Node.ChainID,
			Logger:     sugar.Named("p2p"),
		})
		if err != nil {
			sugar.Fatalw("libp2p_init_failed", "err", err)
		}
		defer gossip.Close()

		err = app.SubscribeAsync(func(e event.Event) {
			if err := gossip.Publish(ctx, e); err != nil && ctx.Err() == nil {
				sugar.Warnw("gossip_publish_failed", "kind", e.Kind, "asset", e.AssetID, "err", err)
			}
		})
		if err != nil {
			sugar.Fatalw("subscribe_failed", "subscriber", "p2p", "err", err)
		}
		gossip.OnTx(func(raw []byte) {
			if _, err := app.SubmitTx(raw); err != nil {
				sugar.Debugw("relayed_tx_rejected", "err", err)
			}
		})
	}

	// ---- Transaction Feeder (optional) ----
	if gen != nil {
		cancelFeeder := market.StartTxFeeder(ctx, app, gen, txCfg, sugar.Named("txfeeder"))
		defer cancelFeeder()
	}

	seqDone := make(chan struct{})
	go func() {
		defer close(seqDone)
		if err := seq.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			sugar.Errorw("sequencer_failed", "err", err)
			halt()
		}
	}()

	sugar.Infow("node_started",
		"chain_id", cfg.Node.ChainID,
		"height", head.Height,
		"escrow", cfg.Market.Escrow.Hex(),
		"time_buffer", cfg.Market.TimeBuffer,
		"min_block_time", cfg.Node.MinBlockTime,
		"p2p", cfg.P2P.Enabled,
		"txgen", cfg.TxGen.Enabled)

	// Progress logging loop
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	lastLogged := seq.Height()

	for {
		select {
		case <-ctx.Done():
			// Let the in-flight block commit before the stores close.
			<-seqDone
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := apiServer.Shutdown(shutdownCtx); err != nil {
				sugar.Warnw("api_shutdown_failed", "err", err)
			}
			cancel()
			sugar.Infow("node_stopped", "height", seq.Height())
			return
		case <-ticker.C:
			h := seq.Height()
			if h == lastLogged {
				continue
			}
			sugar.Infow("chain_progress",
				"height", h,
				"blocks_since_last_log", h-lastLogged,
				"mempool", app.MempoolLen(),
				"pending_settlements", len(app.PendingSettlements()))
			lastLogged = h
		}
	}
}
