package market

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// StartTxFeeder pushes generated transactions into the app's mempool every
// cfg.Interval until ctx is done. The returned function stops it.
func StartTxFeeder(ctx context.Context, app *App, gen *TxGenerator, cfg TxGenConfig, log *zap.SugaredLogger) context.CancelFunc {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	gen.SyncNonces(func(addr common.Address) uint64 { return app.Account(addr).Nonce })

	feedCtx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()
		statsTicker := time.NewTicker(10 * time.Second)
		defer statsTicker.Stop()

		start := time.Now()
		submitted, dropped := 0, 0

		log.Infow("txfeeder_started",
			"target_tps", cfg.TxPerSecond,
			"batch", cfg.BatchSize,
			"interval", cfg.Interval,
			"accounts", cfg.NumAccounts,
			"assets", cfg.NumAssets)

		for {
			select {
			case <-feedCtx.Done():
				elapsed := time.Since(start)
				log.Infow("txfeeder_stopped",
					"submitted", submitted,
					"dropped", dropped,
					"elapsed", elapsed.Round(time.Second),
					"tps", float64(submitted)/elapsed.Seconds())
				return

			case <-ticker.C:
				for _, raw := range gen.GenerateBatch(cfg.BatchSize) {
					if _, err := app.SubmitTx(raw); err != nil {
						dropped++
						continue
					}
					submitted++
				}

			case <-statsTicker.C:
				elapsed := time.Since(start)
				log.Infow("txfeeder_stats",
					"submitted", submitted,
					"dropped", dropped,
					"tps", float64(submitted)/elapsed.Seconds(),
					"mempool", app.MempoolLen())
			}
		}
	}()

	return cancel
}
