package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"alamor/internal/api"
	"alamor/internal/logger"
	"alamor/internal/notify"
	"alamor/internal/syncer"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

var flagListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve subscription documents and the admin API",
	Long:  `Start the HTTP server for /sub/{subId}. When sync.schedule is set, inbound sync also runs on that cron schedule.`,
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp()
		defer a.Close()

		if flagListen != "" {
			a.cfg.HTTP.Listen = flagListen
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		agg := a.aggregator(ctx)
		runner := &syncRunner{app: a}

		srv := api.New(a.cfg.HTTP, api.Deps{
			Subscriptions: agg,
			Purchases:     a.store,
			Fixer:         a.provisioner(ctx),
			Sync:          runner.Run,
		})

		if a.cfg.Sync.Schedule != "" {
			c := cron.New()
			if _, err := c.AddFunc(a.cfg.Sync.Schedule, func() {
				rep := runner.Run(ctx)
				if err := notify.Broadcast(ctx, a.cfg.Notifiers, rep.String()); err != nil {
					logger.Log.Warnf("Some notifiers failed: %v", err)
				}
			}); err != nil {
				logger.Log.Fatalf("Invalid sync.schedule %q: %v", a.cfg.Sync.Schedule, err)
			}
			c.Start()
			defer c.Stop()
			logger.Log.Infof("⏰ Inbound sync scheduled: %s", a.cfg.Sync.Schedule)
		}

		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()

		select {
		case err := <-errCh:
			if err != nil {
				logger.Log.Fatalf("HTTP server failed: %v", err)
			}
		case <-ctx.Done():
			logger.Log.Info("Shutting down...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Log.Errorf("Shutdown error: %v", err)
			}
		}
	},
}

// syncRunner serializes sync passes between the cron trigger and the admin
// endpoint.
type syncRunner struct {
	app *app
	mu  sync.Mutex
}

func (r *syncRunner) Run(ctx context.Context) syncer.Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	servers, err := r.app.store.Servers(ctx)
	if err != nil {
		logger.Log.Errorf("❌ Sync aborted, cannot load servers: %v", err)
		return syncer.Report{}
	}
	rep := r.app.synchronizer(ctx).Run(ctx, servers, nil)
	logger.Log.Infof("✅ Sync pass finished: %d ok, %d failed, %d skipped", rep.Succeeded, rep.Failed, rep.Skipped)
	return rep
}

func init() {
	serveCmd.Flags().StringVar(&flagListen, "listen", "", "Override http.listen")
	rootCmd.AddCommand(serveCmd)
}
