package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/api"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/config"
)

func (a *app) newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control API and the periodic breakthrough scan",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default :$PORT)")
	return cmd
}

func (a *app) serve(ctx context.Context, addr string) error {
	log.Println("[governor] starting")
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	svc, err := NewServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	if addr == "" {
		addr = ":" + cfg.Port
	}
	srv := api.NewServer(api.Deps{
		Scheduler:  svc.Scheduler,
		Monitor:    svc.Monitor,
		KillSwitch: svc.KillSwitch,
		Detector:   svc.Detector,
		Injector:   svc.Injector,
		Checker:    svc.Checker,
		Auditor:    svc.Auditor,
		Store:      svc.Store,
		Obs:        svc.Observability,
	}, api.Options{
		AdminSecret:    cfg.AdminJWTSecret,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})
	defer srv.Close()

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go svc.Detector.Run(ctx, cfg.Tuning.Breakthrough.ScanInterval)
	log.Printf("[governor] breakthrough scan: every %s", cfg.Tuning.Breakthrough.ScanInterval)

	if cfg.TuningPath != "" {
		go func() {
			if err := config.Watch(ctx, cfg.TuningPath, func(t *config.Tuning) {
				svc.ApplyTuning(ctx, t)
			}); err != nil {
				log.Printf("[governor] tuning watcher stopped: %v", err)
			}
		}()
		log.Printf("[governor] tuning hot reload: %s", cfg.TuningPath)
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[governor] ready: http://localhost%s", addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Println("[governor] shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return httpSrv.Shutdown(sctx)
}
