package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"usergate.org/internal/audit"
	"usergate.org/internal/auth"
	"usergate.org/internal/grpcapi"
	"usergate.org/internal/httpapi"
	"usergate.org/internal/obs"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC servers",
		Long: `Serve starts the HTTP API (token, reset and admin endpoints) and the
gRPC decision service. Both stop gracefully on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, root)
		},
	}
}

func runServe(ctx context.Context, root *rootOptions) error {
	cfg, err := root.load()
	if err != nil {
		return err
	}
	logger, err := obs.InitLogger(obs.LogConfig{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	obs.Init()
	obs.InitBuildInfo()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("close stores", zap.Error(err))
		}
	}()

	mailer, err := newMailer(cfg, logger)
	if err != nil {
		return err
	}
	svc, err := newService(cfg, st, mailer, logger)
	if err != nil {
		return fmt.Errorf("build service: %w", err)
	}
	admin, err := auth.NewAdmin(st.main, nil, auth.WithAdminMailer(mailer), auth.WithAdminLogger(logger))
	if err != nil {
		return err
	}

	proxies, err := httpapi.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return fmt.Errorf("server.trusted_proxies: %w", err)
	}
	api := httpapi.New(svc, admin, st.ready, httpapi.Config{
		Version:         obs.Version,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		RatePerSec:      cfg.Rate.PerSecond,
		RateBurst:       cfg.Rate.Burst,
		CORSOrigins:     cfg.Server.CORSOrigins,
		TrustedProxies:  proxies,
		ExposeResetLink: cfg.Reset.ExposeLink,
	}, httpapi.WithRecorder(audit.Tee{st.main, audit.NewLogRecorder(logger)}), httpapi.WithLogger(logger))

	httpSrv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}
	grpcSrv, health := grpcapi.NewGRPCServer(svc, logger)

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.GRPCAddr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.Server.HTTPAddr), zap.String("env", cfg.App.Env))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("grpc listening", zap.String("addr", cfg.Server.GRPCAddr))
		if err := grpcSrv.Serve(lis); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		health.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		done := make(chan struct{})
		go func() {
			grpcSrv.GracefulStop()
			close(done)
		}()
		err := httpSrv.Shutdown(shutdownCtx)
		select {
		case <-done:
		case <-shutdownCtx.Done():
			grpcSrv.Stop()
		}
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("stopped")
	return nil
}
