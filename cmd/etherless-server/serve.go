package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BloomsoftTeam/etherless/pkg/api"
	"github.com/BloomsoftTeam/etherless/pkg/config"
)

const shutdownTimeout = 10 * time.Second

type commonFlags struct {
	configPath string
	dev        bool
}

func (f *commonFlags) register(cmd *flag.FlagSet) {
	cmd.StringVar(&f.configPath, "config", "", "Path to a YAML config file")
	cmd.BoolVar(&f.dev, "dev", false, "Use the in-memory ledger instead of dialing RPC")
}

func (f *commonFlags) load() (*config.Config, error) {
	if f.configPath != "" {
		return config.LoadFile(f.configPath)
	}
	return config.Load()
}

func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var common commonFlags
	common.register(cmd)
	addr := cmd.String("addr", "", "Listen address (default :$PORT)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := common.load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if *addr == "" {
		*addr = ":" + cfg.Port
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger(cfg.LogLevel, stderr)
	if err := serve(ctx, cfg, common.dev, *addr, logger, nil); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "etherless-server stopped")
	return 0
}

// serve runs until ctx ends or a component fails. When ready is non-nil it
// receives the bound listen address once the ledger watches are live.
func serve(ctx context.Context, cfg *config.Config, dev bool, addr string, logger *slog.Logger, ready chan<- string) error {
	st, err := buildStack(ctx, cfg, dev, logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	srv, err := st.server()
	if err != nil {
		return err
	}

	report, err := srv.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("startup reconcile: %w", err)
	}
	if report.Examined > 0 {
		logger.Info("startup reconcile",
			"examined", report.Examined,
			"closed", report.Closed,
			"already_closed", report.AlreadyClosed)
	}

	limiter := api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	handler := api.NewHandler(api.HandlerConfig{
		Uploads:        srv,
		Registry:       st.registry,
		RateLimiter:    limiter,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Logger:         logger,
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	httpSrv := &http.Server{
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		limiter.Cleanup(gctx, time.Minute, 3*time.Minute)
		return nil
	})
	g.Go(func() error {
		if err := httpSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	select {
	case <-srv.Ready():
		logger.Info("etherless-server listening", "addr", ln.Addr().String(), "dev", dev)
		if ready != nil {
			ready <- ln.Addr().String()
		}
	case <-gctx.Done():
	}
	return g.Wait()
}

func runReconcileCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var common commonFlags
	common.register(cmd)
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := common.load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := buildStack(ctx, cfg, common.dev, newLogger(cfg.LogLevel, stderr))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	srv, err := st.server()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	report, err := srv.Reconcile(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "examined %d, closed %d, already closed %d\n",
		report.Examined, report.Closed, report.AlreadyClosed)
	return 0
}
