package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/redis/go-redis/v9"

	"github.com/BloomsoftTeam/etherless/pkg/artifacts"
	"github.com/BloomsoftTeam/etherless/pkg/backend"
	"github.com/BloomsoftTeam/etherless/pkg/config"
	"github.com/BloomsoftTeam/etherless/pkg/database"
	"github.com/BloomsoftTeam/etherless/pkg/journal"
	"github.com/BloomsoftTeam/etherless/pkg/ledger"
	"github.com/BloomsoftTeam/etherless/pkg/observability"
	"github.com/BloomsoftTeam/etherless/pkg/registry"
	"github.com/BloomsoftTeam/etherless/pkg/workflow"
)

// devAuthority signs settlements on the in-memory ledger when no key is set.
var devAuthority = common.HexToAddress("0x00000000000000000000000000000000000e7e55")

// stack is every dependency of a workflow.Server, built from config.
type stack struct {
	cfg       *config.Config
	logger    *slog.Logger
	ledger    workflow.ServerLedger
	registry  registry.Store
	journal   journal.Journal
	pending   workflow.PendingTable
	backend   *backend.WasmBackend
	telemetry *observability.Provider

	closers []func(context.Context) error
}

func buildStack(ctx context.Context, cfg *config.Config, dev bool, logger *slog.Logger) (_ *stack, err error) {
	st := &stack{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = st.Close()
		}
	}()

	tcfg := observability.DefaultConfig()
	tcfg.ServiceVersion = version
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.Enabled = cfg.TelemetryEnabled
	tcfg.Insecure = true
	if dev {
		tcfg.Environment = "dev"
	}
	st.telemetry, err = observability.New(ctx, tcfg)
	if err != nil {
		return nil, err
	}
	st.closers = append(st.closers, st.telemetry.Shutdown)

	db, dialect, err := database.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	st.closers = append(st.closers, func(context.Context) error { return db.Close() })

	reg := registry.NewSQLStore(db, dialect)
	if err := reg.Init(ctx); err != nil {
		return nil, err
	}
	st.registry = reg

	jr := journal.NewSQLJournal(db, dialect)
	if err := jr.Init(ctx); err != nil {
		return nil, err
	}
	st.journal = jr

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		st.closers = append(st.closers, func(context.Context) error { return rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		st.pending = workflow.NewRedisPendingTable(rdb, "")
	} else {
		st.pending = workflow.NewMemoryPendingTable()
	}

	store, err := artifacts.New(ctx, cfg.Artifacts)
	if err != nil {
		return nil, err
	}
	st.backend = backend.NewWasmBackend(ctx, store, backend.WasmConfig{
		MemoryLimitBytes: cfg.WasmMemoryLimit,
		Logger:           logger,
	})
	st.closers = append(st.closers, st.backend.Close)

	if dev {
		st.ledger, err = devLedger(cfg)
	} else {
		st.ledger, err = ethLedger(ctx, cfg, logger, st)
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

func devLedger(cfg *config.Config) (workflow.ServerLedger, error) {
	fee, err := cfg.PublishFee()
	if err != nil {
		return nil, err
	}
	authority := devAuthority
	if hexKey := cfg.PrivateKeyHex(); hexKey != "" {
		key, err := crypto.HexToECDSA(hexKey)
		if err != nil {
			return nil, fmt.Errorf("private key: %w", err)
		}
		authority = crypto.PubkeyToAddress(key.PublicKey)
	}
	return ledger.NewMemory(authority, fee).Session(authority), nil
}

func ethLedger(ctx context.Context, cfg *config.Config, logger *slog.Logger, st *stack) (workflow.ServerLedger, error) {
	if cfg.PrivateKeyHex() == "" {
		return nil, errors.New("ETHERLESS_PRIVATE_KEY is required outside -dev")
	}
	key, err := crypto.HexToECDSA(cfg.PrivateKeyHex())
	if err != nil {
		return nil, fmt.Errorf("private key: %w", err)
	}
	addrs, err := cfg.Addresses()
	if err != nil {
		return nil, err
	}
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
	}
	st.closers = append(st.closers, func(context.Context) error { client.Close(); return nil })
	gw, err := ledger.NewEthGateway(ctx, client, ledger.EthConfig{
		Contracts:     addrs,
		PrivateKey:    key,
		Confirmations: cfg.Confirmations,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	return gw, nil
}

func (st *stack) server() (*workflow.Server, error) {
	schedule, err := st.cfg.Schedule()
	if err != nil {
		return nil, err
	}
	return workflow.NewServer(workflow.ServerConfig{
		Ledger:         st.ledger,
		Backend:        st.backend,
		Registry:       st.registry,
		Journal:        st.journal,
		Pending:        st.pending,
		Schedule:       schedule,
		PendingTTL:     st.cfg.PendingTTL,
		SweepInterval:  st.cfg.SweepInterval,
		ReconcileGrace: st.cfg.ReconcileGrace,
		Logger:         st.logger,
		Telemetry:      st.telemetry,
	})
}

// Close releases resources in reverse order of acquisition.
func (st *stack) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var errs []error
	for i := len(st.closers) - 1; i >= 0; i-- {
		errs = append(errs, st.closers[i](ctx))
	}
	return errors.Join(errs...)
}

func newLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}
