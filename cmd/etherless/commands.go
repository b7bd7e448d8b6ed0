package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/BloomsoftTeam/etherless/pkg/config"
	"github.com/BloomsoftTeam/etherless/pkg/ledger"
	"github.com/BloomsoftTeam/etherless/pkg/manifest"
	"github.com/BloomsoftTeam/etherless/pkg/pricing"
	"github.com/BloomsoftTeam/etherless/pkg/uploader"
	"github.com/BloomsoftTeam/etherless/pkg/workflow"
)

// dialLedger connects the CLI to the contracts. Tests replace it with the
// in-memory ledger.
var dialLedger = dialEthLedger

func dialEthLedger(ctx context.Context, cfg *config.Config, logger *slog.Logger) (workflow.ClientLedger, func(), error) {
	if cfg.PrivateKeyHex() == "" {
		return nil, nil, errors.New("ETHERLESS_PRIVATE_KEY is not set")
	}
	key, err := crypto.HexToECDSA(cfg.PrivateKeyHex())
	if err != nil {
		return nil, nil, fmt.Errorf("private key: %w", err)
	}
	addrs, err := cfg.Addresses()
	if err != nil {
		return nil, nil, err
	}
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
	}
	gw, err := ledger.NewEthGateway(ctx, client, ledger.EthConfig{
		Contracts:     addrs,
		PrivateKey:    key,
		Confirmations: cfg.Confirmations,
		Logger:        logger,
	})
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return gw, client.Close, nil
}

type commonFlags struct {
	configPath string
	jsonOut    bool
	verbose    bool
	watchdog   time.Duration
}

func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, *commonFlags) {
	cmd := flag.NewFlagSet(name, flag.ContinueOnError)
	cmd.SetOutput(stderr)
	f := &commonFlags{}
	cmd.StringVar(&f.configPath, "config", "", "Path to a YAML config file")
	cmd.BoolVar(&f.jsonOut, "json", false, "Output machine-readable JSON")
	cmd.BoolVar(&f.verbose, "v", false, "Log workflow progress to stderr")
	cmd.DurationVar(&f.watchdog, "timeout", 0, "Give up after this long (default from config)")
	return cmd, f
}

// session is an open ledger connection and the client driving it.
type session struct {
	client *workflow.Client
	close  func()
}

// open loads config and dials the ledger. A non-zero code means the error was
// already reported.
func (f *commonFlags) open(ctx context.Context, stderr io.Writer) (*session, int) {
	var (
		cfg *config.Config
		err error
	)
	if f.configPath != "" {
		cfg, err = config.LoadFile(f.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, 2
	}

	level := slog.LevelWarn
	if f.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	l, closeLedger, err := dialLedger(ctx, cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, 1
	}
	watchdog := cfg.Watchdog
	if f.watchdog > 0 {
		watchdog = f.watchdog
	}
	client, err := workflow.NewClient(workflow.ClientConfig{
		Ledger:   l,
		Uploader: uploader.New(cfg.ServerURL, nil),
		Watchdog: watchdog,
		Logger:   logger,
	})
	if err != nil {
		closeLedger()
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, 1
	}
	return &session{client: client, close: closeLedger}, 0
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func parseEscrow(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, err := pricing.ParseWei(s)
	if err != nil {
		return nil, fmt.Errorf("-escrow: %w", err)
	}
	return v, nil
}

func runPublishCmd(args []string, stdout, stderr io.Writer) int {
	cmd, common := newFlagSet("publish", stderr)
	name := cmd.String("name", "", "Function name (default: the manifest's name)")
	archivePath := cmd.String("archive", "", "Path to the function zip (REQUIRED)")
	manifestPath := cmd.String("manifest", "", "Path to manifest.json (REQUIRED)")
	escrow := cmd.String("escrow", "", "Wei to escrow instead of the contract's publish fee")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *archivePath == "" || *manifestPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: -archive and -manifest are required")
		return 2
	}

	archive, err := os.ReadFile(*archivePath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	rawManifest, err := os.ReadFile(*manifestPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	m, err := manifest.Parse(rawManifest)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if *name == "" {
		*name = m.Name
	}
	if *name != m.Name {
		_, _ = fmt.Fprintf(stderr, "Error: -name %q does not match manifest name %q\n", *name, m.Name)
		return 2
	}
	value, err := parseEscrow(*escrow)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx, stop := signalContext()
	defer stop()
	s, code := common.open(ctx, stderr)
	if code != 0 {
		return code
	}
	defer s.close()

	r, err := s.client.Publish(ctx, workflow.PublishRequest{
		Name:     *name,
		Archive:  archive,
		Manifest: rawManifest,
		Escrow:   value,
	})
	return report(stdout, stderr, common.jsonOut, r, err)
}

func runInvokeCmd(args []string, stdout, stderr io.Writer) int {
	cmd, common := newFlagSet("invoke", stderr)
	name := cmd.String("name", "", "Function name (REQUIRED)")
	params := cmd.String("params", "", "Parameters passed to the function")
	escrow := cmd.String("escrow", "", "Wei to escrow instead of the function's price")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *name == "" && cmd.NArg() > 0 {
		*name = cmd.Arg(0)
		if cmd.NArg() > 1 && *params == "" {
			*params = strings.Join(cmd.Args()[1:], " ")
		}
	}
	if *name == "" {
		_, _ = fmt.Fprintln(stderr, "Error: -name is required")
		return 2
	}
	value, err := parseEscrow(*escrow)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx, stop := signalContext()
	defer stop()
	s, code := common.open(ctx, stderr)
	if code != 0 {
		return code
	}
	defer s.close()

	r, err := s.client.Invoke(ctx, workflow.InvokeRequest{Name: *name, Params: *params, Escrow: value})
	return report(stdout, stderr, common.jsonOut, r, err)
}

func runRemoveCmd(args []string, stdout, stderr io.Writer) int {
	cmd, common := newFlagSet("remove", stderr)
	name := cmd.String("name", "", "Function name (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *name == "" && cmd.NArg() == 1 {
		*name = cmd.Arg(0)
	}
	if *name == "" {
		_, _ = fmt.Fprintln(stderr, "Error: -name is required")
		return 2
	}

	ctx, stop := signalContext()
	defer stop()
	s, code := common.open(ctx, stderr)
	if code != 0 {
		return code
	}
	defer s.close()

	r, err := s.client.Remove(ctx, *name)
	return report(stdout, stderr, common.jsonOut, r, err)
}

func runInfoCmd(args []string, stdout, stderr io.Writer) int {
	cmd, common := newFlagSet("info", stderr)
	name := cmd.String("name", "", "Function name (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *name == "" && cmd.NArg() == 1 {
		*name = cmd.Arg(0)
	}
	if *name == "" {
		_, _ = fmt.Fprintln(stderr, "Error: -name is required")
		return 2
	}

	ctx, stop := signalContext()
	defer stop()
	s, code := common.open(ctx, stderr)
	if code != 0 {
		return code
	}
	defer s.close()

	rec, err := s.client.Info(ctx, *name)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	view := functionView{
		Name:      rec.Name,
		Owner:     rec.Owner.Hex(),
		PriceWei:  rec.Price.String(),
		Available: rec.Available,
	}
	if common.jsonOut {
		return writeJSON(stdout, stderr, view)
	}
	_, _ = fmt.Fprintf(stdout, "%s\n  owner     %s\n  price     %s wei\n  available %t\n",
		view.Name, view.Owner, view.PriceWei, view.Available)
	return 0
}

type functionView struct {
	Name      string `json:"name"`
	Owner     string `json:"owner"`
	PriceWei  string `json:"price_wei"`
	Available bool   `json:"available"`
}

type receiptView struct {
	Kind   string   `json:"kind"`
	Name   string   `json:"name"`
	OpHash string   `json:"op_hash,omitempty"`
	TxHash string   `json:"tx_hash,omitempty"`
	State  string   `json:"state"`
	Trail  []string `json:"trail"`
	Result string   `json:"result,omitempty"`
	Error  string   `json:"error,omitempty"`
	Class  string   `json:"error_class,omitempty"`
}

func hexOrEmpty(h common.Hash) string {
	if h == (common.Hash{}) {
		return ""
	}
	return h.Hex()
}

// report prints the receipt, successful or not, and maps err to an exit code.
func report(stdout, stderr io.Writer, jsonOut bool, r *workflow.Receipt, err error) int {
	if r == nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	view := receiptView{
		Kind:   r.Kind.String(),
		Name:   r.Name,
		OpHash: hexOrEmpty(r.OpHash),
		TxHash: hexOrEmpty(r.TxHash),
		State:  string(r.State),
		Result: r.Result,
	}
	for _, s := range r.Trail() {
		view.Trail = append(view.Trail, string(s))
	}
	if err != nil {
		view.Error = err.Error()
		view.Class = string(workflow.ClassOf(err))
	}

	if jsonOut {
		if code := writeJSON(stdout, stderr, view); code != 0 {
			return code
		}
	} else {
		_, _ = fmt.Fprintf(stdout, "%s %s: %s\n", view.Kind, view.Name, view.State)
		if view.OpHash != "" {
			_, _ = fmt.Fprintf(stdout, "  operation   %s\n", view.OpHash)
		}
		if view.TxHash != "" {
			_, _ = fmt.Fprintf(stdout, "  transaction %s\n", view.TxHash)
		}
		_, _ = fmt.Fprintf(stdout, "  trail       %s\n", strings.Join(view.Trail, " -> "))
		if view.Result != "" {
			_, _ = fmt.Fprintf(stdout, "  result      %s\n", view.Result)
		}
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		}
	}
	if err != nil {
		return 1
	}
	return 0
}

func writeJSON(stdout, stderr io.Writer, v any) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
