package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/BloomsoftTeam/etherless/pkg/artifacts"
)

// MaxModuleSize bounds the extracted entry module.
const MaxModuleSize = 64 << 20

// WasmConfig limits each run.
type WasmConfig struct {
	MemoryLimitBytes uint64
	Logger           *slog.Logger
}

// WasmBackend runs functions as WASI command modules on wazero. A module gets
// its params on stdin and the function name as argv[0]; its stdout is the
// result. No filesystem, network or environment is exposed.
type WasmBackend struct {
	store   artifacts.Store
	runtime wazero.Runtime
	logger  *slog.Logger

	mu       sync.Mutex
	compiled map[string]wazero.CompiledModule // digest|entry
}

func NewWasmBackend(ctx context.Context, store artifacts.Store, cfg WasmConfig) *WasmBackend {
	rc := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitBytes > 0 {
		pages := uint32(cfg.MemoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		rc = rc.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, rc)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WasmBackend{
		store:    store,
		runtime:  r,
		logger:   logger.With("component", "backend"),
		compiled: make(map[string]wazero.CompiledModule),
	}
}

func cacheKey(digest, entry string) string { return digest + "|" + entry }

func (b *WasmBackend) Deploy(ctx context.Context, d Deployment) (string, error) {
	wasm, err := extractEntry(d.Archive, d.Entry)
	if err != nil {
		return "", err
	}
	compiled, err := b.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return "", fmt.Errorf("backend: compile %s: %w", d.Name, err)
	}
	digest, err := b.store.Put(ctx, d.Archive)
	if err != nil {
		_ = compiled.Close(ctx)
		return "", fmt.Errorf("backend: store %s: %w", d.Name, err)
	}

	b.mu.Lock()
	key := cacheKey(digest, d.Entry)
	if old, ok := b.compiled[key]; ok {
		_ = old.Close(ctx)
	}
	b.compiled[key] = compiled
	b.mu.Unlock()

	b.logger.InfoContext(ctx, "function deployed", "name", d.Name, "digest", digest)
	return digest, nil
}

func (b *WasmBackend) module(ctx context.Context, c Call) (wazero.CompiledModule, error) {
	key := cacheKey(c.Digest, c.Entry)
	b.mu.Lock()
	m, ok := b.compiled[key]
	b.mu.Unlock()
	if ok {
		return m, nil
	}

	archive, err := b.store.Get(ctx, c.Digest)
	if errors.Is(err, artifacts.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotDeployed, c.Name)
	}
	if err != nil {
		return nil, err
	}
	wasm, err := extractEntry(archive, c.Entry)
	if err != nil {
		return nil, err
	}
	m, err = b.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("backend: compile %s: %w", c.Name, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if cached, ok := b.compiled[key]; ok {
		_ = m.Close(ctx)
		return cached, nil
	}
	b.compiled[key] = m
	return m, nil
}

func (b *WasmBackend) Invoke(ctx context.Context, c Call) (Execution, error) {
	compiled, err := b.module(ctx, c)
	if err != nil {
		return Execution{}, err
	}

	runCtx := ctx
	cancel := func() {}
	if c.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
	}
	defer cancel()

	var stdout, stderr bytes.Buffer
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithArgs(c.Name).
		WithStdin(bytes.NewReader([]byte(c.Params))).
		WithStdout(&stdout).
		WithStderr(&stderr)

	start := time.Now()
	mod, err := b.runtime.InstantiateModule(runCtx, compiled, cfg)
	elapsed := time.Since(start)
	if mod != nil {
		_ = mod.Close(ctx)
	}

	if c.Timeout > 0 && ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		b.logger.WarnContext(ctx, "function timed out", "name", c.Name, "timeout", c.Timeout)
		return Execution{Output: stdout.String(), Duration: c.Timeout}, nil
	}
	var exit *sys.ExitError
	if err != nil && !(errors.As(err, &exit) && exit.ExitCode() == 0) {
		if stderr.Len() > 0 {
			return Execution{}, fmt.Errorf("backend: run %s: %w: %s", c.Name, err, stderr.String())
		}
		return Execution{}, fmt.Errorf("backend: run %s: %w", c.Name, err)
	}
	if c.Timeout > 0 && elapsed > c.Timeout {
		elapsed = c.Timeout
	}
	return Execution{Output: stdout.String(), Duration: elapsed}, nil
}

func (b *WasmBackend) Delete(ctx context.Context, name, digest string) error {
	if digest == "" {
		return fmt.Errorf("%w: %s", ErrNotDeployed, name)
	}
	ok, err := b.store.Exists(ctx, digest)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotDeployed, name)
	}

	b.mu.Lock()
	for key, m := range b.compiled {
		if strings.HasPrefix(key, digest+"|") {
			_ = m.Close(ctx)
			delete(b.compiled, key)
		}
	}
	b.mu.Unlock()

	if err := b.store.Delete(ctx, digest); err != nil {
		return err
	}
	b.logger.InfoContext(ctx, "function deleted", "name", name, "digest", digest)
	return nil
}

// Close releases the runtime and every compiled module.
func (b *WasmBackend) Close(ctx context.Context) error {
	return b.runtime.Close(ctx)
}

// extractEntry reads the entry module out of a zip archive.
func extractEntry(archive []byte, entry string) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, fmt.Errorf("backend: open archive: %w", err)
	}
	want := path.Clean(entry)
	for _, f := range zr.File {
		if path.Clean(f.Name) != want {
			continue
		}
		if f.UncompressedSize64 > MaxModuleSize {
			return nil, fmt.Errorf("backend: entry %s exceeds %d bytes", entry, MaxModuleSize)
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("backend: open entry: %w", err)
		}
		defer func() { _ = rc.Close() }()
		return io.ReadAll(io.LimitReader(rc, MaxModuleSize))
	}
	return nil, fmt.Errorf("%w: %s", ErrEntryMissing, entry)
}
