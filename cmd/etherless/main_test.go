package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BloomsoftTeam/etherless/pkg/api"
	"github.com/BloomsoftTeam/etherless/pkg/artifacts"
	"github.com/BloomsoftTeam/etherless/pkg/backend"
	"github.com/BloomsoftTeam/etherless/pkg/config"
	"github.com/BloomsoftTeam/etherless/pkg/ledger"
	"github.com/BloomsoftTeam/etherless/pkg/registry"
	"github.com/BloomsoftTeam/etherless/pkg/workflow"
)

var (
	authorityAddr = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	userAddr      = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

// echoBackend deploys anything and answers every call with "3".
type echoBackend struct {
	mu      sync.Mutex
	digests map[string]string
}

func (b *echoBackend) Deploy(_ context.Context, d backend.Deployment) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	digest := artifacts.Digest(d.Archive)
	b.digests[d.Name] = digest
	return digest, nil
}

func (b *echoBackend) Invoke(_ context.Context, c backend.Call) (backend.Execution, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.digests[c.Name] != c.Digest {
		return backend.Execution{}, backend.ErrNotDeployed
	}
	return backend.Execution{Output: "3", Duration: time.Second}, nil
}

func (b *echoBackend) Delete(_ context.Context, name, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.digests, name)
	return nil
}

// devNet runs a server on the in-memory ledger behind a real HTTP endpoint
// and points the CLI at both.
func devNet(t *testing.T) *ledger.Memory {
	t.Helper()
	chain := ledger.NewMemory(authorityAddr, big.NewInt(1000))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv, err := workflow.NewServer(workflow.ServerConfig{
		Ledger:   chain.Session(authorityAddr),
		Backend:  &echoBackend{digests: map[string]string{}},
		Registry: registry.NewMemoryStore(),
		Logger:   logger,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-runErr
	})
	select {
	case <-srv.Ready():
	case err := <-runErr:
		t.Fatalf("server exited early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server never became ready")
	}

	h := api.NewHandler(api.HandlerConfig{Uploads: srv, Logger: logger})
	ts := httptest.NewServer(h.Routes())
	t.Cleanup(ts.Close)

	t.Setenv("ETHERLESS_SERVER_URL", ts.URL)
	t.Setenv("ETHERLESS_WATCHDOG", "10s")

	prev := dialLedger
	dialLedger = func(context.Context, *config.Config, *slog.Logger) (workflow.ClientLedger, func(), error) {
		return chain.Session(userAddr), func() {}, nil
	}
	t.Cleanup(func() { dialLedger = prev })
	return chain
}

func writeFunction(t *testing.T, name string) (archivePath, manifestPath string) {
	t.Helper()
	dir := t.TempDir()
	archivePath = filepath.Join(dir, "function.zip")
	manifestPath = filepath.Join(dir, "manifest.json")
	require.NoError(t, os.WriteFile(archivePath, []byte("PK fake archive for "+name), 0o600))
	m := `{"name":"` + name + `","entry":"main.wasm","timeout":10,"fee":"100","version":"1.0.0"}`
	require.NoError(t, os.WriteFile(manifestPath, []byte(m), 0o600))
	return archivePath, manifestPath
}

func run(args ...string) (code int, stdout, stderr string) {
	var out, errOut bytes.Buffer
	code = Run(append([]string{"etherless"}, args...), &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestRun_Dispatch(t *testing.T) {
	code, _, _ := run()
	assert.Equal(t, 2, code)

	code, _, stderr := run("frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Unknown command")

	code, stdout, _ := run("help")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "publish")

	code, stdout, _ = run("version")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "etherless dev")
}

func TestRun_UsageErrors(t *testing.T) {
	archive, manifest := writeFunction(t, "addFn")
	cases := map[string][]string{
		"publish without files":   {"publish", "-name", "addFn"},
		"publish name mismatch":   {"publish", "-name", "other", "-archive", archive, "-manifest", manifest},
		"publish bad escrow":      {"publish", "-archive", archive, "-manifest", manifest, "-escrow", "lots"},
		"invoke without name":     {"invoke"},
		"remove without name":     {"remove"},
		"info without name":       {"info"},
		"unknown flag":            {"invoke", "-bogus"},
		"publish missing archive": {"publish", "-archive", filepath.Join(t.TempDir(), "none.zip"), "-manifest", manifest},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			code, _, _ := run(args...)
			assert.Equal(t, 2, code)
		})
	}
}

func TestRun_PublishInvokeRemove(t *testing.T) {
	chain := devNet(t)
	archive, manifest := writeFunction(t, "addFn")

	code, stdout, stderr := run("publish", "-archive", archive, "-manifest", manifest)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "publish addFn: Settled")
	assert.Contains(t, stdout, "ArtifactUploaded")

	code, stdout, stderr = run("info", "-json", "addFn")
	require.Equal(t, 0, code, stderr)
	var fn functionView
	require.NoError(t, json.Unmarshal([]byte(stdout), &fn))
	assert.Equal(t, userAddr.Hex(), fn.Owner)
	assert.True(t, fn.Available)

	code, stdout, stderr = run("invoke", "-json", "-name", "addFn", "-params", "[1,2]")
	require.Equal(t, 0, code, stderr)
	var r receiptView
	require.NoError(t, json.Unmarshal([]byte(stdout), &r))
	assert.Equal(t, "3", r.Result)
	assert.NotEmpty(t, r.OpHash)
	assert.Empty(t, r.Error)

	code, stdout, stderr = run("remove", "addFn")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "remove addFn: Confirmed")

	_, err := chain.Session(userAddr).Function(context.Background(), "addFn")
	assert.ErrorIs(t, err, ledger.ErrFunctionNotFound)
}

func TestRun_InvokeUnknownFunctionFails(t *testing.T) {
	devNet(t)

	code, stdout, _ := run("invoke", "-json", "-name", "ghost")
	assert.Equal(t, 1, code)
	var r receiptView
	require.NoError(t, json.Unmarshal([]byte(stdout), &r))
	assert.NotEmpty(t, r.Error)
	assert.Equal(t, string(workflow.ClassAuthorization), r.Class)
	assert.Equal(t, "invoke", r.Kind)
}
