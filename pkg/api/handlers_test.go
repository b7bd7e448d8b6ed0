package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BloomsoftTeam/etherless/pkg/ledger"
	"github.com/BloomsoftTeam/etherless/pkg/registry"
	"github.com/BloomsoftTeam/etherless/pkg/uploader"
	"github.com/BloomsoftTeam/etherless/pkg/workflow"
)

type uploadFunc func(ctx context.Context, u workflow.Upload) error

func (f uploadFunc) HandleUpload(ctx context.Context, u workflow.Upload) error { return f(ctx, u) }

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func multipartBody(t *testing.T, fields map[string]string, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for k, v := range files {
		fw, err := mw.CreateFormFile(k, k+".bin")
		require.NoError(t, err)
		_, err = fw.Write([]byte(v))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func postUpload(t *testing.T, h http.Handler, body *bytes.Buffer, contentType string) (*httptest.ResponseRecorder, uploader.Response) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, uploader.Path, body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp uploader.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func validUpload(t *testing.T) (*bytes.Buffer, string) {
	return multipartBody(t,
		map[string]string{uploader.FieldName: "addFn", uploader.FieldSecret: "s3cret"},
		map[string]string{uploader.FieldArchive: "zip", uploader.FieldManifest: `{"name":"addFn"}`})
}

func TestUpload_OK(t *testing.T) {
	var got workflow.Upload
	h := NewHandler(HandlerConfig{
		Uploads: uploadFunc(func(_ context.Context, u workflow.Upload) error { got = u; return nil }),
		Logger:  quietLogger(),
	}).Routes()

	body, ct := validUpload(t)
	rec, resp := postUpload(t, h, body, ct)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.OK)
	assert.Equal(t, "addFn", got.Name)
	assert.Equal(t, "s3cret", got.Secret)
	assert.Equal(t, []byte("zip"), got.Archive)
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
}

func TestUpload_ErrorStatuses(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{"unknown proof", &workflow.Error{Class: workflow.ClassCorrelation, Kind: ledger.KindPublish, Err: workflow.ErrUnknownProof}, http.StatusForbidden, "no pending publish"},
		{"invalid artifact", &workflow.Error{Class: workflow.ClassBackendExecution, Kind: ledger.KindPublish, Err: fmt.Errorf("%w: bad manifest", workflow.ErrInvalidArtifact)}, http.StatusBadRequest, "bad manifest"},
		{"deploy failed", &workflow.Error{Class: workflow.ClassBackendExecution, Kind: ledger.KindPublish, Err: fmt.Errorf("compile failed")}, http.StatusInternalServerError, "compile failed"},
		{"settlement", &workflow.Error{Class: workflow.ClassSettlement, Kind: ledger.KindPublish, Err: fmt.Errorf("node down at 10.0.0.7")}, http.StatusInternalServerError, "upload could not be completed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHandler(HandlerConfig{
				Uploads: uploadFunc(func(context.Context, workflow.Upload) error { return tc.err }),
				Logger:  quietLogger(),
			}).Routes()
			body, ct := validUpload(t)
			rec, resp := postUpload(t, h, body, ct)

			assert.Equal(t, tc.status, rec.Code)
			assert.False(t, resp.OK)
			assert.Contains(t, resp.Error, tc.message)
		})
	}
}

func TestUpload_MissingFields(t *testing.T) {
	called := false
	h := NewHandler(HandlerConfig{
		Uploads: uploadFunc(func(context.Context, workflow.Upload) error { called = true; return nil }),
		Logger:  quietLogger(),
	}).Routes()

	body, ct := multipartBody(t, map[string]string{uploader.FieldName: "addFn"}, nil)
	rec, resp := postUpload(t, h, body, ct)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, resp.OK)

	body, ct = multipartBody(t, map[string]string{uploader.FieldName: "addFn", uploader.FieldSecret: "s"},
		map[string]string{uploader.FieldManifest: "{}"})
	rec, resp = postUpload(t, h, body, ct)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, resp.Error, uploader.FieldArchive)
	assert.False(t, called)
}

func TestUpload_TooLarge(t *testing.T) {
	h := NewHandler(HandlerConfig{
		Uploads:        uploadFunc(func(context.Context, workflow.Upload) error { return nil }),
		MaxUploadBytes: 64,
		Logger:         quietLogger(),
	}).Routes()

	body, ct := multipartBody(t, map[string]string{uploader.FieldName: "addFn", uploader.FieldSecret: "s"},
		map[string]string{uploader.FieldArchive: strings.Repeat("x", 1024)})
	rec, _ := postUpload(t, h, body, ct)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestUpload_RateLimited(t *testing.T) {
	h := NewHandler(HandlerConfig{
		Uploads:     uploadFunc(func(context.Context, workflow.Upload) error { return nil }),
		RateLimiter: NewRateLimiter(0.001, 1),
		Logger:      quietLogger(),
	}).Routes()

	body, ct := validUpload(t)
	rec, _ := postUpload(t, h, body, ct)
	assert.Equal(t, http.StatusOK, rec.Code)

	body, ct = validUpload(t)
	req := httptest.NewRequest(http.MethodPost, uploader.Path, body)
	req.Header.Set("Content-Type", ct)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
}

func TestFunctionInfo(t *testing.T) {
	store := registry.NewMemoryStore()
	require.NoError(t, store.Put(context.Background(), &registry.Function{
		Name:           "addFn",
		Owner:          common.HexToAddress("0x00000000000000000000000000000000000000b2"),
		Price:          big.NewInt(4296187600),
		DevFee:         big.NewInt(100),
		Timeout:        10 * time.Second,
		ArtifactDigest: "sha256:abc",
		Available:      true,
	}))
	h := NewHandler(HandlerConfig{Registry: store, Logger: quietLogger()}).Routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/functions/addFn", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var view FunctionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "4296187600", view.Price)
	assert.Equal(t, "100", view.DevFee)
	assert.Equal(t, int64(10), view.TimeoutSeconds)
	assert.True(t, view.Available)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/functions/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestRequestID_EchoesValidIDs(t *testing.T) {
	h := NewHandler(HandlerConfig{Logger: quietLogger()}).Routes()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "3f1c6f4e-2a59-4d0e-9a7b-1b1e6f0c9d11")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "3f1c6f4e-2a59-4d0e-9a7b-1b1e6f0c9d11", rec.Header().Get(RequestIDHeader))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "<script>")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.NotEqual(t, "<script>", rec.Header().Get(RequestIDHeader))
}

func TestRateLimiter_Evicts(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewRateLimiter(1, 1)
	rl.now = func() time.Time { return now }
	rl.limiter("10.0.0.1")

	now = now.Add(5 * time.Minute)
	rl.evict(3 * time.Minute)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.Empty(t, rl.visitors)
}
