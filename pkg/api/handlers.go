package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/BloomsoftTeam/etherless/pkg/registry"
	"github.com/BloomsoftTeam/etherless/pkg/uploader"
	"github.com/BloomsoftTeam/etherless/pkg/workflow"
)

// DefaultMaxUploadBytes bounds a whole multipart upload.
const DefaultMaxUploadBytes = 64 << 20

// UploadHandler completes publishes. *workflow.Server implements it.
type UploadHandler interface {
	HandleUpload(ctx context.Context, u workflow.Upload) error
}

// HandlerConfig wires a Handler. Registry and RateLimiter are optional.
type HandlerConfig struct {
	Uploads        UploadHandler
	Registry       registry.Store
	RateLimiter    *RateLimiter
	MaxUploadBytes int64
	Logger         *slog.Logger
}

type Handler struct {
	uploads   UploadHandler
	registry  registry.Store
	limiter   *RateLimiter
	maxUpload int64
	logger    *slog.Logger
}

func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		uploads:   cfg.Uploads,
		registry:  cfg.Registry,
		limiter:   cfg.RateLimiter,
		maxUpload: cfg.MaxUploadBytes,
		logger:    cfg.Logger,
	}
	if h.maxUpload <= 0 {
		h.maxUpload = DefaultMaxUploadBytes
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.logger = h.logger.With("component", "api")
	return h
}

// Routes returns the full middleware-wrapped mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	var upload http.Handler = http.HandlerFunc(h.handleUpload)
	if h.limiter != nil {
		upload = h.limiter.Middleware(upload)
	}
	mux.Handle("POST "+uploader.Path, upload)
	mux.HandleFunc("GET /healthz", h.handleHealth)
	if h.registry != nil {
		mux.HandleFunc("GET /functions/{name}", h.handleFunction)
	}
	return RequestID(AccessLog(h.logger)(mux))
}

func writeUpload(w http.ResponseWriter, status int, errMsg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(uploader.Response{OK: status == http.StatusOK, Error: errMsg})
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeUpload(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", tooBig.Limit))
			return
		}
		writeUpload(w, http.StatusBadRequest, "malformed multipart body")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	name := r.FormValue(uploader.FieldName)
	secret := r.FormValue(uploader.FieldSecret)
	if name == "" || secret == "" {
		writeUpload(w, http.StatusBadRequest, "name and secret are required")
		return
	}
	archive, err := formFile(r, uploader.FieldArchive)
	if err != nil {
		writeUpload(w, http.StatusBadRequest, err.Error())
		return
	}
	manifest, err := formFile(r, uploader.FieldManifest)
	if err != nil {
		writeUpload(w, http.StatusBadRequest, err.Error())
		return
	}

	err = h.uploads.HandleUpload(r.Context(), workflow.Upload{Name: name, Secret: secret, Archive: archive, Manifest: manifest})
	if err != nil {
		status := workflow.HTTPStatus(err)
		msg := err.Error()
		if status >= http.StatusInternalServerError && workflow.ClassOf(err) != workflow.ClassBackendExecution {
			msg = "upload could not be completed"
		}
		h.logger.WarnContext(r.Context(), "upload rejected", "name", name, "status", status,
			"class", string(workflow.ClassOf(err)), "error", err)
		writeUpload(w, status, msg)
		return
	}
	writeUpload(w, http.StatusOK, "")
}

func formFile(r *http.Request, field string) ([]byte, error) {
	f, _, err := r.FormFile(field)
	if err != nil {
		return nil, fmt.Errorf("missing %s file", field)
	}
	defer f.Close()
	return io.ReadAll(f)
}

// FunctionView is the public JSON form of a registry record.
type FunctionView struct {
	Name           string    `json:"name"`
	Owner          string    `json:"owner"`
	Description    string    `json:"description,omitempty"`
	Usage          string    `json:"usage,omitempty"`
	Params         string    `json:"params,omitempty"`
	Price          string    `json:"price"`
	DevFee         string    `json:"dev_fee"`
	TimeoutSeconds int64     `json:"timeout_seconds"`
	Version        string    `json:"version,omitempty"`
	ArtifactDigest string    `json:"artifact_digest"`
	Available      bool      `json:"available"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (h *Handler) handleFunction(w http.ResponseWriter, r *http.Request) {
	fn, err := h.registry.Get(r.Context(), r.PathValue("name"))
	if errors.Is(err, registry.ErrNotFound) {
		WriteNotFound(w, r, "no such function")
		return
	}
	if err != nil {
		WriteInternal(w, r, h.logger, err)
		return
	}

	view := FunctionView{
		Name:           fn.Name,
		Owner:          fn.Owner.Hex(),
		Description:    fn.Description,
		Usage:          fn.Usage,
		Params:         fn.Params,
		Price:          "0",
		DevFee:         "0",
		TimeoutSeconds: int64(fn.Timeout / time.Second),
		Version:        fn.Version,
		ArtifactDigest: fn.ArtifactDigest,
		Available:      fn.Available,
		UpdatedAt:      fn.UpdatedAt,
	}
	if fn.Price != nil {
		view.Price = fn.Price.String()
	}
	if fn.DevFee != nil {
		view.DevFee = fn.DevFee.String()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(view)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
