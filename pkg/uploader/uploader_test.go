package uploader

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BloomsoftTeam/etherless/pkg/workflow"
)

func TestUpload_SendsMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, Path, r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "addFn", r.FormValue(FieldName))
		assert.Equal(t, "s3cret", r.FormValue(FieldSecret))

		f, _, err := r.FormFile(FieldArchive)
		require.NoError(t, err)
		data, _ := io.ReadAll(f)
		assert.Equal(t, "zip", string(data))

		_ = json.NewEncoder(w).Encode(Response{OK: true})
	}))
	defer srv.Close()

	err := New(srv.URL+"/", http.DefaultClient).Upload(context.Background(), workflow.Upload{
		Name: "addFn", Secret: "s3cret", Archive: []byte("zip"), Manifest: []byte(`{}`),
	})
	assert.NoError(t, err)
}

func TestUpload_StatusErrorClassifies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(Response{Error: "no pending publish for this secret"})
	}))
	defer srv.Close()

	err := New(srv.URL, http.DefaultClient).Upload(context.Background(), workflow.Upload{Name: "addFn"})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusForbidden, se.StatusCode())
	assert.Contains(t, se.Error(), "no pending publish")
}

func TestUpload_RequiresConfirmation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false}`))
	}))
	defer srv.Close()

	err := New(srv.URL, http.DefaultClient).Upload(context.Background(), workflow.Upload{Name: "addFn"})
	assert.Error(t, err)
}
