// Package uploader sends publish artifacts to the server's upload endpoint.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/BloomsoftTeam/etherless/pkg/resiliency"
	"github.com/BloomsoftTeam/etherless/pkg/workflow"
)

// Path is the upload endpoint relative to the server URL.
const Path = "/publish-artifact"

// Multipart field names shared with the server handler.
const (
	FieldArchive  = "archive"
	FieldManifest = "manifest"
	FieldSecret   = "secret"
	FieldName     = "name"
)

// Response is the JSON body the endpoint answers with.
type Response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// StatusError is returned for any non-2xx answer.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upload rejected with status %d", e.Code)
	}
	return fmt.Sprintf("upload rejected with status %d: %s", e.Code, e.Message)
}

// StatusCode lets workflow classify the failure.
func (e *StatusError) StatusCode() int { return e.Code }

// Doer is satisfied by *http.Client and *resiliency.EnhancedClient.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client implements workflow.Uploader over HTTP.
type Client struct {
	baseURL string
	http    Doer
}

var _ workflow.Uploader = (*Client)(nil)

// New returns a Client for the server at baseURL. A nil doer gets a
// resiliency.EnhancedClient.
func New(baseURL string, doer Doer) *Client {
	if doer == nil {
		doer = resiliency.NewEnhancedClient()
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: doer}
}

func (c *Client) Upload(ctx context.Context, u workflow.Upload) error {
	body, contentType, err := encode(u)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+Path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()

	var out Response
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if len(raw) > 0 {
		if jerr := json.Unmarshal(raw, &out); jerr != nil {
			out.Error = strings.TrimSpace(string(raw))
		}
	}
	if resp.StatusCode/100 != 2 {
		return &StatusError{Code: resp.StatusCode, Message: out.Error}
	}
	if !out.OK {
		return &StatusError{Code: resp.StatusCode, Message: "server did not confirm the upload"}
	}
	return nil
}

func encode(u workflow.Upload) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField(FieldName, u.Name); err != nil {
		return nil, "", err
	}
	if err := mw.WriteField(FieldSecret, u.Secret); err != nil {
		return nil, "", err
	}
	for _, f := range []struct {
		field, file string
		data        []byte
	}{
		{FieldArchive, "function.zip", u.Archive},
		{FieldManifest, "manifest.json", u.Manifest},
	} {
		w, err := mw.CreateFormFile(f.field, f.file)
		if err != nil {
			return nil, "", err
		}
		if _, err := w.Write(f.data); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}
