// Package manifest parses and validates the descriptor shipped with every
// published function.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/text/unicode/norm"

	"github.com/BloomsoftTeam/etherless/pkg/pricing"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("manifest: invalid")

// MaxTimeout bounds the configurable execution ceiling.
const MaxTimeout = 900 * time.Second

const schemaURL = "https://etherless.schemas.local/manifest.schema.json"

const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "entry", "timeout"],
  "additionalProperties": false,
  "properties": {
    "name":        {"type": "string", "pattern": "^[A-Za-z][A-Za-z0-9_-]{0,63}$"},
    "description": {"type": "string", "maxLength": 1024},
    "usage":       {"type": "string", "maxLength": 1024},
    "params":      {"type": "string", "maxLength": 1024},
    "entry":       {"type": "string", "minLength": 1, "maxLength": 256},
    "timeout":     {"type": "integer", "minimum": 1, "maximum": 900},
    "fee":         {"type": "string", "pattern": "^[0-9]{0,78}$"},
    "version":     {"type": "string"}
  }
}`

// Manifest describes a function.
type Manifest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Usage       string `json:"usage,omitempty"`
	Params      string `json:"params,omitempty"`
	Entry       string `json:"entry"`
	Timeout     int    `json:"timeout"`
	Fee         string `json:"fee,omitempty"`
	Version     string `json:"version,omitempty"`
}

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
			compileErr = fmt.Errorf("manifest schema load failed: %w", err)
			return
		}
		compiled, compileErr = c.Compile(schemaURL)
	})
	return compiled, compileErr
}

// Parse validates raw against the manifest schema and returns the decoded
// manifest with its name in NFC form.
func Parse(raw []byte) (*Manifest, error) {
	s, err := schema()
	if err != nil {
		return nil, err
	}

	// 1. Schema
	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: not JSON: %v", ErrInvalid, err)
	}
	if err := s.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	m.Name = norm.NFC.String(m.Name)

	// 2. Semantics the schema cannot express
	if m.Version != "" {
		if _, err := semver.NewVersion(m.Version); err != nil {
			return nil, fmt.Errorf("%w: version %q: %v", ErrInvalid, m.Version, err)
		}
	}
	if _, err := pricing.ParseWei(m.Fee); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return &m, nil
}

// TimeoutDuration is the configured execution ceiling.
func (m *Manifest) TimeoutDuration() time.Duration {
	return time.Duration(m.Timeout) * time.Second
}

// DevFee is the developer fee in wei.
func (m *Manifest) DevFee() *big.Int {
	v, err := pricing.ParseWei(m.Fee)
	if err != nil {
		return new(big.Int)
	}
	return v
}

// SemVer returns the parsed version, or nil when none was declared.
func (m *Manifest) SemVer() *semver.Version {
	if m.Version == "" {
		return nil
	}
	v, err := semver.NewVersion(m.Version)
	if err != nil {
		return nil
	}
	return v
}
