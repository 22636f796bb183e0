// Package schema validates drafts against per-collection JSON schemas before
// they are sent to the remote service.
package schema

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var builtin embed.FS

type compiled struct {
	full    *jsonschema.Schema
	partial *jsonschema.Schema // same schema without "required", for patches
}

// Validator holds compiled schemas keyed by collection name
type Validator struct {
	mu      sync.RWMutex
	schemas map[string]compiled
}

// New compiles the built-in schemas
func New() (*Validator, error) {
	v := &Validator{schemas: make(map[string]compiled)}

	entries, err := fs.ReadDir(builtin, "schemas")
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		raw, err := builtin.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, err
		}
		if err := v.Register(strings.TrimSuffix(e.Name(), ".json"), raw); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Register compiles raw and installs it for collection, replacing any
// existing schema
func (v *Validator) Register(collection string, raw []byte) error {
	full, err := compile(collection, raw, false)
	if err != nil {
		return err
	}
	partial, err := compile(collection, raw, true)
	if err != nil {
		return err
	}

	v.mu.Lock()
	v.schemas[collection] = compiled{full: full, partial: partial}
	v.mu.Unlock()
	return nil
}

func compile(collection string, raw []byte, partial bool) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", collection, err)
	}

	url := "mem://schemas/" + collection + ".json"
	if partial {
		if m, ok := doc.(map[string]any); ok {
			delete(m, "required")
		}
		url = "mem://schemas/" + collection + ".partial.json"
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("schema %s: %w", collection, err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", collection, err)
	}
	return sch, nil
}

// Error describes why a draft was rejected
type Error struct {
	Collection string
	Reason     string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Collection, e.Reason)
}

// Validate checks draft against the collection's schema. Collections without
// a schema accept anything. When partial is set (update patches) required
// properties are not enforced.
func (v *Validator) Validate(collection string, draft map[string]any, partial bool) error {
	if v == nil {
		return nil
	}
	v.mu.RLock()
	c, ok := v.schemas[collection]
	v.mu.RUnlock()
	if !ok {
		return nil
	}

	sch := c.full
	if partial {
		sch = c.partial
	}
	instance := make(map[string]any, len(draft))
	for k, val := range draft {
		instance[k] = val
	}
	if err := sch.Validate(instance); err != nil {
		return &Error{Collection: collection, Reason: reason(err)}
	}
	return nil
}

// reason drops the validator's header line and joins the failing keywords
func reason(err error) string {
	lines := strings.Split(strings.TrimSpace(err.Error()), "\n")
	if len(lines) > 1 {
		lines = lines[1:]
	}
	for i, l := range lines {
		lines[i] = strings.TrimPrefix(strings.TrimSpace(l), "- ")
	}
	return strings.Join(lines, "; ")
}
