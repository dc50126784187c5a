package config

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"nostr-incidents/internal/cache"
)

// ErrInvalidImport is returned when an imported document does not match the
// export schema. Nothing is changed in that case.
var ErrInvalidImport = errors.New("config: invalid settings import")

// ExportVersion is written into every exported document.
const ExportVersion = 1

// Document is the portable settings export.
type Document struct {
	Version         int              `json:"version"`
	Settings        Record           `json:"settings"`
	FollowedPubkeys []cache.Followed `json:"followedPubkeys"`
}

//go:embed schema/settings.schema.json
var exportSchemaJSON []byte

const exportSchemaURL = "https://nostr-incidents.local/schema/settings-export.json"

var (
	exportSchemaOnce sync.Once
	exportSchema     *jsonschema.Schema
	exportSchemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	exportSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(exportSchemaURL, bytes.NewReader(exportSchemaJSON)); err != nil {
			exportSchemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		exportSchema, exportSchemaErr = compiler.Compile(exportSchemaURL)
	})
	return exportSchema, exportSchemaErr
}

// Export writes the settings record and follow list as JSON.
func (s *Settings) Export(w io.Writer) error {
	s.mu.Lock()
	doc := Document{
		Version:         ExportVersion,
		Settings:        s.rec.clone(),
		FollowedPubkeys: append([]cache.Followed{}, s.followed...),
	}
	s.mu.Unlock()

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode settings export: %w", err)
	}
	return nil
}

// Import validates a document produced by Export and replaces the current
// settings and follow list with it.
func (s *Settings) Import(ctx context.Context, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read settings import: %w", err)
	}

	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidImport, err)
	}
	schema, err := compiledSchema()
	if err != nil {
		return err
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidImport, err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidImport, err)
	}
	rec := doc.Settings.clone()
	if err := rec.normalize(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidImport, err)
	}
	followed := append([]cache.Followed{}, doc.FollowedPubkeys...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.cache.SaveSettings(ctx, rec); err != nil && !errors.Is(err, cache.ErrStorageUnavailable) {
		return fmt.Errorf("save imported settings: %w", err)
	}
	if err := s.cache.Followed.Replace(ctx, followed); err != nil && !errors.Is(err, cache.ErrStorageUnavailable) {
		return fmt.Errorf("save imported follow list: %w", err)
	}
	s.rec, s.followed = rec, followed
	s.project()
	s.log.Info("settings imported", "relays", len(rec.Relays), "followed", len(followed))
	return nil
}
