package setup

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/forPelevin/s2steval/internal/types"
)

const ManifestFile = "manifest.json"

// WriteManifest writes indented JSON with no volatile fields, so one seed
// always yields the same bytes.
func WriteManifest(path string, m types.Manifest) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid manifest: %w", err)
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

func ReadManifest(path string) (types.Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return types.Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m types.Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return types.Manifest{}, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return types.Manifest{}, fmt.Errorf("manifest %s: %w", path, err)
	}
	return m, nil
}
