package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ManifestEntry declares one transform to register at startup.
type ManifestEntry struct {
	ID    string `yaml:"id"`
	Path  string `yaml:"path"`
	Label string `yaml:"label"`

	// SHA256 optionally pins the module content. When set, registration
	// fails unless the file still hashes to it.
	SHA256 string `yaml:"sha256"`
}

type manifestFile struct {
	Transforms []ManifestEntry `yaml:"transforms"`
}

// LoadManifest parses a manifest file. Relative module paths are resolved
// against the manifest's directory.
func LoadManifest(path string) ([]ManifestEntry, error) {
	//nolint:gosec // manifest path is controlled by admin/operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	var file manifestFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}

	base := filepath.Dir(path)
	for i := range file.Transforms {
		if p := file.Transforms[i].Path; p != "" && !filepath.IsAbs(p) {
			file.Transforms[i].Path = filepath.Join(base, p)
		}
	}
	return file.Transforms, nil
}

// RegisterAll registers each entry independently. A rejected entry does not
// prevent the others; all failures are joined into the returned error.
func (r *Registry) RegisterAll(entries []ManifestEntry) error {
	var errs []error
	for _, entry := range entries {
		if _, err := r.RegisterPinned(entry.ID, entry.Path, entry.Label, entry.SHA256); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
