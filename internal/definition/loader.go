package definition

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/tessera/model"
)

// SeedFile is one YAML file of definitions and approval policies to install
// for a tenant at startup.
type SeedFile struct {
	Tenant      string                 `yaml:"tenant"`
	Definitions []SeedDefinition       `yaml:"definitions"`
	Policies    []model.PolicyDocument `yaml:"policies"`

	Checksum   string `yaml:"-"`
	SourceFile string `yaml:"-"`
}

// SeedDefinition is a generic definition written in YAML. Spec is kept as a
// generic tree and converted to JSON for schema validation.
type SeedDefinition struct {
	Key    string         `yaml:"key"`
	Name   string         `yaml:"name"`
	Type   string         `yaml:"type"`
	Status string         `yaml:"status"`
	Spec   map[string]any `yaml:"spec"`
}

// SpecJSON renders the spec as the JSON document accepted by ValidateDocument.
func (d SeedDefinition) SpecJSON() ([]byte, error) {
	if d.Spec == nil {
		return nil, nil
	}
	return json.Marshal(d.Spec)
}

// Loader scans directories for YAML seed files, parses them and computes
// SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new seed Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files.
func (l *Loader) LoadAll(directories []string) ([]SeedFile, error) {
	var files []SeedFile

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			f, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			files = append(files, f)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return files, nil
}

// LoadFile loads and parses a single seed file. A file must name its tenant.
func (l *Loader) LoadFile(path string) (SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SeedFile{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var f SeedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return SeedFile{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	if f.Tenant == "" {
		return SeedFile{}, fmt.Errorf("parsing %s: tenant is required", path)
	}

	f.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	f.SourceFile = path
	return f, nil
}

// SpecChecksum fingerprints a spec by its canonical JSON encoding. Seeding
// compares fingerprints to skip definitions already installed.
func SpecChecksum(spec model.MachineSpec) (string, error) {
	data, err := json.Marshal(spec)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", sha256.Sum256(data)), nil
}
