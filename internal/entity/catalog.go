package entity

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed catalog/nutrition.yaml
var defaultCatalog []byte

type catalogFile struct {
	Enums    map[string][]string `yaml:"enums"`
	Entities []*Schema           `yaml:"entities"`
}

// LoadCatalog parses a YAML entity catalog and builds a Registry from it.
func LoadCatalog(r io.Reader) (*Registry, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var cf catalogFile
	if err := dec.Decode(&cf); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}
	if len(cf.Entities) == 0 {
		return nil, fmt.Errorf("catalog declares no entities")
	}
	return NewRegistry(cf.Enums, cf.Entities...)
}

// LoadCatalogFile reads a catalog from disk.
func LoadCatalogFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	defer f.Close()
	return LoadCatalog(f)
}

// DefaultCatalog returns the registry of the built-in nutrition entities.
func DefaultCatalog() (*Registry, error) {
	return LoadCatalog(bytes.NewReader(defaultCatalog))
}

// MarshalCatalog renders the registry back to YAML.
func MarshalCatalog(reg *Registry) ([]byte, error) {
	return yaml.Marshal(catalogFile{Enums: reg.Enums(), Entities: reg.Schemas()})
}
