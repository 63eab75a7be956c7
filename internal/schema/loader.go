// Package schema loads YAML protocol schemas, validates them, and provides a
// fast-lookup registry with atomic pointer swap. A schema that fails any check
// is refused outright: an encounter engine must never run a protocol it cannot
// prove it understood.
package schema

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/afya/model"
)

// Loader scans directories for YAML schema files, parses them, and computes
// SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new schema Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into a Schema.
func (l *Loader) LoadAll(directories []string) ([]model.Schema, error) {
	var schemas []model.Schema

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

			s, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			schemas = append(schemas, s)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return schemas, nil
}

// LoadFile loads and parses a single YAML schema file. It computes the SHA-256
// checksum of the raw document and records the source file path. The checksum
// is taken over the bytes on disk, not the parsed form, so any tampering with
// the file invalidates it against the manifest.
func (l *Loader) LoadFile(path string) (model.Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Schema{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var s model.Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return model.Schema{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	s.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	s.SourceFile = path

	return s, nil
}
