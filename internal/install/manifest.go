package install

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ZebulonRouseFrantzich/keg/internal/formula"
)

// ManifestSchemaVersion is written into every manifest
const ManifestSchemaVersion = 1

// Manifest records one installed package version and every path it wrote
type Manifest struct {
	SchemaVersion int            `json:"schema_version"`
	Name          string         `json:"name"`
	Version       string         `json:"version"`
	Digest        formula.Digest `json:"digest"`

	// ArtifactDigest is what the fetched bytes actually hashed to
	ArtifactDigest formula.Digest     `json:"artifact_digest"`
	SourceURL      string             `json:"source_url"`
	Prefix         string             `json:"prefix"`
	Verified       VerificationMethod `json:"verified"`
	InstallID      string             `json:"install_id"`
	InstalledAt    time.Time          `json:"installed_at"`

	// Files are destinations relative to Prefix, slash separated, in
	// install map order
	Files []string `json:"files"`
}

// Matches reports whether the manifest records rec, with the same version
// and expected digest, installed under prefix
func (m *Manifest) Matches(rec *formula.Record, prefix string) bool {
	return m.Name == rec.Name && m.Version == rec.Version && m.Digest.Equal(rec.Digest) &&
		filepath.Clean(m.Prefix) == filepath.Clean(prefix)
}

// Owns reports whether rel is one of the manifest's files
func (m *Manifest) Owns(rel string) bool {
	for _, f := range m.Files {
		if f == rel {
			return true
		}
	}
	return false
}

// Paths returns the absolute paths of every recorded file
func (m *Manifest) Paths() []string {
	paths := make([]string, len(m.Files))
	for i, f := range m.Files {
		paths[i] = filepath.Join(m.Prefix, filepath.FromSlash(f))
	}
	return paths
}

// ManifestStore is a directory of <name>.json manifests
type ManifestStore struct {
	dir string
}

// NewManifestStore returns a store rooted at dir
func NewManifestStore(dir string) *ManifestStore {
	return &ManifestStore{dir: dir}
}

func (s *ManifestStore) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// Load reads the manifest for name. A missing manifest is ErrNotInstalled.
func (s *ManifestStore) Load(name string) (*Manifest, error) {
	data, err := os.ReadFile(s.path(name))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: %w", name, ErrNotInstalled)
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal manifest %s: %w", name, err)
	}
	if m.SchemaVersion > ManifestSchemaVersion {
		return nil, fmt.Errorf("manifest %s has schema version %d, newer than supported %d",
			name, m.SchemaVersion, ManifestSchemaVersion)
	}
	return &m, nil
}

// Save writes the manifest atomically.
// Uses write-then-rename pattern for atomicity.
func (s *ManifestStore) Save(m *Manifest) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create manifest directory: %w", err)
	}

	finalPath := s.path(m.Name)
	tmpPath := finalPath + ".tmp"

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write temporary manifest file: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename manifest file: %w", err)
	}

	// Sync directory for durability
	df, err := os.Open(s.dir)
	if err == nil {
		if syncErr := df.Sync(); syncErr != nil {
			df.Close()
			return fmt.Errorf("sync directory: %w", syncErr)
		}
		df.Close()
	}
	return nil
}

// Delete removes the manifest for name
func (s *ManifestStore) Delete(name string) error {
	err := os.Remove(s.path(name))
	if os.IsNotExist(err) {
		return fmt.Errorf("%s: %w", name, ErrNotInstalled)
	}
	if err != nil {
		return fmt.Errorf("remove manifest: %w", err)
	}
	return nil
}

// List returns every manifest sorted by package name
func (s *ManifestStore) List() ([]*Manifest, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest directory: %w", err)
	}

	var manifests []*Manifest
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".json")
		if e.IsDir() || !ok {
			continue
		}
		m, err := s.Load(name)
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, m)
	}

	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].Name < manifests[j].Name
	})
	return manifests, nil
}
