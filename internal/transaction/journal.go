// Package transaction provides the per-package lock and the commit journal
// that lets an interrupted install be rolled back on the next run.
package transaction

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// State represents the current state of a journaled commit.
type State string

const (
	StatePending    State = "pending"
	StateCommitting State = "committing"
	StateCompleted  State = "completed"
	StateRolledBack State = "rolled_back"
)

const journalPrefix = "txn-"

// Journal records one install commit: which destinations are being
// replaced, where their previous contents were moved, and which
// directories the commit created. It is written before the first rename
// into the prefix and removed once the commit is durable.
type Journal struct {
	Version        int         `json:"version"` // Schema version for future evolution
	ID             string      `json:"id"`
	Package        string      `json:"package"`
	FormulaVersion string      `json:"formula_version"`
	State          State       `json:"state"`
	Timestamp      time.Time   `json:"timestamp"`
	StagingDir     string      `json:"staging_dir"`
	Placements     []Placement `json:"placements"`
	CreatedDirs    []string    `json:"created_dirs"`

	// Obsolete lists files of the replaced version to delete once the
	// commit is completed
	Obsolete []string `json:"obsolete,omitempty"`

	// ObsoleteRoot is the prefix the replaced version was installed under
	// when it differs from the new one
	ObsoleteRoot string `json:"obsolete_root,omitempty"`
}

// Placement is one destination written by a commit.
type Placement struct {
	Path      string `json:"path"`             // absolute destination
	Backup    string `json:"backup,omitempty"` // where the prior file was moved, if any
	Committed bool   `json:"committed"`
}

// NewJournal creates a pending journal for a package commit.
func NewJournal(pkg, version, stagingDir string) *Journal {
	return &Journal{
		Version:        1,
		ID:             uuid.New().String(),
		Package:        pkg,
		FormulaVersion: version,
		State:          StatePending,
		Timestamp:      time.Now().UTC(),
		StagingDir:     stagingDir,
		Placements:     []Placement{},
		CreatedDirs:    []string{},
	}
}

// Filename returns the journal's file name inside its directory.
func (j *Journal) Filename() string {
	return fmt.Sprintf("%s%s-%s.json", journalPrefix, j.Package, j.ID)
}

// Save writes the journal to disk atomically.
// Uses write-then-rename pattern for atomicity.
func (j *Journal) Save(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create journal directory: %w", err)
	}

	finalPath := filepath.Join(dir, j.Filename())
	tmpPath := finalPath + ".tmp"

	data, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal journal: %w", err)
	}

	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write temporary journal file: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename journal file: %w", err)
	}

	// Sync directory for durability
	df, err := os.Open(dir)
	if err == nil {
		if syncErr := df.Sync(); syncErr != nil {
			df.Close()
			return fmt.Errorf("sync directory: %w", syncErr)
		}
		df.Close()
	}

	return nil
}

// Remove deletes the journal file. A missing file is not an error.
func (j *Journal) Remove(dir string) error {
	err := os.Remove(filepath.Join(dir, j.Filename()))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove journal: %w", err)
	}
	return nil
}

// MarkCommitted flags the placement for path as renamed into place.
func (j *Journal) MarkCommitted(path string) {
	for i := range j.Placements {
		if j.Placements[i].Path == path {
			j.Placements[i].Committed = true
			return
		}
	}
}

// CommittedCount returns how many placements reached their destination
func (j *Journal) CommittedCount() int {
	n := 0
	for _, p := range j.Placements {
		if p.Committed {
			n++
		}
	}
	return n
}

// Load reads a journal from disk.
func Load(path string) (*Journal, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read journal file: %w", err)
	}

	var j Journal
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("unmarshal journal: %w", err)
	}
	return &j, nil
}

// Pending returns every journal in dir, oldest first. A missing directory
// yields none.
func Pending(dir string) ([]*Journal, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read journal directory: %w", err)
	}

	var journals []*Journal
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, journalPrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		j, err := Load(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		journals = append(journals, j)
	}

	sort.Slice(journals, func(a, b int) bool {
		return journals[a].Timestamp.Before(journals[b].Timestamp)
	})
	return journals, nil
}
