package transaction

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewJournal(t *testing.T) {
	j := NewJournal("tool", "0.4.0", "/opt/pkg/.keg-staging-x")

	if j.Version != 1 {
		t.Errorf("expected version 1, got %d", j.Version)
	}
	if j.ID == "" {
		t.Error("expected non-empty ID")
	}
	if j.State != StatePending {
		t.Errorf("expected state pending, got %s", j.State)
	}
	if j.Package != "tool" || j.FormulaVersion != "0.4.0" {
		t.Errorf("unexpected identity: %s@%s", j.Package, j.FormulaVersion)
	}

	other := NewJournal("tool", "0.4.0", "")
	if other.ID == j.ID {
		t.Error("journal IDs should be unique")
	}
}

func TestJournalSaveLoad(t *testing.T) {
	t.Run("round trips through disk", func(t *testing.T) {
		dir := t.TempDir()
		j := NewJournal("tool", "0.4.0", "/opt/pkg/.keg-staging-x")
		j.State = StateCommitting
		j.Placements = append(j.Placements,
			Placement{Path: "/opt/pkg/bin/tool", Backup: "/opt/pkg/.keg-staging-x/backup/0"},
			Placement{Path: "/opt/pkg/share/tool.1"},
		)
		j.CreatedDirs = append(j.CreatedDirs, "/opt/pkg/share")
		j.MarkCommitted("/opt/pkg/bin/tool")

		if err := j.Save(dir); err != nil {
			t.Fatalf("Save failed: %v", err)
		}

		path := filepath.Join(dir, j.Filename())
		if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
			t.Error("temporary file should not remain after save")
		}

		loaded, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if loaded.ID != j.ID || loaded.State != StateCommitting {
			t.Errorf("loaded journal mismatch: %+v", loaded)
		}
		if len(loaded.Placements) != 2 || !loaded.Placements[0].Committed || loaded.Placements[1].Committed {
			t.Errorf("unexpected placements: %+v", loaded.Placements)
		}
		if loaded.CommittedCount() != 1 {
			t.Errorf("CommittedCount = %d, want 1", loaded.CommittedCount())
		}
		if len(loaded.CreatedDirs) != 1 {
			t.Errorf("unexpected created dirs: %v", loaded.CreatedDirs)
		}
	})

	t.Run("file is valid json", func(t *testing.T) {
		dir := t.TempDir()
		j := NewJournal("tool", "1", "")
		if err := j.Save(dir); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		data, err := os.ReadFile(filepath.Join(dir, j.Filename()))
		if err != nil {
			t.Fatalf("read journal: %v", err)
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			t.Fatalf("journal is not JSON: %v", err)
		}
		if raw["package"] != "tool" {
			t.Errorf("package field = %v", raw["package"])
		}
	})

	t.Run("load missing file fails", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
			t.Error("expected error for missing journal")
		}
	})

	t.Run("load corrupt file fails", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "txn-bad.json")
		if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err == nil {
			t.Error("expected error for corrupt journal")
		}
	})
}

func TestPending(t *testing.T) {
	t.Run("missing directory yields none", func(t *testing.T) {
		journals, err := Pending(filepath.Join(t.TempDir(), "absent"))
		if err != nil {
			t.Fatalf("Pending failed: %v", err)
		}
		if len(journals) != 0 {
			t.Errorf("expected no journals, got %d", len(journals))
		}
	})

	t.Run("returns journals oldest first and ignores other files", func(t *testing.T) {
		dir := t.TempDir()

		newer := NewJournal("b", "1", "")
		older := NewJournal("a", "1", "")
		older.Timestamp = newer.Timestamp.Add(-time.Hour)
		for _, j := range []*Journal{newer, older} {
			if err := j.Save(dir); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
		}
		if err := os.WriteFile(filepath.Join(dir, "tool.lock"), []byte("pid=1\n"), 0600); err != nil {
			t.Fatal(err)
		}

		journals, err := Pending(dir)
		if err != nil {
			t.Fatalf("Pending failed: %v", err)
		}
		if len(journals) != 2 {
			t.Fatalf("expected 2 journals, got %d", len(journals))
		}
		if journals[0].ID != older.ID {
			t.Errorf("expected oldest journal first, got %s", journals[0].Package)
		}
	})

	t.Run("remove deletes the file", func(t *testing.T) {
		dir := t.TempDir()
		j := NewJournal("tool", "1", "")
		if err := j.Save(dir); err != nil {
			t.Fatal(err)
		}
		if err := j.Remove(dir); err != nil {
			t.Fatalf("Remove failed: %v", err)
		}
		if err := j.Remove(dir); err != nil {
			t.Errorf("second Remove should not error: %v", err)
		}
		journals, _ := Pending(dir)
		if len(journals) != 0 {
			t.Errorf("expected no journals after remove, got %d", len(journals))
		}
	})
}
