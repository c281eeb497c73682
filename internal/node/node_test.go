package node_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sneh-joshi/voxpipe/internal/node"
)

func TestNew_GeneratesAndPersistsID(t *testing.T) {
	dir := t.TempDir()

	n1, err := node.New(dir, "auto", "prod")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if n1.ID().IsZero() || len(n1.ID().String()) != 26 {
		t.Fatalf("expected a 26-char ULID, got %q", n1.ID())
	}

	data, err := os.ReadFile(filepath.Join(dir, "node_id"))
	if err != nil {
		t.Fatalf("node_id file not found: %v", err)
	}
	if strings.TrimSpace(string(data)) != n1.ID().String() {
		t.Errorf("persisted id %q != returned id %q", strings.TrimSpace(string(data)), n1.ID())
	}

	n2, err := node.New(dir, "auto", "prod")
	if err != nil {
		t.Fatalf("second New() error: %v", err)
	}
	if n1.ID() != n2.ID() {
		t.Errorf("id changed across restarts: %s != %s", n1.ID(), n2.ID())
	}
}

func TestNew_ExplicitOverride(t *testing.T) {
	override := node.MustNewID()

	n, err := node.New(t.TempDir(), override, "beta")
	if err != nil {
		t.Fatalf("New() with override error: %v", err)
	}
	if n.ID().String() != override {
		t.Errorf("expected override id %s, got %s", override, n.ID())
	}
	if n.WorkerName() != "beta/"+override {
		t.Errorf("unexpected worker name %q", n.WorkerName())
	}
}

func TestNew_InvalidInputs(t *testing.T) {
	if _, err := node.New(t.TempDir(), "not-a-valid-ulid", "prod"); err == nil {
		t.Error("expected error for invalid override")
	}
	if _, err := node.New("", "auto", "prod"); err == nil {
		t.Error("expected error for empty dataDir")
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "node_id"), []byte("garbage\n"), 0o640); err != nil {
		t.Fatal(err)
	}
	if _, err := node.New(dir, "auto", "prod"); err == nil {
		t.Error("expected error for corrupt node_id file")
	}
}

func TestNew_CreatesDataDirIfAbsent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")

	if _, err := node.New(dir, "auto", "prod"); err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		t.Error("expected data dir to be created")
	}
}

func TestNewID_UniqueAndMonotonic(t *testing.T) {
	seen := make(map[string]bool)
	prev := ""
	for i := 0; i < 1000; i++ {
		id := node.MustNewID()
		if seen[id] {
			t.Fatalf("duplicate ULID generated: %s", id)
		}
		if prev != "" && prev >= id {
			t.Fatalf("expected %s < %s", prev, id)
		}
		seen[id] = true
		prev = id
	}
}
