package pathvalidate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/robosystems/graphcore/infrastructure/errors"
)

func TestValidateGraphID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"valid alnum", "kg_demo-1", false},
		{"empty", "", true},
		{"traversal dots", "../evil", true},
		{"forward slash", "a/b", true},
		{"backslash", "a\\b", true},
		{"nul byte", "a\x00b", true},
		{"bad charset", "kg demo!", true},
		{"too long", string(make([]byte, 65)), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateGraphID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateGraphID(%q) err = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, errors.ErrCodeInvalidArgument) {
				t.Errorf("expected InvalidArgument code, got %v", err)
			}
		})
	}
}

func TestGraphPath(t *testing.T) {
	base := t.TempDir()

	path, err := GraphPath(base, "kg_demo")
	if err != nil {
		t.Fatalf("GraphPath() error = %v", err)
	}
	if filepath.Dir(path) != base {
		t.Errorf("GraphPath() parent = %s, want %s", filepath.Dir(path), base)
	}
	if filepath.Base(path) != "kg_demo.graph" {
		t.Errorf("GraphPath() base = %s, want kg_demo.graph", filepath.Base(path))
	}
}

func TestStagingPath(t *testing.T) {
	base := t.TempDir()

	path, err := StagingPath(base, "kg_demo")
	if err != nil {
		t.Fatalf("StagingPath() error = %v", err)
	}
	if filepath.Base(path) != "kg_demo.staging" {
		t.Errorf("StagingPath() base = %s, want kg_demo.staging", filepath.Base(path))
	}
}

func TestPathTraversalRejected(t *testing.T) {
	base := t.TempDir()

	before, err := os.ReadDir(base)
	if err != nil {
		t.Fatal(err)
	}

	_, err = GraphPath(base, "../evil")
	if err == nil {
		t.Fatal("expected error for traversal graph_id")
	}

	after, err := os.ReadDir(base)
	if err != nil {
		t.Fatal(err)
	}
	if len(before) != len(after) {
		t.Error("base directory contents changed despite rejected traversal")
	}
}

func TestGraphPathResolvesSymlinkedBase(t *testing.T) {
	root := t.TempDir()
	real := filepath.Join(root, "real")
	if err := os.Mkdir(real, 0o755); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(root, "base-link")
	if err := os.Symlink(real, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	path, err := GraphPath(link, "kg_demo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filepath.Dir(path) != real {
		t.Errorf("GraphPath() parent = %s, want resolved %s", filepath.Dir(path), real)
	}
}
