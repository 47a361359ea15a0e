package store

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "zapdesk.db")
	s, err := Open(Config{Path: path}, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		t.Errorf("directory not created: %v", err)
	}
}

func TestSaveLoad(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	type record struct {
		Name  string            `json:"name"`
		Count int               `json:"count"`
		Tags  map[string]string `json:"tags,omitempty"`
	}

	t.Run("roundtrip", func(t *testing.T) {
		in := map[string]record{
			"a": {Name: "Ana", Count: 3, Tags: map[string]string{"dept": "Fiscal"}},
			"b": {Name: "Bruno", Count: 1},
		}
		if err := s.Save(ctx, "contacts", in); err != nil {
			t.Fatalf("Save: %v", err)
		}

		var out map[string]record
		if err := s.Load(ctx, "contacts", &out); err != nil {
			t.Fatalf("Load: %v", err)
		}
		if !reflect.DeepEqual(in, out) {
			t.Errorf("roundtrip mismatch:\n in  %+v\n out %+v", in, out)
		}
	})

	t.Run("save overwrites", func(t *testing.T) {
		s.Save(ctx, "counter", 1)
		s.Save(ctx, "counter", 2)

		var n int
		if err := s.Load(ctx, "counter", &n); err != nil {
			t.Fatalf("Load: %v", err)
		}
		if n != 2 {
			t.Errorf("expected latest value 2, got %d", n)
		}
	})

	t.Run("missing collection keeps defaults", func(t *testing.T) {
		out := record{Name: "default"}
		if err := s.Load(ctx, "never-saved", &out); err != nil {
			t.Fatalf("Load: %v", err)
		}
		if out.Name != "default" {
			t.Errorf("dest was touched: %+v", out)
		}
	})
}

func TestPersistenceAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reopen.db")

	s, err := Open(Config{Path: path}, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Save(ctx, "queue", []string{"u1", "u2"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	s.Close()

	s2, err := Open(Config{Path: path}, testLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	var users []string
	if err := s2.Load(ctx, "queue", &users); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(users) != 2 || users[0] != "u1" {
		t.Errorf("data lost across reopen: %v", users)
	}
}

func TestCollections(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	names, err := s.Collections(ctx)
	if err != nil {
		t.Fatalf("Collections: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("expected empty store, got %v", names)
	}

	s.Save(ctx, "queue", 1)
	s.Save(ctx, "attendants", 1)

	names, err = s.Collections(ctx)
	if err != nil {
		t.Fatalf("Collections: %v", err)
	}
	want := []string{"attendants", "queue"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("expected %v, got %v", want, names)
	}
}
