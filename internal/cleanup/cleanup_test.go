package cleanup_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sneh-joshi/voxpipe/internal/cleanup"
	"github.com/sneh-joshi/voxpipe/internal/config"
	"github.com/sneh-joshi/voxpipe/internal/metrics"
	"github.com/sneh-joshi/voxpipe/internal/scope"
	"github.com/sneh-joshi/voxpipe/internal/store"
	"github.com/sneh-joshi/voxpipe/internal/store/boltstore"
	"github.com/sneh-joshi/voxpipe/internal/types"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T) store.Store {
	t.Helper()
	st, err := boltstore.Open(filepath.Join(t.TempDir(), "docs.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSweep_DeletesOnlyOldEmptyInactive(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	old := now.Add(-72 * time.Hour)

	sessions := []*types.Session{
		{ID: "empty-old", CreatedAt: old},
		{ID: "empty-new", CreatedAt: now.Add(-time.Hour)},
		{ID: "active-old", CreatedAt: old, IsActive: true},
		{ID: "used-old", CreatedAt: old},
		{ID: "dev-old", CreatedAt: old, RuntimeTag: "dev"},
	}
	for _, s := range sessions {
		if s.RuntimeTag == "" {
			s.RuntimeTag = "prod"
		}
		if err := st.PutSession(ctx, s); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.PutMessage(ctx, &types.Message{ID: "m1", SessionID: "used-old", RuntimeTag: "prod", IsDeleted: true}); err != nil {
		t.Fatal(err)
	}

	reg := &metrics.Registry{}
	sw := cleanup.New(st, scope.New("prod"), config.CleanupConfig{MaxAge: 48 * time.Hour, BatchLimit: 500}, nil,
		cleanup.WithClock(func() time.Time { return now }), cleanup.WithMetrics(reg))

	n, err := sw.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted = %d, want 1", n)
	}
	got, err := st.GetSession(ctx, scope.New("prod"), "empty-old")
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsDeleted || !got.DeletedAt.Equal(now) {
		t.Errorf("empty-old = deleted %v at %v", got.IsDeleted, got.DeletedAt)
	}
	for _, id := range []string{"empty-new", "active-old", "used-old"} {
		s, err := st.GetSession(ctx, scope.New("prod"), id)
		if err != nil {
			t.Fatal(err)
		}
		if s.IsDeleted {
			t.Errorf("%s must survive", id)
		}
	}
	if v := reg.Pipeline.Value(metrics.EventEmptySessionDeleted); v != 1 {
		t.Errorf("metric = %d", v)
	}

	// A second sweep finds nothing new.
	if n, _ := sw.Sweep(ctx); n != 0 {
		t.Errorf("second sweep deleted %d", n)
	}
}

func TestSweep_BatchLimit(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	for _, id := range []string{"a", "b", "c"} {
		if err := st.PutSession(ctx, &types.Session{ID: id, RuntimeTag: "prod", CreatedAt: now.Add(-100 * time.Hour)}); err != nil {
			t.Fatal(err)
		}
	}
	sw := cleanup.New(st, scope.New("prod"), config.CleanupConfig{MaxAge: 48 * time.Hour, BatchLimit: 2}, nil,
		cleanup.WithClock(func() time.Time { return now }))

	if n, err := sw.Sweep(ctx); err != nil || n != 2 {
		t.Fatalf("first sweep = %d, %v", n, err)
	}
	if n, err := sw.Sweep(ctx); err != nil || n != 1 {
		t.Fatalf("second sweep = %d, %v", n, err)
	}
}
