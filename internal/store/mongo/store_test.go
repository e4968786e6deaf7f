package mongo

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"chitieu/internal/core"
	"chitieu/internal/store"
	"chitieu/internal/store/storetest"
)

func TestEntryModelKeepsMicroseconds(t *testing.T) {
	created := time.Date(2024, 3, 1, 12, 0, 0, 123456000, time.UTC)
	e := &core.Entry{ID: "e1", Amount: core.VND(1000), CreatedAt: created, UpdatedAt: created.Add(time.Microsecond)}

	got := fromEntryModel(toEntryModel(e))
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, created)
	}
	if !got.UpdatedAt.After(got.CreatedAt) {
		t.Error("one microsecond apart timestamps collapsed")
	}
}

func TestDiscrepancyModelResolvedAt(t *testing.T) {
	open := &core.Discrepancy{ID: "d1", CreatedAt: time.Now()}
	if m := toDiscrepancyModel(open); m.ResolvedAt != nil {
		t.Errorf("open discrepancy stored resolved_at %v", *m.ResolvedAt)
	}

	resolved := &core.Discrepancy{ID: "d2", CreatedAt: time.Now(), ResolvedAt: time.Now()}
	if got := fromDiscrepancyModel(toDiscrepancyModel(resolved)); !got.IsResolved() {
		t.Error("resolved discrepancy lost resolved_at")
	}
}

// TestStore runs the shared suite against a live server named by
// TEST_MONGO_URI, one throwaway database per subtest.
func TestStore(t *testing.T) {
	uri := os.Getenv("TEST_MONGO_URI")
	if uri == "" {
		t.Skip("TEST_MONGO_URI not set")
	}

	n := 0
	storetest.Run(t, func(t *testing.T) store.Store {
		ctx := context.Background()
		n++
		name := fmt.Sprintf("chitieu_test_%d_%d", time.Now().UnixNano(), n)
		s, err := New(ctx, uri, name)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		t.Cleanup(func() {
			_ = s.db.Drop(context.Background())
			s.Close()
		})
		return s
	})
}
