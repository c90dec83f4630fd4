package stagingpool

import (
	"context"
	"sync/atomic"
	"testing"
)

type fakeEngine struct {
	closed int32
}

func (f *fakeEngine) Probe(ctx context.Context) error { return nil }
func (f *fakeEngine) Close() error {
	atomic.StoreInt32(&f.closed, 1)
	return nil
}

func newTestPool(cfg Config) *Pool {
	return New(cfg, func(ctx context.Context, graphID string, creds ObjectStoreCredentials) (Engine, error) {
		return &fakeEngine{}, nil
	}, nil, nil)
}

func TestAcquireReusesConnection(t *testing.T) {
	p := newTestPool(Config{MaxConnectionsPerDB: 2})
	ctx := context.Background()

	a1, err := p.Acquire(ctx, "kg1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	a1.Release()

	a2, err := p.Acquire(ctx, "kg1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	a2.Release()

	if a1.Conn.ID != a2.Conn.ID {
		t.Error("expected connection reuse")
	}
}

func TestMaxConnectionsPerDB(t *testing.T) {
	p := newTestPool(Config{MaxConnectionsPerDB: 2})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		a, err := p.Acquire(ctx, "kg1")
		if err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
		a.Conn.IsHealthy = false
		if p.Len("kg1") > 2 {
			t.Fatalf("Len() = %d, want <= 2", p.Len("kg1"))
		}
	}
}

func TestCloseDatabaseConnectionsEmptiesPool(t *testing.T) {
	p := newTestPool(Config{})
	ctx := context.Background()

	a, err := p.Acquire(ctx, "kg1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	engine := a.Conn.Engine.(*fakeEngine)
	a.Release()

	if err := p.CloseDatabaseConnections(ctx, "kg1"); err != nil {
		t.Fatalf("CloseDatabaseConnections() error = %v", err)
	}
	if p.Len("kg1") != 0 {
		t.Errorf("Len() = %d, want 0", p.Len("kg1"))
	}
	if atomic.LoadInt32(&engine.closed) != 1 {
		t.Error("expected engine to be closed")
	}
}

func TestForceDatabaseCleanupRemovesFiles(t *testing.T) {
	p := newTestPool(Config{})
	ctx := context.Background()

	a, err := p.Acquire(ctx, "kg1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	a.Release()

	var removed []string
	err = p.ForceDatabaseCleanup(ctx, "kg1", "/base/kg1.staging", func(path string) error {
		removed = append(removed, path)
		return nil
	})
	if err != nil {
		t.Fatalf("ForceDatabaseCleanup() error = %v", err)
	}
	if len(removed) != 2 || removed[0] != "/base/kg1.staging" || removed[1] != "/base/kg1.staging.wal" {
		t.Errorf("removed = %v, want main file then .wal sibling", removed)
	}
}
