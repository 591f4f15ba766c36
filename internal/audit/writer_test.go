package audit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raaihank/pii-gateway/internal/config"
	"github.com/raaihank/pii-gateway/internal/logger"
	"github.com/raaihank/pii-gateway/internal/store"
)

type blockingAppender struct {
	release chan struct{}
	mu      sync.Mutex
	entries []store.AuditEntry
}

func (b *blockingAppender) AppendAuditLog(_ context.Context, e store.AuditEntry) error {
	<-b.release
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, e)
	return nil
}

type failingAppender struct{ calls atomic.Int32 }

func (f *failingAppender) AppendAuditLog(context.Context, store.AuditEntry) error {
	f.calls.Add(1)
	return errors.New("db down")
}

type dropCounter struct{ n atomic.Int32 }

func (d *dropCounter) RecordAuditDropped() { d.n.Add(1) }

func TestStoreWriter_DrainsOnClose(t *testing.T) {
	mem := store.NewMemoryStore()
	w := NewStoreWriter(config.AuditConfig{FlushInterval: time.Hour, FlushBatch: 1000}, mem, nil, logger.NewNop())

	for i := 0; i < 10; i++ {
		w.Write(store.AuditEntry{SessionID: "s", OperationType: "pseudonymize", DataType: "email"})
	}
	w.Close()
	w.Close()

	entries := mem.AuditEntries()
	if len(entries) != 10 {
		t.Fatalf("got %d entries after close, want 10", len(entries))
	}
	if entries[0].CreatedAt.IsZero() {
		t.Error("CreatedAt should be stamped on write")
	}
}

func TestStoreWriter_FlushesOnBatch(t *testing.T) {
	mem := store.NewMemoryStore()
	w := NewStoreWriter(config.AuditConfig{FlushInterval: time.Hour, FlushBatch: 2}, mem, nil, logger.NewNop())
	defer w.Close()

	w.Write(store.AuditEntry{SessionID: "a"})
	w.Write(store.AuditEntry{SessionID: "b"})

	deadline := time.Now().Add(2 * time.Second)
	for len(mem.AuditEntries()) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("batch was not flushed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStoreWriter_NeverBlocks(t *testing.T) {
	app := &blockingAppender{release: make(chan struct{})}
	drops := &dropCounter{}
	w := NewStoreWriter(config.AuditConfig{BufferSize: 1, FlushInterval: time.Hour, FlushBatch: 1}, app, drops, logger.NewNop())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			w.Write(store.AuditEntry{SessionID: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Write blocked on a stalled store")
	}
	if drops.n.Load() == 0 {
		t.Error("expected dropped entries to be recorded")
	}

	close(app.release)
	w.Close()
}

func TestStoreWriter_StoreErrorsAreSwallowed(t *testing.T) {
	app := &failingAppender{}
	w := NewStoreWriter(config.AuditConfig{}, app, nil, logger.NewNop())
	w.Write(store.AuditEntry{SessionID: "x"})
	w.Close()

	if app.calls.Load() != 1 {
		t.Errorf("append calls = %d, want 1", app.calls.Load())
	}
}

func TestLogWriter(t *testing.T) {
	w := NewLogWriter(logger.NewNop())
	w.Write(store.AuditEntry{SessionID: "s", Metadata: map[string]any{"k": "v"}})
	w.Close()
}
