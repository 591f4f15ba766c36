package audit

import (
	"context"
	"sync"
	"time"

	"github.com/raaihank/pii-gateway/internal/config"
	"github.com/raaihank/pii-gateway/internal/logger"
	"github.com/raaihank/pii-gateway/internal/store"
	"go.uber.org/zap"
)

const (
	defaultBufferSize    = 1024
	defaultFlushInterval = 500 * time.Millisecond
	defaultFlushBatch    = 100
	drainTimeout         = 5 * time.Second
)

// Writer accepts audit entries without blocking the request path
type Writer interface {
	Write(entry store.AuditEntry)
	Close()
}

// DropRecorder is notified when an entry is discarded
type DropRecorder interface {
	RecordAuditDropped()
}

// Appender is the subset of store.Store the writer needs
type Appender interface {
	AppendAuditLog(ctx context.Context, entry store.AuditEntry) error
}

// StoreWriter buffers entries and appends them to redaction_audit_log from
// a background goroutine.
type StoreWriter struct {
	store    Appender
	logger   *logger.Logger
	dropped  DropRecorder
	interval time.Duration
	batch    int

	buffer    chan store.AuditEntry
	done      chan struct{}
	flushed   chan struct{}
	closeOnce sync.Once
}

// NewStoreWriter creates a StoreWriter and starts the flush loop
func NewStoreWriter(cfg config.AuditConfig, s Appender, dropped DropRecorder, log *logger.Logger) *StoreWriter {
	size := cfg.BufferSize
	if size <= 0 {
		size = defaultBufferSize
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	batch := cfg.FlushBatch
	if batch <= 0 {
		batch = defaultFlushBatch
	}

	w := &StoreWriter{
		store:    s,
		logger:   log.WithComponent("audit"),
		dropped:  dropped,
		interval: interval,
		batch:    batch,
		buffer:   make(chan store.AuditEntry, size),
		done:     make(chan struct{}),
		flushed:  make(chan struct{}),
	}
	go w.flushLoop()
	return w
}

// Write queues an entry. Drops it if the buffer is full.
func (w *StoreWriter) Write(entry store.AuditEntry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	select {
	case w.buffer <- entry:
	default:
		w.logger.Warn("Audit buffer full, dropping entry",
			zap.String("session_id", entry.SessionID),
			zap.String("operation_type", entry.OperationType))
		if w.dropped != nil {
			w.dropped.RecordAuditDropped()
		}
	}
}

// Close drains buffered entries and waits for the flush loop to exit
func (w *StoreWriter) Close() {
	w.closeOnce.Do(func() {
		close(w.done)
		<-w.flushed
	})
}

func (w *StoreWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	batch := make([]store.AuditEntry, 0, w.batch)

	for {
		select {
		case entry := <-w.buffer:
			batch = append(batch, entry)
			if len(batch) >= w.batch {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-w.done:
		drain:
			for {
				select {
				case entry := <-w.buffer:
					batch = append(batch, entry)
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				w.flush(batch)
			}
			return
		}
	}
}

func (w *StoreWriter) flush(entries []store.AuditEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	failed := 0
	for _, entry := range entries {
		if err := w.store.AppendAuditLog(ctx, entry); err != nil {
			failed++
			if ctx.Err() != nil {
				failed += len(entries) - failed
				break
			}
		}
	}
	if failed > 0 {
		w.logger.Error("Failed to append audit entries",
			zap.Int("batch_size", len(entries)),
			zap.Int("failed", failed))
	}
}

// LogWriter writes audit entries to the logger when no database is configured
type LogWriter struct {
	logger *logger.Logger
}

// NewLogWriter creates a LogWriter
func NewLogWriter(log *logger.Logger) *LogWriter {
	return &LogWriter{logger: log.WithComponent("audit")}
}

func (w *LogWriter) Write(entry store.AuditEntry) {
	fields := []zap.Field{
		zap.String("session_id", entry.SessionID),
		zap.String("operation_type", entry.OperationType),
		zap.String("data_type", entry.DataType),
		zap.Int("pseudonym_count", entry.PseudonymCount),
		zap.Int64("processing_time_ms", entry.ProcessingTimeMS),
	}
	if len(entry.Metadata) > 0 {
		fields = append(fields, zap.Any("metadata", entry.Metadata))
	}
	w.logger.Info("audit_event", fields...)
}

func (w *LogWriter) Close() {}
