package account

import (
	"context"
	"log/slog"
	"time"

	"github.com/atmx/spin-economy/internal/metrics"
	"github.com/atmx/spin-economy/internal/model"
	"github.com/atmx/spin-economy/internal/store"
)

const (
	DefaultWriteTimeout = 5 * time.Second
	DefaultQueueSize    = 64
)

type writeReq struct {
	fields model.Fields
	done   chan struct{} // set for flush markers only
}

// writer issues remote writes for one player strictly in enqueue order.
type writer struct {
	st       store.LedgerStore
	playerID string
	timeout  time.Duration
	queue    chan writeReq
	stopped  chan struct{}
}

func newWriter(st store.LedgerStore, playerID string, timeout time.Duration, queueSize int) *writer {
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	w := &writer{
		st:       st,
		playerID: playerID,
		timeout:  timeout,
		queue:    make(chan writeReq, queueSize),
		stopped:  make(chan struct{}),
	}
	go w.run()
	return w
}

// enqueue never blocks. A full queue drops the write; the next full-field
// write carries the same values.
func (w *writer) enqueue(fields model.Fields) {
	select {
	case w.queue <- writeReq{fields: fields}:
	default:
		metrics.RemoteWrites.WithLabelValues("dropped").Inc()
		slog.Warn("remote write dropped, queue full", "player", w.playerID)
	}
}

func (w *writer) mark(ctx context.Context) (<-chan struct{}, error) {
	done := make(chan struct{})
	select {
	case w.queue <- writeReq{done: done}:
		return done, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *writer) close() {
	close(w.queue)
	<-w.stopped
}

func (w *writer) run() {
	defer close(w.stopped)
	for req := range w.queue {
		if req.done != nil {
			close(req.done)
			continue
		}
		w.write(req.fields)
	}
}

func (w *writer) write(fields model.Fields) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	if err := w.st.Write(ctx, w.playerID, fields); err != nil {
		metrics.RemoteWrites.WithLabelValues("error").Inc()
		slog.Warn("remote write failed", "player", w.playerID, "err", err)
		return
	}
	metrics.RemoteWrites.WithLabelValues("ok").Inc()
}
