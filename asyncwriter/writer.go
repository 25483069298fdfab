// Package asyncwriter decouples producers from a slow byte sink.
//
// Writes are copied into immutable chunks, handed to a bounded FIFO, and
// drained onto the sink by a single background goroutine. The sink sees
// chunks in exactly the order they were enqueued.
package asyncwriter

import (
	"fmt"
	"io"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	queueDepth = 64
	// Upper bound on chunks drained per batch before the sink is flushed.
	batchLimit = 128
)

// ErrClosed is returned by operations on a closed writer.
var ErrClosed = fmt.Errorf("asyncwriter: writer closed")

type chunkKind uint8

const (
	dataChunk chunkKind = iota
	flushChunk
	closeChunk
)

// chunk multiplexes data and control on the hand-off queue. Control
// chunks are tagged variants, never magic payload values, so they can
// never be confused with user data.
type chunk struct {
	kind chunkKind
	b    []byte
	done chan struct{} // flush acknowledgement
}

// Writer is an asynchronous hand-off writer. It implements
// io.WriteCloser and io.ByteWriter. Write blocks only when the hand-off
// queue is full.
type Writer struct {
	sink   io.Writer
	ch     chan chunk
	logger *zap.Logger

	closed  atomic.Bool
	werr    atomic.Error // latched worker failure
	stopped chan struct{}
}

var (
	_ io.WriteCloser = (*Writer)(nil)
	_ io.ByteWriter  = (*Writer)(nil)
)

type Option func(*Writer) error

func WithLogger(l *zap.Logger) Option {
	return func(w *Writer) error { w.logger = l; return nil }
}

// New starts the drain goroutine and returns the writer. The sink is
// owned by that goroutine from here on; callers must not touch it.
func New(sink io.Writer, opts ...Option) (*Writer, error) {
	w := &Writer{
		sink:    sink,
		ch:      make(chan chunk, queueDepth),
		logger:  zap.NewNop(),
		stopped: make(chan struct{}),
	}
	for _, o := range opts {
		if err := o(w); err != nil {
			return nil, err
		}
	}
	go w.run()
	return w, nil
}

// Write copies p and enqueues it. Zero-length writes return immediately
// without enqueueing anything. If the queue is full, Write blocks until
// the worker makes room.
func (w *Writer) Write(p []byte) (int, error) {
	if err := w.writable(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	b := make([]byte, len(p))
	copy(b, p)
	select {
	case w.ch <- chunk{kind: dataChunk, b: b}:
	case <-w.stopped:
		return 0, w.writable()
	}
	return len(p), nil
}

func (w *Writer) WriteByte(c byte) error {
	_, err := w.Write([]byte{c})
	return err
}

// Flush enqueues a flush marker and waits for the worker to pass it,
// guaranteeing that everything enqueued before the call has reached the
// sink and the sink has been flushed.
func (w *Writer) Flush() error {
	if err := w.writable(); err != nil {
		return err
	}
	done := make(chan struct{})
	select {
	case w.ch <- chunk{kind: flushChunk, done: done}:
	case <-w.stopped:
		return w.werr.Load()
	}
	select {
	case <-done:
	case <-w.stopped:
	}
	return w.werr.Load()
}

// Close enqueues the termination marker and blocks until the worker has
// drained the queue, flushed the sink and closed it. A second Close
// fails.
func (w *Writer) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	select {
	case w.ch <- chunk{kind: closeChunk}:
	case <-w.stopped:
	}
	<-w.stopped
	return w.werr.Load()
}

func (w *Writer) writable() error {
	if w.closed.Load() {
		return ErrClosed
	}
	if err := w.werr.Load(); err != nil {
		return fmt.Errorf("asyncwriter: worker failed: %w", err)
	}
	return nil
}

// run drains the hand-off queue until it sees the close marker or a
// sink write fails; sink flush errors are latched without stopping it.
// Sink errors cannot be delivered to the producer that
// caused them (it has long since returned), so they are logged and
// latched for subsequent calls to observe.
func (w *Writer) run() {
	defer close(w.stopped)
	for {
		if !w.drainBatch(<-w.ch) {
			return
		}
	}
}

// drainBatch handles one blocking-received chunk plus up to batchLimit-1
// chunks that are already waiting, then flushes the sink. Returns false
// when the worker should exit.
func (w *Writer) drainBatch(c chunk) bool {
	for n := 0; ; n++ {
		switch c.kind {
		case closeChunk:
			w.shutdown(nil)
			return false
		case flushChunk:
			w.latch(flushSink(w.sink))
			close(c.done)
		case dataChunk:
			if _, err := w.sink.Write(c.b); err != nil {
				w.shutdown(err)
				return false
			}
		}
		if n+1 >= batchLimit {
			break
		}
		more := false
		select {
		case c = <-w.ch:
			more = true
		default:
		}
		if !more {
			break
		}
	}
	w.latch(flushSink(w.sink))
	return true
}

// shutdown flushes and closes the sink best-effort, latching cause and
// any secondary errors.
func (w *Writer) shutdown(cause error) {
	err := multierr.Append(cause, flushSink(w.sink))
	err = multierr.Append(err, closeSink(w.sink))
	w.latch(err)
}

func (w *Writer) latch(err error) {
	if err == nil {
		return
	}
	if w.werr.CompareAndSwap(nil, err) {
		w.logger.Error("async writer failed", zap.Error(err))
	}
}

type flusher interface {
	Flush() error
}

func flushSink(w io.Writer) error {
	if f, ok := w.(flusher); ok {
		return f.Flush()
	}
	return nil
}

func closeSink(w io.Writer) error {
	if c, ok := w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
