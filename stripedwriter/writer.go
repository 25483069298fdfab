// Package stripedwriter is a buffered writer for many concurrent
// producers. Instead of a mutex around one buffer it keeps 32 stripes,
// each an immutable {buffer, claimed, published} value behind an atomic
// pointer. Producers reserve space with a claim CAS, copy their bytes
// in, then record completion with a publish CAS; claiming, copying and
// publishing take no lock. Only draining a rotated buffer to the sink,
// which a Write does when its stripe is full, takes a mutex.
//
// Ordering: the bytes of a single Write call reach the sink
// contiguously, but ordering between distinct calls is not preserved,
// because stripes rotate independently. That trade-off is the price of
// CAS-only coordination.
package stripedwriter

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/petermattis/goid"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	stripeCount = 32
	bufferSize  = 24576

	// Interval between probes while waiting for in-flight claims to
	// publish.
	quiescePoll = time.Millisecond
)

var (
	// ErrClosed is returned by operations on a closed writer.
	ErrClosed = fmt.Errorf("stripedwriter: writer closed")
	// ErrWriteTooLarge rejects writes that exceed a stripe buffer.
	// Such a write could never claim space and would retry forever;
	// callers must split it themselves.
	ErrWriteTooLarge = fmt.Errorf("stripedwriter: write exceeds %d-byte stripe buffer", bufferSize)
)

// stripeState is replaced wholesale on every claim, publish and
// rotation. Invariant: 0 <= published <= claimed <= len(buf). The
// buffer identity changes only on rotation, and rotation requires
// published == claimed (a quiet stripe).
type stripeState struct {
	buf       []byte
	claimed   int
	published int
}

// Writer implements io.WriteCloser over striped claim/publish buffers.
type Writer struct {
	sink    io.Writer
	logger  *zap.Logger
	stripes [stripeCount]atomic.Pointer[stripeState]

	// Rotation winners on different stripes may drain concurrently;
	// the sink is not assumed to tolerate that.
	sinkMu sync.Mutex

	closed atomic.Bool
	werr   atomic.Error
}

var _ io.WriteCloser = (*Writer)(nil)

type Option func(*Writer) error

func WithLogger(l *zap.Logger) Option {
	return func(w *Writer) error { w.logger = l; return nil }
}

func New(sink io.Writer, opts ...Option) (*Writer, error) {
	w := &Writer{
		sink:   sink,
		logger: zap.NewNop(),
	}
	for _, o := range opts {
		if err := o(w); err != nil {
			return nil, err
		}
	}
	for i := range w.stripes {
		w.stripes[i].Store(&stripeState{buf: make([]byte, bufferSize)})
	}
	return w, nil
}

// Write copies p into this goroutine's stripe. The stripe index is a
// stable function of the goroutine id, which spreads contention without
// thread-local storage. If the stripe cannot hold p, the caller rotates
// it (draining the old buffer to the sink) and retries.
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed.Load() {
		return 0, ErrClosed
	}
	if err := w.werr.Load(); err != nil {
		return 0, fmt.Errorf("stripedwriter: sink failed: %w", err)
	}
	if len(p) == 0 {
		return 0, nil
	}
	if len(p) > bufferSize {
		return 0, ErrWriteTooLarge
	}

	s := &w.stripes[int(goid.Get())&(stripeCount-1)]
	for {
		cur := s.Load()
		if cur.claimed+len(p) > len(cur.buf) {
			if err := w.flushStripe(s); err != nil {
				return 0, err
			}
			continue
		}
		next := &stripeState{buf: cur.buf, claimed: cur.claimed + len(p), published: cur.published}
		if !s.CompareAndSwap(cur, next) {
			continue
		}
		// Bytes [cur.claimed, cur.claimed+len(p)) are now exclusively
		// ours; the buffer cannot rotate until we publish.
		copy(cur.buf[cur.claimed:], p)
		w.publish(s, len(p))
		return len(p), nil
	}
}

func (w *Writer) publish(s *atomic.Pointer[stripeState], n int) {
	for {
		cur := s.Load()
		next := &stripeState{buf: cur.buf, claimed: cur.claimed, published: cur.published + n}
		if s.CompareAndSwap(cur, next) {
			return
		}
	}
}

// Flush rotates every stripe with buffered bytes and drains the old
// buffers to the sink. With no concurrent writers, every stripe is
// empty afterwards.
func (w *Writer) Flush() error {
	if w.closed.Load() {
		return ErrClosed
	}
	var err error
	for i := range w.stripes {
		err = multierr.Append(err, w.flushStripe(&w.stripes[i]))
	}
	return err
}

// Close marks the writer closed, drains every stripe, waits for
// in-flight claims to publish, then closes the sink. A second Close
// fails.
func (w *Writer) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	var err error
	for i := range w.stripes {
		s := &w.stripes[i]
		for {
			if ferr := w.flushStripe(s); ferr != nil {
				err = multierr.Append(err, ferr)
				break
			}
			// A writer that claimed before the closed flag landed may
			// still be copying; flushStripe waits for it, but its
			// bytes land on the replacement buffer only if it claimed
			// after the rotation. Re-check until the stripe is empty.
			if s.Load().claimed == 0 {
				break
			}
			time.Sleep(quiescePoll)
		}
	}
	err = multierr.Append(err, closeSink(w.sink))
	return err
}

// flushStripe rotates one stripe. It refuses to rotate while
// published < claimed (a producer is mid-copy) and spins until the
// stripe is quiet. The CAS winner owns the old buffer and drains it;
// losers observe the fresh buffer on their next load and return.
func (w *Writer) flushStripe(s *atomic.Pointer[stripeState]) error {
	first := s.Load()
	if first.claimed == 0 {
		return nil
	}
	for {
		cur := s.Load()
		if &cur.buf[0] != &first.buf[0] {
			// Another goroutine already rotated this buffer.
			return nil
		}
		if cur.published < cur.claimed {
			time.Sleep(quiescePoll)
			continue
		}
		next := &stripeState{buf: make([]byte, bufferSize)}
		if !s.CompareAndSwap(cur, next) {
			continue
		}
		return w.drain(cur)
	}
}

// drain writes a retired buffer's published range to the sink.
func (w *Writer) drain(st *stripeState) error {
	w.sinkMu.Lock()
	defer w.sinkMu.Unlock()
	w.logger.Debug("rotating stripe", zap.Int("bytes", st.published))
	if _, err := w.sink.Write(st.buf[:st.published]); err != nil {
		w.werr.CompareAndSwap(nil, err)
		return fmt.Errorf("stripedwriter: sink write: %w", err)
	}
	if err := flushSink(w.sink); err != nil {
		w.werr.CompareAndSwap(nil, err)
		return fmt.Errorf("stripedwriter: sink flush: %w", err)
	}
	return nil
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
