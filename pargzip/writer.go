// Package pargzip compresses a byte stream with a pool of deflate
// workers while keeping the output a plain RFC 1952 gzip stream.
//
// Each Write becomes an independent raw-deflate task ending on a
// SYNC_FLUSH boundary, so the compressed chunks can be concatenated in
// submission order and still decode as one stream. A single drain
// goroutine consumes a FIFO of per-write promises, which keeps the
// output ordered no matter how the workers finish. Decoders see an
// ordinary gzip member; the parallelism is invisible.
package pargzip

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"runtime"
	"sync"

	"github.com/klauspost/compress/flate"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Fixed gzip member header: magic, deflate, no flags, no mtime, OS=Unix.
var gzipHeader = []byte{0x1f, 0x8b, 0x08, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x03}

const scratchSize = 1024

// ErrClosed is returned by operations on a closed writer.
var ErrClosed = fmt.Errorf("pargzip: writer closed")

type resultKind uint8

const (
	dataResult resultKind = iota
	flushResult
	closeResult
)

// encodeResult is what a promise resolves to. Data results carry both
// the compressed bytes and the original chunk; the drain goroutine
// needs the original for CRC and length accounting.
type encodeResult struct {
	kind       resultKind
	compressed []byte
	raw        []byte
	err        error
	done       chan struct{} // flush/close acknowledgement
}

// compressor is the per-worker reusable state: a raw-deflate writer and
// the scratch buffer it compresses into. An instance is held by exactly
// one goroutine at a time.
type compressor struct {
	scratch bytes.Buffer
	fw      *flate.Writer
}

// Writer implements io.WriteCloser producing gzip output. It is safe
// for use by a single producer; the compression itself fans out across
// the pool.
type Writer struct {
	sink   io.Writer
	logger *zap.Logger

	concurrency int
	pool        *errgroup.Group
	comps       sync.Pool

	// FIFO of promises; a one-element channel per write keeps results
	// ordered even when compression completes out of order.
	queue chan chan encodeResult

	closed  atomic.Bool
	werr    atomic.Error
	stopped chan struct{}

	// Stream accounting, touched only by the drain goroutine.
	crc uint32
	n   uint32
}

var _ io.WriteCloser = (*Writer)(nil)

type Option func(*Writer) error

func WithLogger(l *zap.Logger) Option {
	return func(w *Writer) error { w.logger = l; return nil }
}

// WithConcurrency bounds the number of concurrent compression tasks.
// Defaults to GOMAXPROCS.
func WithConcurrency(concurrency int) Option {
	return func(w *Writer) error {
		if concurrency < 1 {
			return fmt.Errorf("pargzip: concurrency must be positive: %d", concurrency)
		}
		w.concurrency = concurrency
		return nil
	}
}

// NewWriter writes the gzip header to sink immediately and starts the
// drain goroutine. The sink belongs to that goroutine from here on.
func NewWriter(sink io.Writer, opts ...Option) (*Writer, error) {
	z := &Writer{
		sink:        sink,
		logger:      zap.NewNop(),
		concurrency: runtime.GOMAXPROCS(0),
		stopped:     make(chan struct{}),
	}
	for _, o := range opts {
		if err := o(z); err != nil {
			return nil, err
		}
	}
	z.comps.New = func() any {
		c := &compressor{}
		c.scratch.Grow(scratchSize)
		fw, err := flate.NewWriter(&c.scratch, flate.DefaultCompression)
		if err != nil {
			// DefaultCompression is always a valid level.
			panic(err)
		}
		c.fw = fw
		return c
	}
	z.queue = make(chan chan encodeResult, z.concurrency*2)
	z.pool = &errgroup.Group{}
	z.pool.SetLimit(z.concurrency)

	if _, err := sink.Write(gzipHeader); err != nil {
		return nil, fmt.Errorf("pargzip: writing header: %w", err)
	}
	go z.drain()
	return z, nil
}

// Write submits a compression task for a copy of p and enqueues its
// promise. The copy is essential: compression is asynchronous and the
// caller may reuse p the moment Write returns. Write blocks when the
// promise queue or the pool is saturated.
func (z *Writer) Write(p []byte) (int, error) {
	if err := z.writable(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	src := make([]byte, len(p))
	copy(src, p)

	ch := make(chan encodeResult, 1)
	select {
	case z.queue <- ch:
	case <-z.stopped:
		return 0, z.writable()
	}
	z.pool.Go(func() error {
		out, err := z.encode(src)
		ch <- encodeResult{kind: dataResult, compressed: out, raw: src, err: err}
		return nil
	})
	return len(p), nil
}

// encode deflates src into a worker-local scratch buffer and returns a
// copy of the accumulated bytes. Flush ends the chunk on a SYNC_FLUSH
// boundary so downstream decoders can resynchronise across chunk seams.
func (z *Writer) encode(src []byte) ([]byte, error) {
	c := z.comps.Get().(*compressor)
	defer z.comps.Put(c)
	c.scratch.Reset()
	c.fw.Reset(&c.scratch)
	if _, err := c.fw.Write(src); err != nil {
		return nil, err
	}
	if err := c.fw.Flush(); err != nil {
		return nil, err
	}
	out := make([]byte, c.scratch.Len())
	copy(out, c.scratch.Bytes())
	return out, nil
}

// Flush waits for everything submitted so far to be compressed and
// written, then flushes the sink.
func (z *Writer) Flush() error {
	if err := z.writable(); err != nil {
		return err
	}
	return z.control(flushResult)
}

// Close drains outstanding work, writes the terminating empty deflate
// block and the gzip trailer, flushes and closes the sink. A second
// Close fails.
func (z *Writer) Close() error {
	if !z.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	if err := z.control(closeResult); err != nil {
		return err
	}
	return z.werr.Load()
}

// control enqueues a pre-resolved sentinel promise and waits for the
// drain goroutine to pass it.
func (z *Writer) control(kind resultKind) error {
	ch := make(chan encodeResult, 1)
	done := make(chan struct{})
	ch <- encodeResult{kind: kind, done: done}
	select {
	case z.queue <- ch:
	case <-z.stopped:
		// Drain goroutine already failed; the sink was dealt with.
		return z.werr.Load()
	}
	select {
	case <-done:
	case <-z.stopped:
	}
	return z.werr.Load()
}

func (z *Writer) writable() error {
	if z.closed.Load() {
		return ErrClosed
	}
	if err := z.werr.Load(); err != nil {
		return fmt.Errorf("pargzip: writer failed: %w", err)
	}
	return nil
}

// drain consumes the promise queue strictly in submission order.
func (z *Writer) drain() {
	defer close(z.stopped)
	for ch := range z.queue {
		res := <-ch
		switch res.kind {
		case dataResult:
			if res.err != nil {
				z.fail(fmt.Errorf("compression failed: %w", res.err))
				return
			}
			if _, err := z.sink.Write(res.compressed); err != nil {
				z.fail(fmt.Errorf("sink write: %w", err))
				return
			}
			z.crc = crc32.Update(z.crc, crc32.IEEETable, res.raw)
			z.n += uint32(len(res.raw))
		case flushResult:
			if err := flushSink(z.sink); err != nil {
				z.fail(fmt.Errorf("sink flush: %w", err))
				close(res.done)
				return
			}
			close(res.done)
		case closeResult:
			z.finish()
			close(res.done)
			return
		}
	}
}

// finish emits the final empty deflate block, the 8-byte little-endian
// trailer (CRC32, then uncompressed length mod 2^32), then flushes and
// closes the sink.
func (z *Writer) finish() {
	var last bytes.Buffer
	fw, err := flate.NewWriter(&last, flate.DefaultCompression)
	if err == nil {
		err = fw.Close()
	}
	if err != nil {
		z.fail(fmt.Errorf("terminating block: %w", err))
		return
	}

	trailer := make([]byte, 8)
	binary.LittleEndian.PutUint32(trailer[0:4], z.crc)
	binary.LittleEndian.PutUint32(trailer[4:8], z.n)

	if _, err := z.sink.Write(last.Bytes()); err != nil {
		z.fail(fmt.Errorf("sink write: %w", err))
		return
	}
	if _, err := z.sink.Write(trailer); err != nil {
		z.fail(fmt.Errorf("sink write: %w", err))
		return
	}
	err = multierr.Append(flushSink(z.sink), closeSink(z.sink))
	if err != nil {
		z.werr.CompareAndSwap(nil, err)
	}
}

// fail latches the first failure and stops the stream. The sink is
// closed best-effort; no trailer is written, so partial output is not
// a valid gzip stream and is not recoverable.
func (z *Writer) fail(err error) {
	if z.werr.CompareAndSwap(nil, err) {
		z.logger.Error("gzip stream failed", zap.Error(err))
	}
	if cerr := closeSink(z.sink); cerr != nil {
		z.logger.Error("sink close failed", zap.Error(cerr))
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
