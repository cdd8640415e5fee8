// Package export persists finished spans as per-session gzipped JSONL files.
//
// Each ended span becomes one JSON line appended to
// {dir}/{session-id}.jsonl.gz, where the session identifier is read from the
// span's "session.id" attribute. Open gzip writers are held in a bounded LRU
// so long-lived processes with many sessions do not exhaust file handles.
// Files rotate to {session-id}_chunk_{n}.jsonl.gz once a writer has ingested
// RotationBytes of uncompressed data.
//
// A full disk, a corrupt file, or a peer process holding the trace directory
// all degrade the exporter to a no-op rather than surfacing errors into the
// instrumented program.
package export

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/gofrs/flock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"goa.design/clue/log"

	"goa.design/mcp-inspector/sessionid"
	"goa.design/mcp-inspector/spanmeta"
)

const (
	// MaxOpenWriters bounds the number of concurrently open trace files.
	MaxOpenWriters = 50
	// RotationBytes is the uncompressed ingest count at which a session's
	// file rotates to a new chunk.
	RotationBytes = 100 << 20

	lockFileName = ".inspector.lock"
)

type (
	// Notifier receives operational alerts from the exporter. Implementations
	// must not block; the exporter calls them while holding its write lock.
	Notifier interface {
		// DiskSpaceLow fires once per transition into disk-full degradation.
		DiskSpaceLow(dir string)
		// ExporterDisabled fires once when a peer process already owns the
		// trace directory and this exporter drops all spans.
		ExporterDisabled(reason string)
	}

	// Exporter implements go.opentelemetry.io/otel/sdk/trace.SpanExporter.
	// Wrap it in a batch span processor; export work must stay off the
	// instrumented hot path.
	Exporter struct {
		dir      string
		maxBytes int64
		notifier Notifier

		flk      *flock.Flock
		disabled bool // peer holds the advisory lock, drop everything

		mu       sync.Mutex
		writers  *lru.Cache[string, *sessionWriter]
		diskFull bool
	}

	// Option customizes an Exporter.
	Option func(*Exporter)

	// sessionWriter is the open trace file for one session. Each batch is
	// written as its own gzip member (flush closes the member), so the file
	// is a valid multistream gzip at all times. It tracks the uncompressed
	// ingest count that drives rotation and the index of the next chunk
	// file.
	sessionWriter struct {
		session  string
		path     string
		f        *os.File
		gz       *gzip.Writer
		ingested int64
		chunk    int
	}
)

// WithNotifier installs the alert sink for degradation transitions.
func WithNotifier(n Notifier) Option {
	return func(e *Exporter) { e.notifier = n }
}

// WithRotationBytes overrides the uncompressed rotation threshold.
func WithRotationBytes(n int64) Option {
	return func(e *Exporter) { e.maxBytes = n }
}

// New creates an exporter writing under dir, creating it (0755) as needed.
// When dir cannot be created the exporter falls back to a directory under the
// system temp dir so tracing keeps working in restricted environments. New
// acquires the directory's advisory lock; if a peer process already holds it
// the returned exporter is a no-op and readers stay functional.
func New(ctx context.Context, dir string, opts ...Option) (*Exporter, error) {
	e := &Exporter{dir: dir, maxBytes: RotationBytes}
	for _, opt := range opts {
		opt(e)
	}
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		fallback := filepath.Join(os.TempDir(), "mcp_traces")
		log.Warnf(ctx, "trace dir %q not writable, falling back to %q: %v", e.dir, fallback, err)
		if err := os.MkdirAll(fallback, 0o755); err != nil {
			return nil, fmt.Errorf("create trace dir: %w", err)
		}
		e.dir = fallback
	}

	writers, err := lru.NewWithEvict(MaxOpenWriters, func(_ string, w *sessionWriter) {
		if err := w.close(); err != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "close evicted trace writer"},
				log.KV{K: "path", V: w.path}, log.KV{K: "err", V: err.Error()})
		}
	})
	if err != nil {
		return nil, err
	}
	e.writers = writers

	e.flk = flock.New(filepath.Join(e.dir, lockFileName))
	locked, err := e.flk.TryLock()
	if err != nil || !locked {
		reason := "lock held by another process"
		if err != nil {
			reason = err.Error()
		}
		e.disabled = true
		log.Warn(ctx, log.KV{K: "msg", V: "span exporter disabled"},
			log.KV{K: "dir", V: e.dir}, log.KV{K: "reason", V: reason})
		if e.notifier != nil {
			e.notifier.ExporterDisabled(reason)
		}
	}
	return e, nil
}

// Dir returns the resolved trace directory, after any fallback.
func (e *Exporter) Dir() string { return e.dir }

// ExportSpans appends each span of the batch as one JSON line to its
// session's file. Failures never propagate to the instrumented program: a
// full disk turns the exporter into a no-op until a later batch succeeds, a
// corrupt file is quarantined and replaced, and spans for sessions that
// cannot be written are dropped.
func (e *Exporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if e.disabled || len(spans) == 0 {
		return nil
	}

	groups := make(map[string][]sdktrace.ReadOnlySpan)
	for _, span := range spans {
		groups[sessionOf(span)] = append(groups[sessionOf(span)], span)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	wasFull := e.diskFull
	var wrote bool
	for session, group := range groups {
		w, err := e.writer(session)
		if err != nil {
			e.ioFailure(ctx, nil, err)
			continue
		}
		for _, span := range group {
			line, err := json.Marshal(newSpanLine(span))
			if err != nil {
				log.Warn(ctx, log.KV{K: "msg", V: "drop unserializable span"},
					log.KV{K: "span", V: span.Name()}, log.KV{K: "err", V: err.Error()})
				continue
			}
			if err := w.append(line); err != nil {
				e.ioFailure(ctx, w, err)
				break
			}
			wrote = true
			if w.ingested > e.maxBytes {
				if err := e.rotate(w); err != nil {
					e.ioFailure(ctx, w, err)
					break
				}
			}
		}
		if err := w.flush(); err != nil {
			e.ioFailure(ctx, w, err)
		}
	}

	if wasFull && wrote {
		e.diskFull = false
		log.Info(ctx, log.KV{K: "msg", V: "span exporter recovered from disk-full"})
	}
	return nil
}

// Shutdown flushes and closes every open writer and releases the advisory
// lock.
func (e *Exporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.writers.Purge()
	e.mu.Unlock()
	if e.flk != nil && !e.disabled {
		if err := e.flk.Unlock(); err != nil {
			log.Warnf(ctx, "release trace dir lock: %v", err)
		}
	}
	return nil
}

// writer returns the open writer for session, creating it on miss. Reopened
// files are appended to; concatenated gzip members decompress as one stream.
func (e *Exporter) writer(session string) (*sessionWriter, error) {
	if w, ok := e.writers.Get(session); ok {
		return w, nil
	}
	w := &sessionWriter{session: session}
	w.path = filepath.Join(e.dir, session+".jsonl.gz")
	// Resume past the chunks a previous writer left behind.
	for {
		next := e.chunkPath(session, w.chunk+1)
		if _, err := os.Stat(next); err != nil {
			break
		}
		w.chunk++
		w.path = next
	}
	// A resumed file already holds data; count it so rotation triggers at
	// the same threshold as for an uninterrupted writer.
	w.ingested = uncompressedSize(w.path)
	if err := w.open(); err != nil {
		return nil, err
	}
	e.writers.Add(session, w)
	return w, nil
}

// uncompressedSize counts the decompressed bytes already in path. Unreadable
// tails count for whatever could be read; a missing file counts zero.
func uncompressedSize(path string) int64 {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return 0
	}
	defer gz.Close()
	n, _ := io.Copy(io.Discard, gz)
	return n
}

func (e *Exporter) chunkPath(session string, n int) string {
	return filepath.Join(e.dir, fmt.Sprintf("%s_chunk_%d.jsonl.gz", session, n))
}

// rotate closes the current file and starts the session's next chunk.
// Previous chunks stay on disk for readers.
func (e *Exporter) rotate(w *sessionWriter) error {
	if err := w.close(); err != nil {
		return err
	}
	w.chunk++
	w.path = e.chunkPath(w.session, w.chunk)
	w.ingested = 0
	return w.open()
}

// ioFailure classifies a write error. Disk exhaustion degrades the whole
// exporter with a single alert per transition; any other IO error quarantines
// the offending file as {name}.bad and gives the session a fresh one so a
// single bad file never drops the batch.
func (e *Exporter) ioFailure(ctx context.Context, w *sessionWriter, err error) {
	if errors.Is(err, syscall.ENOSPC) {
		if !e.diskFull {
			e.diskFull = true
			log.Warn(ctx, log.KV{K: "msg", V: "disk full, span export suspended"},
				log.KV{K: "dir", V: e.dir})
			if e.notifier != nil {
				e.notifier.DiskSpaceLow(e.dir)
			}
		}
		return
	}
	if w == nil {
		log.Warnf(ctx, "open trace writer: %v", err)
		return
	}
	log.Warn(ctx, log.KV{K: "msg", V: "trace write failed, quarantining file"},
		log.KV{K: "path", V: w.path}, log.KV{K: "err", V: err.Error()})
	w.close() // nolint:errcheck // already failing, quarantine regardless
	if renameErr := os.Rename(w.path, w.path+".bad"); renameErr != nil && !os.IsNotExist(renameErr) {
		log.Warnf(ctx, "quarantine %q: %v", w.path, renameErr)
	}
	w.ingested = 0
	if openErr := w.open(); openErr != nil {
		e.writers.Remove(w.session)
	}
}

func (w *sessionWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.f = f
	return nil
}

// append adds one line to the current gzip member, starting a new member
// after each flush.
func (w *sessionWriter) append(line []byte) error {
	if w.gz == nil {
		w.gz = gzip.NewWriter(w.f)
	}
	if _, err := w.gz.Write(line); err != nil {
		return err
	}
	if _, err := w.gz.Write([]byte{'\n'}); err != nil {
		return err
	}
	w.ingested += int64(len(line)) + 1
	return nil
}

// flush terminates the current gzip member so the file on disk is a complete
// gzip stream after every batch and readers never hit a torn tail.
func (w *sessionWriter) flush() error {
	if w.gz == nil {
		return nil
	}
	err := w.gz.Close()
	w.gz = nil
	return err
}

func (w *sessionWriter) close() error {
	if w.f == nil {
		return nil
	}
	var gzErr error
	if w.gz != nil {
		gzErr = w.gz.Close()
	}
	fErr := w.f.Close()
	w.gz, w.f = nil, nil
	if gzErr != nil {
		return gzErr
	}
	return fErr
}

func sessionOf(span sdktrace.ReadOnlySpan) string {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == spanmeta.SessionID {
			if id := kv.Value.AsString(); id != "" {
				return id
			}
		}
	}
	return sessionid.Unknown
}

func statusString(c codes.Code) string {
	switch c {
	case codes.Ok:
		return "OK"
	case codes.Error:
		return "ERROR"
	default:
		return "UNSET"
	}
}

func kindString(span sdktrace.ReadOnlySpan) string {
	return strings.ToUpper(span.SpanKind().String())
}
