package sessions

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"goa.design/clue/log"

	"goa.design/mcp-inspector/spanmeta"
)

const (
	// metaCacheSize bounds the (path, mtime) extraction cache.
	metaCacheSize = 1000
	// finishedCacheSize bounds the remembered SessionFinished statuses.
	finishedCacheSize = 1000
	// DefaultExternalTimeout caps the external workflow service query.
	DefaultExternalTimeout = 2 * time.Second
)

var chunkSuffix = regexp.MustCompile(`^(.+)_chunk_(\d+)$`)

// errEmptyTrace marks a file with no content yet, such as a chunk the writer
// rotated to but has not written. Empty files are skipped, not quarantined.
var errEmptyTrace = errors.New("empty trace file")

type (
	// External is the optional durable workflow service queried for sessions
	// that never ran in this process.
	External interface {
		ListSessions(ctx context.Context) ([]Meta, error)
	}

	// Lister produces the unified session list: trace files on disk, live
	// registry entries, and (optionally) the external workflow service.
	Lister struct {
		dir      string
		registry *Registry
		external External
		timeout  time.Duration

		cache    *lru.Cache[string, fileMeta]
		finished *lru.Cache[string, finishedInfo]
	}

	// ListerOption customizes a Lister.
	ListerOption func(*Lister)

	// fileMeta is what one trace file contributes to a session's metadata.
	fileMeta struct {
		firstStart string
		lastEnd    string
		lastStatus string
		paused     bool
		engine     string
		title      string
		tags       []string
	}

	finishedInfo struct {
		status  string
		endedAt string
	}

	// traceLine is the subset of the span wire form the lister reads.
	traceLine struct {
		Name       string          `json:"name"`
		StartTime  string          `json:"start_time"`
		EndTime    string          `json:"end_time"`
		Status     traceLineStatus `json:"status"`
		Attributes map[string]any  `json:"attributes"`
	}

	traceLineStatus struct {
		Code string `json:"status_code"`
	}

	// sessionFiles groups one session's base file and rotated chunks.
	sessionFiles struct {
		base   string
		chunks []string
	}
)

// WithExternal configures the external workflow service queried during List.
func WithExternal(ext External) ListerOption {
	return func(l *Lister) { l.external = ext }
}

// WithExternalTimeout overrides the external query timeout.
func WithExternalTimeout(d time.Duration) ListerOption {
	return func(l *Lister) { l.timeout = d }
}

// NewLister returns a lister over dir merging with registry.
func NewLister(dir string, registry *Registry, opts ...ListerOption) *Lister {
	l := &Lister{dir: dir, registry: registry, timeout: DefaultExternalTimeout}
	for _, opt := range opts {
		opt(l)
	}
	l.cache, _ = lru.New[string, fileMeta](metaCacheSize)
	l.finished, _ = lru.New[string, finishedInfo](finishedCacheSize)
	return l
}

// RecordFinished remembers the final status a SessionFinished lifecycle
// event reported, which wins over any file-derived status.
func (l *Lister) RecordFinished(id, status, endedAt string) {
	l.finished.Add(id, finishedInfo{status: status, endedAt: endedAt})
}

// List returns the merged, started-at-descending session list. The external
// query runs under a short timeout; its failure degrades the listing to
// local sessions plus a TemporalError note, never to an error.
func (l *Lister) List(ctx context.Context) Listing {
	byID := l.scan(ctx)

	// Live registry entries win over file-derived metadata.
	for _, meta := range l.registry.Snapshot() {
		if onDisk, ok := byID[meta.ID]; ok && meta.StartedAt == "" {
			meta.StartedAt = onDisk.StartedAt
		}
		byID[meta.ID] = meta
	}

	var listing Listing
	if l.external != nil {
		extCtx, cancel := context.WithTimeout(ctx, l.timeout)
		defer cancel()
		ext, err := l.external.ListSessions(extCtx)
		if err != nil {
			log.Warnf(ctx, "external workflow service query failed: %v", err)
			listing.TemporalError = err.Error()
		}
		for _, meta := range ext {
			if _, ok := byID[meta.ID]; !ok {
				byID[meta.ID] = meta
			}
		}
	}

	listing.Sessions = make([]Meta, 0, len(byID))
	for _, meta := range byID {
		listing.Sessions = append(listing.Sessions, meta)
	}
	sort.Slice(listing.Sessions, func(i, j int) bool {
		a, b := listing.Sessions[i], listing.Sessions[j]
		if a.StartedAt != b.StartedAt {
			return a.StartedAt > b.StartedAt
		}
		return a.ID < b.ID
	})
	return listing
}

// scan enumerates trace files (chunks included) and derives per-session
// metadata. Corrupt files are quarantined and skipped.
func (l *Lister) scan(ctx context.Context) map[string]Meta {
	byID := make(map[string]Meta)
	paths, err := filepath.Glob(filepath.Join(l.dir, "*.jsonl.gz"))
	if err != nil {
		return byID
	}
	// Group chunk files under their base session, ordered by chunk index.
	files := make(map[string]*sessionFiles)
	for _, path := range paths {
		base := filepath.Base(path)
		id := base[:len(base)-len(".jsonl.gz")]
		if m := chunkSuffix.FindStringSubmatch(id); m != nil {
			sf := filesFor(files, m[1])
			sf.chunks = append(sf.chunks, path)
		} else {
			filesFor(files, id).base = path
		}
	}

	for id, sf := range files {
		ordered := make([]string, 0, len(sf.chunks)+1)
		if sf.base != "" {
			ordered = append(ordered, sf.base)
		}
		sort.Slice(sf.chunks, func(i, j int) bool { return chunkIndex(sf.chunks[i]) < chunkIndex(sf.chunks[j]) })
		ordered = append(ordered, sf.chunks...)
		if len(ordered) == 0 {
			continue
		}

		first, err := l.extract(ordered[0])
		if err != nil {
			if !errors.Is(err, errEmptyTrace) {
				l.quarantine(ctx, ordered[0], err)
			}
			continue
		}
		last := first
		if len(ordered) > 1 {
			if lm, err := l.extract(ordered[len(ordered)-1]); err == nil {
				last = lm
			} else if !errors.Is(err, errEmptyTrace) {
				l.quarantine(ctx, ordered[len(ordered)-1], err)
			}
		}
		byID[id] = l.derive(id, first, last)
	}
	return byID
}

func filesFor(m map[string]*sessionFiles, id string) *sessionFiles {
	if sf, ok := m[id]; ok {
		return sf
	}
	sf := &sessionFiles{}
	m[id] = sf
	return sf
}

// derive computes the Meta for one session from its first and last file
// metadata plus any observed SessionFinished event.
func (l *Lister) derive(id string, first, last fileMeta) Meta {
	meta := Meta{
		ID:        id,
		Engine:    first.engine,
		StartedAt: first.firstStart,
		Title:     first.title,
		Tags:      first.tags,
		Status:    StatusRunning,
	}
	if meta.Engine == "" {
		meta.Engine = EngineLocal
	}
	if meta.Title == "" {
		meta.Title = id
	}
	switch {
	case last.paused:
		meta.Status = StatusPaused
	case last.lastEnd != "" && last.lastStatus == "ERROR":
		meta.Status = StatusFailed
		meta.EndedAt = last.lastEnd
	}
	if fin, ok := l.finished.Get(id); ok {
		meta.Status = fin.status
		if fin.endedAt != "" {
			meta.EndedAt = fin.endedAt
		} else if meta.EndedAt == "" {
			meta.EndedAt = last.lastEnd
		}
	}
	return meta
}

// extract reads the first and last parseable lines of one trace file,
// caching the result keyed by (path, mtime).
func (l *Lister) extract(path string) (fileMeta, error) {
	info, err := os.Stat(path)
	if err != nil {
		return fileMeta{}, err
	}
	if info.Size() == 0 {
		return fileMeta{}, errEmptyTrace
	}
	key := path + "|" + strconv.FormatInt(info.ModTime().UnixNano(), 10)
	if fm, ok := l.cache.Get(key); ok {
		return fm, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fileMeta{}, err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return fileMeta{}, fmt.Errorf("corrupt gzip: %w", err)
	}
	defer gz.Close()

	var (
		fm  fileMeta
		got bool
		sc  = bufio.NewScanner(gz)
	)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var line traceLine
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			continue
		}
		if !got {
			fm.firstStart = line.StartTime
			fm.engine = attrString(line.Attributes, spanmeta.EngineType, spanmeta.WorkflowEngine)
			fm.title = attrString(line.Attributes, spanmeta.SessionTitle, spanmeta.WorkflowType)
			fm.tags = attrStrings(line.Attributes, spanmeta.SessionTags)
			got = true
		}
		fm.lastEnd = line.EndTime
		fm.lastStatus = line.Status.Code
		if v, ok := line.Attributes[spanmeta.SessionPaused].(bool); ok {
			fm.paused = v
		}
		if title := attrString(line.Attributes, spanmeta.SessionTitle); title != "" {
			fm.title = title
		}
	}
	if err := sc.Err(); err != nil && !got {
		return fileMeta{}, fmt.Errorf("corrupt trace: %w", err)
	}
	if !got {
		return fileMeta{}, errors.New("no parseable span line")
	}
	l.cache.Add(key, fm)
	return fm, nil
}

// quarantine renames a corrupt file out of the scan set and logs once per
// encounter.
func (l *Lister) quarantine(ctx context.Context, path string, err error) {
	log.Warn(ctx, log.KV{K: "msg", V: "skipping corrupt trace file"},
		log.KV{K: "path", V: path}, log.KV{K: "err", V: err.Error()})
	if renameErr := os.Rename(path, path+".bad"); renameErr != nil && !os.IsNotExist(renameErr) {
		log.Warnf(ctx, "quarantine %q: %v", path, renameErr)
	}
}

func chunkIndex(path string) int {
	base := filepath.Base(path)
	id := base[:len(base)-len(".jsonl.gz")]
	m := chunkSuffix.FindStringSubmatch(id)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[2])
	return n
}

func attrString(attrs map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := attrs[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func attrStrings(attrs map[string]any, key string) []string {
	raw, ok := attrs[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
