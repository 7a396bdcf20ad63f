// Package rollout implements the append-only JSONL transcript that lets a
// session be resumed byte-faithfully: every conversation item and state
// snapshot the engine produces is written to <home>/sessions/<uuid>.jsonl in
// insertion order, one JSON object per line.
package rollout

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relayforge/agentharness/internal/models"
)

// RecordType identifies the payload schema of a rollout line.
type RecordType string

const (
	RecordSessionMeta  RecordType = "session_meta"
	RecordResponseItem RecordType = "response_item"
	RecordState        RecordType = "state"
)

// SessionMeta is always the first line of a rollout file.
type SessionMeta struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Instructions string    `json:"instructions,omitempty"`
	Cwd          string    `json:"cwd"`
	Originator   string    `json:"originator"`
	CLIVersion   string    `json:"cli_version"`
}

// Record is one JSONL line: {timestamp, type, payload}.
type Record struct {
	Timestamp time.Time       `json:"timestamp"`
	Type      RecordType      `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// queueDepth bounds the recorder's internal write queue; Record* calls block
// (apply backpressure) once it fills, rather than growing unboundedly.
const queueDepth = 256

// job is one unit of work handed to the dedicated writer goroutine.
type job struct {
	rec       Record
	flushOnly bool       // true for a durability barrier with no new record
	done      chan error // nil for fire-and-forget; non-nil when the caller awaits durability
}

// Recorder is an append-only, per-session JSONL writer. All public methods
// are safe for concurrent use; writes are serialized onto a single
// background goroutine so callers never block on disk I/O directly except
// for the backpressure imposed by the bounded queue.
type Recorder struct {
	path string
	meta SessionMeta

	queue  chan job
	done   chan struct{}
	mu     sync.Mutex // guards writer lifecycle (Shutdown idempotence)
	closed bool
}

// NewOptions configures a brand-new rollout file.
type NewOptions struct {
	Home         string
	SessionID    string // empty = generate a uuid
	Instructions string
	Cwd          string
	Originator   string
	CLIVersion   string
}

// NewRecorder creates a new rollout file under <home>/sessions/ and writes
// the session_meta header line synchronously before returning.
func NewRecorder(opts NewOptions) (*Recorder, error) {
	id := opts.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	dir := filepath.Join(opts.Home, "sessions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("rollout: create sessions dir: %w", err)
	}
	path := filepath.Join(dir, id+".jsonl")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("rollout: create %s: %w", path, err)
	}

	meta := SessionMeta{
		ID:           id,
		Timestamp:    time.Now().UTC(),
		Instructions: opts.Instructions,
		Cwd:          opts.Cwd,
		Originator:   opts.Originator,
		CLIVersion:   opts.CLIVersion,
	}
	if err := writeRecordLine(f, RecordSessionMeta, meta); err != nil {
		f.Close()
		return nil, err
	}

	r := &Recorder{path: path, meta: meta, queue: make(chan job, queueDepth), done: make(chan struct{})}
	go r.run(f)
	return r, nil
}

// ResumeOptions configures reopening an existing rollout file for append.
type ResumeOptions struct {
	Path string
}

// Resume opens an existing rollout file, parses its session_meta and prior
// response_item records, and positions the writer for append. Returns the
// parsed header and prior items so the caller can seed ConversationHistory.
func Resume(opts ResumeOptions) (*Recorder, SessionMeta, []models.ConversationItem, error) {
	f, err := os.Open(opts.Path)
	if err != nil {
		return nil, SessionMeta{}, nil, fmt.Errorf("rollout: open %s: %w", opts.Path, err)
	}

	var meta SessionMeta
	var haveMeta bool
	var items []models.ConversationItem

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			f.Close()
			return nil, SessionMeta{}, nil, fmt.Errorf("rollout: corrupt line in %s: %w", opts.Path, err)
		}
		switch rec.Type {
		case RecordSessionMeta:
			if err := json.Unmarshal(rec.Payload, &meta); err != nil {
				f.Close()
				return nil, SessionMeta{}, nil, fmt.Errorf("rollout: corrupt session_meta: %w", err)
			}
			haveMeta = true
		case RecordResponseItem:
			var item models.ConversationItem
			if err := json.Unmarshal(rec.Payload, &item); err != nil {
				f.Close()
				return nil, SessionMeta{}, nil, fmt.Errorf("rollout: corrupt response_item: %w", err)
			}
			items = append(items, item)
		case RecordState:
			// State snapshots are informational; resume only replays items.
		}
	}
	if err := scanner.Err(); err != nil {
		f.Close()
		return nil, SessionMeta{}, nil, err
	}
	f.Close()
	if !haveMeta {
		return nil, SessionMeta{}, nil, fmt.Errorf("rollout: %s has no session_meta header", opts.Path)
	}

	wf, err := os.OpenFile(opts.Path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, SessionMeta{}, nil, fmt.Errorf("rollout: reopen %s for append: %w", opts.Path, err)
	}

	r := &Recorder{path: opts.Path, meta: meta, queue: make(chan job, queueDepth), done: make(chan struct{})}
	go r.run(wf)
	return r, meta, items, nil
}

// Path returns the rollout file path.
func (r *Recorder) Path() string { return r.path }

// SessionID returns the session id parsed from or assigned to session_meta.
func (r *Recorder) SessionID() string { return r.meta.ID }

// RecordItems appends conversation items as response_item records, preserving
// call order. Fire-and-forget: returns once the items are enqueued, not once
// they are durable; call Shutdown before relying on durability.
func (r *Recorder) RecordItems(items []models.ConversationItem) error {
	for _, item := range items {
		if err := r.enqueue(RecordResponseItem, item, false); err != nil {
			return err
		}
	}
	return nil
}

// RecordState appends a state snapshot record.
func (r *Recorder) RecordState(snapshot any) error {
	return r.enqueue(RecordState, snapshot, false)
}

// Flush blocks until every record enqueued before this call has been
// written and fsynced.
func (r *Recorder) Flush() error {
	j := job{flushOnly: true, done: make(chan error, 1)}
	if err := r.submit(j); err != nil {
		return err
	}
	return <-j.done
}

func (r *Recorder) enqueue(t RecordType, payload any, await bool) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	rec := Record{Timestamp: time.Now().UTC(), Type: t, Payload: raw}

	j := job{rec: rec}
	if await {
		j.done = make(chan error, 1)
	}
	if err := r.submit(j); err != nil {
		return err
	}
	if await {
		return <-j.done
	}
	return nil
}

// submit hands a job to the writer goroutine, applying backpressure once
// queueDepth is exceeded. Returns an error without blocking if the recorder
// has already been shut down.
func (r *Recorder) submit(j job) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return errors.New("rollout: recorder is shut down")
	}
	r.queue <- j
	return nil
}

// run is the dedicated writer goroutine. It owns f exclusively: no other
// goroutine touches the file handle, so writes need no additional locking.
func (r *Recorder) run(f *os.File) {
	defer f.Close()
	w := bufio.NewWriter(f)
	for j := range r.queue {
		var err error
		if j.flushOnly {
			err = w.Flush()
		} else {
			err = appendRecord(w, j.rec)
			if err == nil {
				err = w.Flush()
			}
			if err == nil {
				err = f.Sync()
			}
		}
		if j.done != nil {
			j.done <- err
			close(j.done)
		}
	}
	close(r.done)
}

// appendRecord writes one newline-terminated JSON line for an
// already-constructed Record, preserving its original enqueue timestamp.
func appendRecord(w io.Writer, rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	_, err = w.Write(line)
	return err
}

// Shutdown flushes and closes the recorder, blocking until the writer is
// drained. Safe to call more than once.
func (r *Recorder) Shutdown() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	<-r.done
	return nil
}

// writeRecordLine marshals payload under the given type and appends a
// newline-terminated JSON object to w.
func writeRecordLine(w io.Writer, t RecordType, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	rec := Record{Timestamp: time.Now().UTC(), Type: t, Payload: raw}
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	_, err = w.Write(line)
	return err
}

// ConversationHead summarizes the first few records of a rollout file for
// enumeration without reading the whole thing.
type ConversationHead struct {
	Path string   `json:"path"`
	Head []Record `json:"head"`
	Meta SessionMeta
}

// ListResult is returned by ListConversations.
type ListResult struct {
	Items          []ConversationHead
	NextCursor     string
	NumScanned     int
	ReachedScanCap bool
}

// maxScan bounds how many files a single ListConversations call inspects,
// to keep enumeration responsive over large home directories.
const maxScan = 10_000

// ListConversations scans <home>/sessions for rollout files and returns
// their head records, newest-first by session_meta timestamp. cursor is an
// opaque continuation token (the path of the last item returned).
func ListConversations(home string, pageSize int, cursor string, headLines int) (ListResult, error) {
	dir := filepath.Join(home, "sessions")
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return ListResult{}, nil
	}
	if err != nil {
		return ListResult{}, err
	}

	type scanned struct {
		path string
		head []Record
		meta SessionMeta
	}
	var all []scanned
	numScanned := 0
	reachedCap := false
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		numScanned++
		if numScanned > maxScan {
			reachedCap = true
			break
		}
		path := filepath.Join(dir, e.Name())
		head, meta, err := readHead(path, headLines)
		if err != nil {
			continue // skip unreadable/corrupt files rather than failing enumeration
		}
		all = append(all, scanned{path: path, head: head, meta: meta})
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].meta.Timestamp.After(all[j].meta.Timestamp)
	})

	start := 0
	if cursor != "" {
		for i, s := range all {
			if s.path == cursor {
				start = i + 1
				break
			}
		}
	}

	end := start + pageSize
	if pageSize <= 0 || end > len(all) {
		end = len(all)
	}

	result := ListResult{NumScanned: numScanned, ReachedScanCap: reachedCap}
	for _, s := range all[start:end] {
		result.Items = append(result.Items, ConversationHead{Path: s.path, Head: s.head, Meta: s.meta})
	}
	if end < len(all) {
		result.NextCursor = all[end-1].path
	}
	return result, nil
}

func readHead(path string, headLines int) ([]Record, SessionMeta, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, SessionMeta{}, err
	}
	defer f.Close()

	var head []Record
	var meta SessionMeta
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() && len(head) < headLines {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, SessionMeta{}, err
		}
		if rec.Type == RecordSessionMeta {
			if err := json.Unmarshal(rec.Payload, &meta); err != nil {
				return nil, SessionMeta{}, err
			}
		}
		head = append(head, rec)
	}
	if meta.ID == "" {
		return nil, SessionMeta{}, fmt.Errorf("rollout: %s has no session_meta header", path)
	}
	return head, meta, scanner.Err()
}
