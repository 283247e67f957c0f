package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	stdatomic "sync/atomic"
	"time"

	"github.com/harunnryd/kiroku/internal/event"
	kirokuErrors "github.com/harunnryd/kiroku/internal/errors"

	"github.com/natefinch/atomic"
	"github.com/oklog/ulid/v2"
)

type Operation int

const (
	OpAppend Operation = iota
	OpListEvents
	OpCreateThread
	OpLatestThread
	OpResolve
	OpRemap
	OpListThreads
	OpPublicID
)

type Request struct {
	Op       Operation
	Payload  interface{}
	Result   chan error
	Response chan interface{}
}

type AppendPayload struct {
	ThreadID string
	Type     event.Type
	Data     any
}

type ListEventsPayload struct {
	ThreadID string
}

type ResolvePayload struct {
	ThreadID string
}

type RemapPayload struct {
	PublicID   string
	PhysicalID string
}

// threadState is the worker's in-memory view of one physical thread. It is
// hydrated from the JSONL log on first touch and kept current on append, so
// uniqueness checks never have to re-read the file.
type threadState struct {
	seq       int64
	events    []event.Event
	calls     map[string]bool
	results   map[string]bool
	requests  map[string]bool
	decisions map[string]event.Decision
}

func newThreadState() *threadState {
	return &threadState{
		calls:     make(map[string]bool),
		results:   make(map[string]bool),
		requests:  make(map[string]bool),
		decisions: make(map[string]event.Decision),
	}
}

// Worker is the append-only event store. A single goroutine owns all state
// and serializes every operation through the inbox, which makes the
// uniqueness checks on approval responses transactional: a duplicate can
// never slip between check and insert because there is exactly one writer.
type Worker struct {
	workspaceID string
	basePath    string
	threadsDir  string
	inbox       chan Request
	quit        chan struct{}
	wg          sync.WaitGroup
	running     stdatomic.Bool
	stopped     stdatomic.Bool

	fileLock   *FileLock
	memoryOnly stdatomic.Bool

	index     *ThreadIndex
	canonical *CanonicalMap
	threads   map[string]*threadState
}

type RuntimeConfig struct {
	LockTimeout  time.Duration
	LockRetry    time.Duration
	LockMaxRetry int
	InboxSize    int
}

func NewWorker(workspaceID string, workspaceRootPath string, runtimeCfg RuntimeConfig) (*Worker, error) {
	if runtimeCfg.LockTimeout <= 0 {
		runtimeCfg.LockTimeout = 30 * time.Second
	}
	if runtimeCfg.LockRetry <= 0 {
		runtimeCfg.LockRetry = 100 * time.Millisecond
	}
	if runtimeCfg.LockMaxRetry <= 0 {
		runtimeCfg.LockMaxRetry = 300
	}
	if runtimeCfg.InboxSize <= 0 {
		runtimeCfg.InboxSize = 256
	}

	w := &Worker{
		workspaceID: workspaceID,
		inbox:       make(chan Request, runtimeCfg.InboxSize),
		quit:        make(chan struct{}),
		index:       &ThreadIndex{Threads: make(map[string]ThreadMeta)},
		canonical:   &CanonicalMap{Aliases: make(map[string]string)},
		threads:     make(map[string]*threadState),
	}

	basePath, err := GetWorkspacePath(workspaceID, workspaceRootPath)
	if err != nil {
		slog.Warn("Workspace path unresolvable, store degrading to memory-only", "workspace", workspaceID, "error", err)
		w.memoryOnly.Store(true)
		return w, nil
	}
	w.basePath = basePath
	w.threadsDir = filepath.Join(basePath, "threads")

	if err := os.MkdirAll(w.threadsDir, 0755); err != nil {
		slog.Warn("Workspace dir unusable, store degrading to memory-only", "path", w.threadsDir, "error", err)
		w.memoryOnly.Store(true)
		return w, nil
	}

	// A second instance on the same workspace is a hard error, not a
	// degradation: two writers would corrupt the logs.
	fileLock, err := NewFileLock(workspaceID, basePath, &FileLockConfig{
		LockTimeout:  runtimeCfg.LockTimeout,
		LockRetry:    runtimeCfg.LockRetry,
		LockMaxRetry: runtimeCfg.LockMaxRetry,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	w.fileLock = fileLock

	w.loadIndex()
	w.loadCanonical()

	return w, nil
}

func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

func (w *Worker) loop() {
	slog.Info("EventStore started", "workspace", w.workspaceID, "memory_only", w.memoryOnly.Load())
	w.running.Store(true)
	defer func() {
		w.running.Store(false)
		w.wg.Done()
	}()

	for {
		select {
		case req := <-w.inbox:
			err := w.handle(req)
			if req.Result != nil {
				req.Result <- err
			}
		case <-w.quit:
			slog.Info("EventStore stopping")
			return
		}
	}
}

func (w *Worker) handle(req Request) error {
	switch req.Op {
	case OpAppend:
		p, ok := req.Payload.(AppendPayload)
		if !ok {
			return fmt.Errorf("invalid payload for Append")
		}
		evt, err := w.append(p.ThreadID, p.Type, p.Data)
		if err == nil && req.Response != nil {
			req.Response <- evt
		} else if req.Response != nil {
			req.Response <- event.Event{}
		}
		return err
	case OpListEvents:
		p, ok := req.Payload.(ListEventsPayload)
		if !ok {
			return fmt.Errorf("invalid payload for ListEvents")
		}
		events, err := w.listEvents(p.ThreadID)
		if req.Response != nil {
			req.Response <- events
		}
		return err
	case OpCreateThread:
		id := w.createThread()
		if req.Response != nil {
			req.Response <- id
		}
		return nil
	case OpLatestThread:
		if req.Response != nil {
			req.Response <- w.latestThreadID()
		}
		return nil
	case OpResolve:
		p, ok := req.Payload.(ResolvePayload)
		if !ok {
			return fmt.Errorf("invalid payload for Resolve")
		}
		id, err := w.resolve(p.ThreadID)
		if req.Response != nil {
			req.Response <- id
		}
		return err
	case OpRemap:
		p, ok := req.Payload.(RemapPayload)
		if !ok {
			return fmt.Errorf("invalid payload for Remap")
		}
		return w.remap(p.PublicID, p.PhysicalID)
	case OpListThreads:
		if req.Response != nil {
			req.Response <- w.listThreads()
		}
		return nil
	case OpPublicID:
		p, ok := req.Payload.(ResolvePayload)
		if !ok {
			return fmt.Errorf("invalid payload for PublicID")
		}
		if req.Response != nil {
			req.Response <- w.publicID(p.ThreadID)
		}
		return nil
	default:
		return fmt.Errorf("unknown operation: %d", req.Op)
	}
}

// --- worker-goroutine internals (no locking needed, single owner) ---

func (w *Worker) append(threadID string, typ event.Type, payload any) (event.Event, error) {
	st, err := w.threadState(threadID)
	if err != nil {
		return event.Event{}, err
	}

	data, err := event.EncodePayload(payload)
	if err != nil {
		return event.Event{}, kirokuErrors.Wrap(err, "append")
	}

	if err := w.checkInvariants(st, typ, data); err != nil {
		return event.Event{}, err
	}

	evt := event.Event{
		ID:        ulid.Make().String(),
		ThreadID:  threadID,
		Seq:       st.seq + 1,
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	if !w.memoryOnly.Load() {
		if err := w.persistEvent(evt); err != nil {
			slog.Warn("Event persistence failed, store degrading to memory-only", "thread", threadID, "error", err)
			w.memoryOnly.Store(true)
		}
	}

	st.seq = evt.Seq
	st.events = append(st.events, evt)
	w.trackEvent(st, evt)

	meta, ok := w.index.Threads[threadID]
	if !ok {
		meta = ThreadMeta{ID: threadID, CreatedAt: evt.Timestamp}
	}
	meta.UpdatedAt = evt.Timestamp
	w.index.Threads[threadID] = meta
	w.saveIndex()

	return evt, nil
}

// checkInvariants enforces the per-thread uniqueness rules before anything is
// written. It runs on the single writer goroutine, so check-then-insert is
// atomic here even though it wouldn't be in the callers.
func (w *Worker) checkInvariants(st *threadState, typ event.Type, data json.RawMessage) error {
	switch typ {
	case event.TypeToolCall:
		var p event.ToolCallPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return kirokuErrors.InvalidInput("malformed tool_call payload")
		}
		if p.Call.ID == "" {
			return kirokuErrors.InvalidInput("tool_call requires an id")
		}
		if st.calls[p.Call.ID] {
			return kirokuErrors.Conflict("tool call id already recorded: " + p.Call.ID)
		}
	case event.TypeToolResult:
		var p event.ToolResultPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return kirokuErrors.InvalidInput("malformed tool_result payload")
		}
		if p.Result.ID != "" {
			if !st.calls[p.Result.ID] {
				return kirokuErrors.NotFound("tool result has no matching tool call: " + p.Result.ID)
			}
			if st.results[p.Result.ID] {
				return kirokuErrors.Conflict("tool result already recorded: " + p.Result.ID)
			}
		}
	case event.TypeApprovalRequest:
		var p event.ApprovalRequestPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return kirokuErrors.InvalidInput("malformed tool_approval_request payload")
		}
		if p.ToolCallID == "" {
			return kirokuErrors.InvalidInput("approval request requires a tool call id")
		}
		if st.requests[p.ToolCallID] {
			return kirokuErrors.Conflict("approval already requested: " + p.ToolCallID)
		}
	case event.TypeApprovalResponse:
		var p event.ApprovalResponsePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return kirokuErrors.InvalidInput("malformed tool_approval_response payload")
		}
		if !p.Decision.Valid() {
			return kirokuErrors.InvalidInput("unknown approval decision: " + string(p.Decision))
		}
		if !st.requests[p.ToolCallID] {
			return kirokuErrors.NotFound("approval response has no matching request: " + p.ToolCallID)
		}
		if _, decided := st.decisions[p.ToolCallID]; decided {
			return kirokuErrors.Conflict("approval already decided: " + p.ToolCallID)
		}
	}
	return nil
}

func (w *Worker) trackEvent(st *threadState, evt event.Event) {
	switch evt.Type {
	case event.TypeToolCall:
		var p event.ToolCallPayload
		if json.Unmarshal(evt.Data, &p) == nil {
			st.calls[p.Call.ID] = true
		}
	case event.TypeToolResult:
		var p event.ToolResultPayload
		if json.Unmarshal(evt.Data, &p) == nil && p.Result.ID != "" {
			st.results[p.Result.ID] = true
		}
	case event.TypeApprovalRequest:
		var p event.ApprovalRequestPayload
		if json.Unmarshal(evt.Data, &p) == nil {
			st.requests[p.ToolCallID] = true
		}
	case event.TypeApprovalResponse:
		var p event.ApprovalResponsePayload
		if json.Unmarshal(evt.Data, &p) == nil {
			st.decisions[p.ToolCallID] = p.Decision
		}
	}
}

func (w *Worker) listEvents(threadID string) ([]event.Event, error) {
	st, err := w.threadState(threadID)
	if err != nil {
		return nil, err
	}
	out := make([]event.Event, len(st.events))
	copy(out, st.events)
	return out, nil
}

func (w *Worker) createThread() string {
	id := ulid.Make().String()
	now := time.Now().UTC()
	w.index.Threads[id] = ThreadMeta{ID: id, CreatedAt: now, UpdatedAt: now}
	w.threads[id] = newThreadState()
	w.saveIndex()
	return id
}

func (w *Worker) latestThreadID() string {
	var latest string
	var latestAt time.Time
	for id, meta := range w.index.Threads {
		if meta.Superseded {
			continue
		}
		if meta.UpdatedAt.After(latestAt) {
			latest = id
			latestAt = meta.UpdatedAt
		}
	}
	if latest == "" {
		return ""
	}
	return w.publicID(latest)
}

// publicID walks the alias chain backwards from a physical thread to the
// stable id callers hold.
func (w *Worker) publicID(physicalID string) string {
	current := physicalID
	for hops := 0; hops < 32; hops++ {
		found := ""
		for alias, target := range w.canonical.Aliases {
			if target == current {
				found = alias
				break
			}
		}
		if found == "" {
			return current
		}
		current = found
	}
	return current
}

func (w *Worker) resolve(threadID string) (string, error) {
	current := threadID
	for hops := 0; hops < 32; hops++ {
		target, ok := w.canonical.Aliases[current]
		if !ok {
			if _, exists := w.index.Threads[current]; !exists {
				return "", kirokuErrors.NotFound("thread: " + threadID)
			}
			return current, nil
		}
		current = target
	}
	return "", kirokuErrors.Internal("canonical map cycle at " + threadID)
}

func (w *Worker) remap(publicID, physicalID string) error {
	if _, exists := w.index.Threads[physicalID]; !exists {
		return kirokuErrors.NotFound("remap target thread: " + physicalID)
	}

	// Mark whatever the public id currently resolves to as superseded.
	if current, err := w.resolve(publicID); err == nil && current != physicalID {
		if meta, ok := w.index.Threads[current]; ok {
			meta.Superseded = true
			w.index.Threads[current] = meta
		}
	}

	w.canonical.Aliases[publicID] = physicalID
	w.saveIndex()
	w.saveCanonical()
	return nil
}

func (w *Worker) listThreads() []ThreadMeta {
	out := make([]ThreadMeta, 0, len(w.index.Threads))
	for _, meta := range w.index.Threads {
		out = append(out, meta)
	}
	return out
}

// threadState hydrates a thread's log from disk on first touch.
func (w *Worker) threadState(threadID string) (*threadState, error) {
	if threadID == "" {
		return nil, kirokuErrors.InvalidInput("empty thread id")
	}
	if st, ok := w.threads[threadID]; ok {
		return st, nil
	}

	st := newThreadState()
	if !w.memoryOnly.Load() {
		if err := w.hydrate(threadID, st); err != nil {
			return nil, err
		}
	}
	w.threads[threadID] = st
	return st, nil
}

func (w *Worker) hydrate(threadID string, st *threadState) error {
	path := w.eventsPath(threadID)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return kirokuErrors.Wrap(err, "open thread log")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var evt event.Event
		if err := json.Unmarshal(line, &evt); err != nil {
			return kirokuErrors.CorruptThread(fmt.Sprintf("thread %s: unreadable event line", threadID))
		}
		st.events = append(st.events, evt)
		if evt.Seq > st.seq {
			st.seq = evt.Seq
		}
		w.trackEvent(st, evt)
	}
	if err := scanner.Err(); err != nil {
		return kirokuErrors.Wrap(err, "scan thread log")
	}
	return nil
}

func (w *Worker) eventsPath(threadID string) string {
	return filepath.Join(w.threadsDir, threadID+".jsonl")
}

func (w *Worker) persistEvent(evt event.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(w.eventsPath(evt.ThreadID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func (w *Worker) loadIndex() {
	path := filepath.Join(w.threadsDir, "index.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	if err := json.Unmarshal(data, w.index); err != nil {
		slog.Warn("Failed to parse thread index, starting fresh", "error", err)
		w.index = &ThreadIndex{Threads: make(map[string]ThreadMeta)}
	}
	if w.index.Threads == nil {
		w.index.Threads = make(map[string]ThreadMeta)
	}
}

func (w *Worker) saveIndex() {
	if w.memoryOnly.Load() {
		return
	}
	data, err := json.MarshalIndent(w.index, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(w.threadsDir, "index.json")
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		slog.Warn("Failed to save thread index", "error", err)
	}
}

func (w *Worker) loadCanonical() {
	path := filepath.Join(w.threadsDir, "canonical.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	if err := json.Unmarshal(data, w.canonical); err != nil {
		slog.Warn("Failed to parse canonical map, starting fresh", "error", err)
		w.canonical = &CanonicalMap{Aliases: make(map[string]string)}
	}
	if w.canonical.Aliases == nil {
		w.canonical.Aliases = make(map[string]string)
	}
}

func (w *Worker) saveCanonical() {
	if w.memoryOnly.Load() {
		return
	}
	data, err := json.MarshalIndent(w.canonical, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(w.threadsDir, "canonical.json")
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		slog.Warn("Failed to save canonical map", "error", err)
	}
}

// --- Public API for other components ---

// Append records one immutable event at the end of the thread's log and
// returns it with its assigned sequence number. Duplicate approval responses
// (and duplicate tool call/result ids) come back as ErrConflict.
func (w *Worker) Append(threadID string, typ event.Type, payload any) (event.Event, error) {
	res := make(chan error, 1)
	resp := make(chan interface{}, 1)
	w.inbox <- Request{
		Op:       OpAppend,
		Payload:  AppendPayload{ThreadID: threadID, Type: typ, Data: payload},
		Result:   res,
		Response: resp,
	}
	if err := <-res; err != nil {
		return event.Event{}, err
	}
	return (<-resp).(event.Event), nil
}

func (w *Worker) ListEvents(threadID string) ([]event.Event, error) {
	res := make(chan error, 1)
	resp := make(chan interface{}, 1)
	w.inbox <- Request{
		Op:       OpListEvents,
		Payload:  ListEventsPayload{ThreadID: threadID},
		Result:   res,
		Response: resp,
	}
	if err := <-res; err != nil {
		return nil, err
	}
	return (<-resp).([]event.Event), nil
}

func (w *Worker) CreateThread() string {
	res := make(chan error, 1)
	resp := make(chan interface{}, 1)
	w.inbox <- Request{Op: OpCreateThread, Result: res, Response: resp}
	<-res
	return (<-resp).(string)
}

// LatestThreadID returns the public id of the most recently updated thread,
// or "" when the workspace has none.
func (w *Worker) LatestThreadID() string {
	res := make(chan error, 1)
	resp := make(chan interface{}, 1)
	w.inbox <- Request{Op: OpLatestThread, Result: res, Response: resp}
	<-res
	return (<-resp).(string)
}

// Resolve dereferences a public thread id through the canonical map to the
// physical thread whose event sequence is authoritative.
func (w *Worker) Resolve(threadID string) (string, error) {
	res := make(chan error, 1)
	resp := make(chan interface{}, 1)
	w.inbox <- Request{
		Op:       OpResolve,
		Payload:  ResolvePayload{ThreadID: threadID},
		Result:   res,
		Response: resp,
	}
	if err := <-res; err != nil {
		return "", err
	}
	return (<-resp).(string), nil
}

func (w *Worker) Remap(publicID, physicalID string) error {
	res := make(chan error, 1)
	w.inbox <- Request{
		Op:      OpRemap,
		Payload: RemapPayload{PublicID: publicID, PhysicalID: physicalID},
		Result:  res,
	}
	return <-res
}

// PublicID walks the alias chain backwards from a physical thread to the
// stable id callers hold. A thread that was never a compaction target is its
// own public id.
func (w *Worker) PublicID(physicalID string) string {
	res := make(chan error, 1)
	resp := make(chan interface{}, 1)
	w.inbox <- Request{
		Op:       OpPublicID,
		Payload:  ResolvePayload{ThreadID: physicalID},
		Result:   res,
		Response: resp,
	}
	<-res
	return (<-resp).(string)
}

func (w *Worker) ListThreads() []ThreadMeta {
	res := make(chan error, 1)
	resp := make(chan interface{}, 1)
	w.inbox <- Request{Op: OpListThreads, Result: res, Response: resp}
	<-res
	return (<-resp).([]ThreadMeta)
}

func (w *Worker) MemoryOnly() bool {
	return w.memoryOnly.Load()
}

func (w *Worker) Stop() {
	if !w.stopped.CompareAndSwap(false, true) {
		return
	}
	close(w.quit)
	w.wg.Wait()

	if w.fileLock != nil && w.fileLock.IsLocked() {
		w.fileLock.Unlock()
	}
}

func (w *Worker) IsRunning() bool {
	return w.running.Load()
}
