package transfer

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"transferkit/internal/domain"
	"transferkit/internal/executor"
)

// ErrTaskNotFound is returned by control and query operations for unknown ids.
var ErrTaskNotFound = fmt.Errorf("transfer: task not found")

const DefaultMaxConcurrent = 3

// Config parameterizes a Manager. Validate rejects descriptors at
// registration time; DecodeResponse and MediaLibraryDir are the upload- and
// download-specific hooks bound by NewUploadManager / NewDownloadManager.
type Config struct {
	Name            string
	MaxConcurrent   int
	Logger          *logrus.Logger
	Validate        func(domain.Descriptor) error
	DecodeResponse  func([]byte) (any, error)
	MediaLibraryDir string
}

// record is the manager-owned mutable state for one task. Only the Manager
// mutates it, always under mu.
type record struct {
	id       string
	desc     domain.Descriptor
	state    domain.TaskState
	progress float64
	errMsg   string
	response any

	// handle is non-nil only while state is Running (and the executor start
	// round-trip has finished). suspended holds a paused in-flight operation
	// awaiting readmission.
	handle    executor.Handle
	suspended executor.Handle

	// gen fences executor callbacks: bumped on every fresh start and on
	// cancellation, so late callbacks from a torn-down operation are dropped.
	gen uint64

	createdAt time.Time
	updatedAt time.Time
}

// Manager supervises a set of transfer tasks: it owns the record store, the
// FIFO admission queue and the lifecycle state machine, and multicasts
// progress to observers. All state mutation is serialized through mu because
// transitions touch the record, the queue and the running count as one unit.
type Manager struct {
	cfg    Config
	exec   executor.Executor
	logger *logrus.Logger

	mu            sync.Mutex
	records       map[string]*record
	order         []string
	waiting       []string
	running       int
	maxConcurrent int

	bus          *bus
	lastBatch    domain.BatchState
	lastOverall  float64
	batchKnown   bool
}

// startReq is an admission decision carried out after mu is released, so
// executor calls never run under the manager lock.
type startReq struct {
	id     string
	gen    uint64
	desc   domain.Descriptor
	resume executor.Handle
}

func NewManager(cfg Config, exec executor.Executor) *Manager {
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	} else if cfg.MaxConcurrent < 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Manager{
		cfg:           cfg,
		exec:          exec,
		logger:        cfg.Logger,
		records:       make(map[string]*record),
		maxConcurrent: cfg.MaxConcurrent,
		bus:           newBus(),
	}
}

// Add registers a descriptor and immediately enters admission: the task either
// starts or joins the waiting queue. The returned id is assigned by the
// manager.
func (m *Manager) Add(desc domain.Descriptor) (string, error) {
	if m.cfg.Validate != nil {
		if err := m.cfg.Validate(desc); err != nil {
			return "", fmt.Errorf("invalid descriptor: %w", err)
		}
	}

	id := uuid.NewString()
	now := time.Now().UTC()

	m.mu.Lock()
	r := &record{
		id:        id,
		desc:      desc,
		state:     domain.TaskStateIdle,
		createdAt: now,
		updatedAt: now,
	}
	m.records[id] = r
	m.order = append(m.order, id)
	reqs := m.requestStartLocked(r)
	m.queueEventsLocked(r, true)
	m.mu.Unlock()

	m.logger.WithField("task_id", id).Infof("%s task registered", m.cfg.Name)
	m.perform(reqs)
	m.bus.flush()
	return id, nil
}

// AddAll registers descriptors in order, stopping at the first invalid one.
func (m *Manager) AddAll(descs []domain.Descriptor) ([]string, error) {
	ids := make([]string, 0, len(descs))
	for _, desc := range descs {
		id, err := m.Add(desc)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Start re-enters admission for an Idle, Paused, Failed or Cancelled task.
// Restarting from a terminal state resets progress and the previous outcome.
func (m *Manager) Start(id string) error {
	m.mu.Lock()
	r, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return ErrTaskNotFound
	}

	var reqs []startReq
	switch r.state {
	case domain.TaskStateRunning, domain.TaskStateCompleted:
		// already running or nothing left to do
	case domain.TaskStateIdle:
		reqs = m.requestStartLocked(r)
	case domain.TaskStatePaused:
		reqs = m.requestStartLocked(r)
	case domain.TaskStateFailed, domain.TaskStateCancelled:
		r.progress = 0
		r.errMsg = ""
		r.response = nil
		r.state = domain.TaskStateIdle
		reqs = m.requestStartLocked(r)
	}
	m.queueEventsLocked(r, true)
	m.mu.Unlock()

	m.perform(reqs)
	m.bus.flush()
	return nil
}

// Pause suspends a Running task, releasing its admission slot. If the
// executor cannot suspend, the operation is cancelled and the task parks as
// Paused; resuming it is then a fresh start. Pausing an Idle task (queued or
// not) just marks it Paused; pausing a terminal task is a no-op.
func (m *Manager) Pause(id string) error {
	m.mu.Lock()
	r, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return ErrTaskNotFound
	}

	var (
		handle executor.Handle
		reqs   []startReq
	)
	switch r.state {
	case domain.TaskStateRunning:
		handle = r.handle
		r.handle = nil
		if handle == nil {
			// Start still in flight; fence it so the handle is torn down on
			// arrival. Resume will be a fresh attempt.
			r.gen++
		}
		r.state = domain.TaskStatePaused
		r.updatedAt = time.Now().UTC()
		m.running--
		reqs = m.drainLocked()
	case domain.TaskStateIdle:
		m.unqueueLocked(id)
		r.state = domain.TaskStatePaused
		r.updatedAt = time.Now().UTC()
	default:
		// Paused already, or terminal: idempotent no-op.
	}
	m.queueEventsLocked(r, true)
	m.mu.Unlock()

	if handle != nil {
		if err := handle.Suspend(); err != nil {
			// Cancel-and-requeue: the operation is gone, fence its callbacks.
			m.mu.Lock()
			if cur, ok := m.records[id]; ok && cur.state == domain.TaskStatePaused {
				cur.gen++
			}
			m.mu.Unlock()
			handle.Cancel()
			m.logger.WithField("task_id", id).Info("pause via cancel, transport cannot suspend")
		} else {
			m.mu.Lock()
			if cur, ok := m.records[id]; ok && cur.state == domain.TaskStatePaused {
				cur.suspended = handle
			} else {
				// Cancelled or removed while we were suspending.
				m.mu.Unlock()
				handle.Cancel()
				m.perform(reqs)
				m.bus.flush()
				return nil
			}
			m.mu.Unlock()
		}
	}

	m.perform(reqs)
	m.bus.flush()
	return nil
}

// Resume continues a Paused task, or restarts a Failed/Cancelled one as a
// fresh attempt under the same id.
func (m *Manager) Resume(id string) error {
	return m.Start(id)
}

// Cancel stops a task wherever it is: a queued task is removed from the
// waiting queue synchronously, a running one has its operation torn down
// asynchronously after the state has already flipped. The record survives;
// deleteArtifact additionally removes the destination file and any partial.
func (m *Manager) Cancel(id string, deleteArtifact bool) error {
	m.mu.Lock()
	r, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return ErrTaskNotFound
	}
	handles, reqs := m.cancelLocked(r)
	m.queueEventsLocked(r, true)
	dest := r.desc.DestinationPath
	m.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
	if deleteArtifact {
		m.removeArtifact(dest)
	}
	m.perform(reqs)
	m.bus.flush()
	return nil
}

// cancelLocked flips a non-terminal task to Cancelled and reconciles the
// queue and running count. Returns handles to tear down outside the lock.
func (m *Manager) cancelLocked(r *record) ([]executor.Handle, []startReq) {
	if r.state == domain.TaskStateCancelled {
		return nil, nil
	}

	var handles []executor.Handle
	var reqs []startReq
	switch r.state {
	case domain.TaskStateRunning:
		if r.handle != nil {
			handles = append(handles, r.handle)
			r.handle = nil
		}
		m.running--
		reqs = m.drainLocked()
	case domain.TaskStateIdle:
		m.unqueueLocked(r.id)
	case domain.TaskStateCompleted, domain.TaskStateFailed:
		// keep the outcome fields, only the state flips
	}
	// A suspended operation survives Pause and a queued Resume, so the record
	// may hold one in any of these states. It dies with the task; a later
	// restart must be a fresh start, never a resume of a dead operation.
	if r.suspended != nil {
		handles = append(handles, r.suspended)
		r.suspended = nil
	}
	r.gen++
	r.state = domain.TaskStateCancelled
	r.updatedAt = time.Now().UTC()
	m.logger.WithField("task_id", r.id).Infof("%s task cancelled", m.cfg.Name)
	return handles, reqs
}

// Remove deletes the record entirely, cancelling it first if it is still
// active. deleteArtifact also removes the on-disk artifact.
func (m *Manager) Remove(id string, deleteArtifact bool) error {
	m.mu.Lock()
	r, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return ErrTaskNotFound
	}
	handles, reqs := m.cancelLocked(r)
	delete(m.records, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.queueEventsLocked(r, false)
	dest := r.desc.DestinationPath
	m.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
	if deleteArtifact {
		m.removeArtifact(dest)
	}
	m.perform(reqs)
	m.bus.flush()
	return nil
}

// Batch variants: unknown ids are skipped.

func (m *Manager) StartAll(ids []string) {
	for _, id := range ids {
		_ = m.Start(id)
	}
}

func (m *Manager) PauseAll(ids []string) {
	for _, id := range ids {
		_ = m.Pause(id)
	}
}

func (m *Manager) ResumeAll(ids []string) {
	for _, id := range ids {
		_ = m.Resume(id)
	}
}

func (m *Manager) CancelAll(ids []string, deleteArtifact bool) {
	for _, id := range ids {
		_ = m.Cancel(id, deleteArtifact)
	}
}

func (m *Manager) RemoveAll(ids []string, deleteArtifact bool) {
	for _, id := range ids {
		_ = m.Remove(id, deleteArtifact)
	}
}

// SetMaxConcurrency changes the admission bound. Values below 1 are clamped
// to 1. Freed slots drain the waiting queue immediately; shrinking never
// preempts tasks already running.
func (m *Manager) SetMaxConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	m.mu.Lock()
	m.maxConcurrent = n
	reqs := m.drainLocked()
	m.queueAggregateLocked()
	m.mu.Unlock()

	m.perform(reqs)
	m.bus.flush()
}

// Close cancels every non-terminal task. Used for process shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	m.waiting = nil
	var handles []executor.Handle
	for _, id := range m.order {
		r := m.records[id]
		if r.state.Terminal() {
			continue
		}
		hs, _ := m.cancelLocked(r)
		handles = append(handles, hs...)
	}
	m.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
	m.logger.Infof("%s manager closed", m.cfg.Name)
}

// requestStartLocked admits r if a slot is free, otherwise queues it
// (idempotently) and leaves it Idle.
func (m *Manager) requestStartLocked(r *record) []startReq {
	if m.running < m.maxConcurrent {
		return []startReq{m.admitLocked(r)}
	}
	r.state = domain.TaskStateIdle
	for _, id := range m.waiting {
		if id == r.id {
			return nil
		}
	}
	m.waiting = append(m.waiting, r.id)
	return nil
}

// admitLocked transitions r to Running and claims a slot. A retained
// suspended operation is resumed instead of starting afresh.
func (m *Manager) admitLocked(r *record) startReq {
	m.running++
	r.state = domain.TaskStateRunning
	r.updatedAt = time.Now().UTC()
	if r.suspended != nil {
		h := r.suspended
		r.suspended = nil
		r.handle = h
		return startReq{id: r.id, gen: r.gen, resume: h}
	}
	r.gen++
	return startReq{id: r.id, gen: r.gen, desc: r.desc}
}

// drainLocked pops waiting tasks until the bound is reached again.
func (m *Manager) drainLocked() []startReq {
	var reqs []startReq
	for m.running < m.maxConcurrent && len(m.waiting) > 0 {
		id := m.waiting[0]
		m.waiting = m.waiting[1:]
		r, ok := m.records[id]
		if !ok || r.state != domain.TaskStateIdle {
			continue
		}
		reqs = append(reqs, m.admitLocked(r))
	}
	return reqs
}

func (m *Manager) unqueueLocked(id string) {
	for i, qid := range m.waiting {
		if qid == id {
			m.waiting = append(m.waiting[:i], m.waiting[i+1:]...)
			return
		}
	}
}

// perform carries out admission decisions outside the lock: fresh starts go
// through the executor, retained handles are resumed in place.
func (m *Manager) perform(reqs []startReq) {
	for _, req := range reqs {
		if req.resume != nil {
			if err := req.resume.Resume(); err != nil {
				m.handleComplete(req.id, req.gen, executor.Artifact{}, fmt.Errorf("resume transfer: %w", err))
			}
			continue
		}
		id, gen := req.id, req.gen
		h, err := m.exec.Start(req.desc,
			func(p float64) { m.handleProgress(id, gen, p) },
			func(a executor.Artifact, cerr error) { m.handleComplete(id, gen, a, cerr) },
		)
		m.attachHandle(id, gen, h, err)
	}
}

// attachHandle completes the two-phase start: the task was marked Running
// under the lock, the executor was called outside it, and the returned handle
// is attached here unless the task moved on in between.
func (m *Manager) attachHandle(id string, gen uint64, h executor.Handle, startErr error) {
	m.mu.Lock()
	r, ok := m.records[id]
	if !ok || r.gen != gen {
		m.mu.Unlock()
		if h != nil {
			h.Cancel()
		}
		return
	}
	if startErr != nil {
		m.failLocked(r, startErr)
		m.running--
		reqs := m.drainLocked()
		m.queueEventsLocked(r, true)
		m.mu.Unlock()
		m.perform(reqs)
		m.bus.flush()
		return
	}
	if r.state != domain.TaskStateRunning {
		// Completed before the handle came back, or cancelled with a bumped
		// gen already handled above. Nothing to attach.
		m.mu.Unlock()
		return
	}
	r.handle = h
	m.mu.Unlock()
}

// failLocked flips r to Failed. The caller reconciles the admission slot.
func (m *Manager) failLocked(r *record, err error) {
	r.state = domain.TaskStateFailed
	r.errMsg = err.Error()
	r.handle = nil
	r.suspended = nil
	r.updatedAt = time.Now().UTC()
	m.logger.WithField("task_id", r.id).Errorf("%s task failed: %v", m.cfg.Name, err)
}

// handleProgress marshals an executor progress callback into the manager's
// serialized context. Stale generations and non-running records are dropped.
func (m *Manager) handleProgress(id string, gen uint64, p float64) {
	if p < 0 {
		p = 0
	} else if p > 1 {
		p = 1
	}

	m.mu.Lock()
	r, ok := m.records[id]
	if !ok || r.gen != gen || r.state != domain.TaskStateRunning {
		m.mu.Unlock()
		return
	}
	r.progress = p
	r.updatedAt = time.Now().UTC()
	m.queueEventsLocked(r, true)
	m.mu.Unlock()

	m.bus.flush()
}

// handleComplete marshals an executor completion callback. Late callbacks for
// cancelled or restarted tasks are discarded rather than reviving the record.
func (m *Manager) handleComplete(id string, gen uint64, artifact executor.Artifact, cerr error) {
	var (
		response  any
		decodeErr error
	)
	if cerr == nil && m.cfg.DecodeResponse != nil && len(artifact.Body) > 0 {
		response, decodeErr = m.cfg.DecodeResponse(artifact.Body)
	}

	m.mu.Lock()
	r, ok := m.records[id]
	if !ok || r.gen != gen || r.state.Terminal() {
		m.mu.Unlock()
		return
	}

	// A suspended operation may finish while the task sits Paused or queued;
	// it holds no admission slot then, and must leave the queue.
	wasRunning := r.state == domain.TaskStateRunning
	if !wasRunning {
		m.unqueueLocked(id)
	}

	copyToLibrary := false
	switch {
	case cerr != nil:
		m.failLocked(r, cerr)
	case decodeErr != nil:
		m.failLocked(r, fmt.Errorf("decode response: %w", decodeErr))
	default:
		r.state = domain.TaskStateCompleted
		r.progress = 1
		r.response = response
		r.handle = nil
		r.suspended = nil
		r.updatedAt = time.Now().UTC()
		copyToLibrary = r.desc.CopyToLibrary && m.cfg.MediaLibraryDir != "" && artifact.Path != ""
		m.logger.WithField("task_id", id).Infof("%s task completed", m.cfg.Name)
	}
	if wasRunning {
		m.running--
	}
	reqs := m.drainLocked()
	m.queueEventsLocked(r, true)
	m.mu.Unlock()

	if copyToLibrary {
		if err := copyToDir(artifact.Path, m.cfg.MediaLibraryDir); err != nil {
			m.logger.WithField("task_id", id).Warnf("copy to media library: %v", err)
		}
	}
	m.perform(reqs)
	m.bus.flush()
}

// Get returns an immutable snapshot of one task.
func (m *Manager) Get(id string) (domain.TaskSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return domain.TaskSnapshot{}, false
	}
	return snapshotOf(r), true
}

// List returns snapshots of every task in registration order.
func (m *Manager) List() []domain.TaskSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked(func(*record) bool { return true })
}

// ListActive returns tasks that are neither Completed nor Cancelled.
func (m *Manager) ListActive() []domain.TaskSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked(isActive)
}

// ListCompleted returns tasks in state Completed.
func (m *Manager) ListCompleted() []domain.TaskSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked(isCompleted)
}

// Overall returns the aggregate progress and batch state over all
// non-cancelled tasks.
func (m *Manager) Overall() (float64, domain.BatchState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aggregateLocked()
}

// AddObserver registers o and returns a token for RemoveObserver. Observers
// are never retained past removal.
func (m *Manager) AddObserver(o Observer) int64 {
	return m.bus.add(o)
}

func (m *Manager) RemoveObserver(token int64) {
	m.bus.remove(token)
}

func (m *Manager) listLocked(keep func(*record) bool) []domain.TaskSnapshot {
	out := make([]domain.TaskSnapshot, 0, len(m.order))
	for _, id := range m.order {
		if r := m.records[id]; keep(r) {
			out = append(out, snapshotOf(r))
		}
	}
	return out
}

func isActive(r *record) bool {
	return r.state != domain.TaskStateCompleted && r.state != domain.TaskStateCancelled
}

func isCompleted(r *record) bool {
	return r.state == domain.TaskStateCompleted
}

// aggregateLocked computes mean progress and the coarse batch state over
// non-cancelled tasks. Priority: Running > Paused > Idle > Completed; Failed
// tasks keep the batch out of Completed. An empty set is fully progressed.
func (m *Manager) aggregateLocked() (float64, domain.BatchState) {
	var (
		sum        float64
		n          int
		anyRunning bool
		anyPaused  bool
		anyIdle    bool
	)
	for _, r := range m.records {
		if r.state == domain.TaskStateCancelled {
			continue
		}
		n++
		sum += r.progress
		switch r.state {
		case domain.TaskStateRunning:
			anyRunning = true
		case domain.TaskStatePaused:
			anyPaused = true
		case domain.TaskStateIdle, domain.TaskStateFailed:
			anyIdle = true
		}
	}
	if n == 0 {
		return 1, domain.BatchStateIdle
	}
	state := domain.BatchStateCompleted
	switch {
	case anyRunning:
		state = domain.BatchStateRunning
	case anyPaused:
		state = domain.BatchStatePaused
	case anyIdle:
		state = domain.BatchStateIdle
	}
	return sum / float64(n), state
}

// queueEventsLocked stages the notification set for a task change: the task
// event itself, the refreshed lists, and the aggregate update (batch state
// deduplicated against the last emission). Staging happens while mu is still
// held so the bus queue carries events in production order; delivery is the
// caller's bus.flush after releasing mu.
func (m *Manager) queueEventsLocked(r *record, includeTask bool) {
	var events []event
	if includeTask {
		events = append(events, taskEvent{snap: snapshotOf(r)})
	}
	events = append(events,
		activeListEvent{snaps: m.listLocked(isActive)},
		completedListEvent{snaps: m.listLocked(isCompleted)},
	)
	events = append(events, m.aggregateEventLocked()...)
	m.bus.enqueue(events)
}

func (m *Manager) queueAggregateLocked() {
	m.bus.enqueue(m.aggregateEventLocked())
}

func (m *Manager) aggregateEventLocked() []event {
	progress, state := m.aggregateLocked()
	if m.batchKnown && progress == m.lastOverall && state == m.lastBatch {
		return nil
	}
	m.batchKnown = true
	m.lastOverall = progress
	m.lastBatch = state
	return []event{batchEvent{progress: progress, state: state}}
}

func snapshotOf(r *record) domain.TaskSnapshot {
	return domain.TaskSnapshot{
		ID:         r.id,
		Descriptor: r.desc,
		State:      r.state,
		Progress:   r.progress,
		Error:      r.errMsg,
		Response:   r.response,
		CreatedAt:  r.createdAt,
		UpdatedAt:  r.updatedAt,
	}
}

func (m *Manager) removeArtifact(dest string) {
	if dest == "" {
		return
	}
	for _, p := range []string{dest, dest + ".part"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			m.logger.Warnf("remove artifact %s: %v", p, err)
		}
	}
}
