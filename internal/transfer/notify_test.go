package transfer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transferkit/internal/domain"
)

type batchNote struct {
	progress float64
	state    domain.BatchState
}

type recordingObserver struct {
	mu        sync.Mutex
	tasks     []domain.TaskSnapshot
	active    [][]domain.TaskSnapshot
	completed [][]domain.TaskSnapshot
	batches   []batchNote
}

func (o *recordingObserver) TaskUpdated(snap domain.TaskSnapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tasks = append(o.tasks, snap)
}

func (o *recordingObserver) ActiveTasksChanged(snaps []domain.TaskSnapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active = append(o.active, snaps)
}

func (o *recordingObserver) CompletedTasksChanged(snaps []domain.TaskSnapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed = append(o.completed, snaps)
}

func (o *recordingObserver) BatchUpdated(progress float64, state domain.BatchState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.batches = append(o.batches, batchNote{progress: progress, state: state})
}

func (o *recordingObserver) taskCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.tasks)
}

func (o *recordingObserver) batchNotes() []batchNote {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]batchNote, len(o.batches))
	copy(out, o.batches)
	return out
}

func TestObserverReceivesLifecycleEvents(t *testing.T) {
	exec := &fakeExecutor{}
	m := newTestManager(t, 1, exec)

	obs := &recordingObserver{}
	m.AddObserver(obs)

	ids := addTasks(t, m, 1)
	exec.op(0).progress(0.5)
	exec.op(0).complete()

	require.GreaterOrEqual(t, obs.taskCount(), 3, "registration, progress and completion each notify")

	obs.mu.Lock()
	lastTask := obs.tasks[len(obs.tasks)-1]
	lastCompleted := obs.completed[len(obs.completed)-1]
	obs.mu.Unlock()
	assert.Equal(t, ids[0], lastTask.ID)
	assert.Equal(t, domain.TaskStateCompleted, lastTask.State)
	require.Len(t, lastCompleted, 1)
	assert.Equal(t, ids[0], lastCompleted[0].ID)

	notes := obs.batchNotes()
	require.NotEmpty(t, notes)
	final := notes[len(notes)-1]
	assert.Equal(t, 1.0, final.progress)
	assert.Equal(t, domain.BatchStateCompleted, final.state)
}

func TestBatchNotificationsDeduplicated(t *testing.T) {
	exec := &fakeExecutor{}
	m := newTestManager(t, 1, exec)

	obs := &recordingObserver{}
	m.AddObserver(obs)

	addTasks(t, m, 1)
	// Progress that doesn't move never re-notifies the aggregate.
	exec.op(0).progress(0.5)
	exec.op(0).progress(0.5)
	exec.op(0).progress(0.5)

	notes := obs.batchNotes()
	for i := 1; i < len(notes); i++ {
		assert.NotEqual(t, notes[i-1], notes[i], "consecutive duplicate aggregate notification")
	}
}

func TestConcurrentProducersDeliverInOrder(t *testing.T) {
	exec := &fakeExecutor{}
	m := newTestManager(t, 4, exec)

	obs := &recordingObserver{}
	m.AddObserver(obs)

	addTasks(t, m, 4)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(op *fakeOp) {
			defer wg.Done()
			for _, p := range []float64{0.2, 0.5, 0.8} {
				op.progress(p)
			}
			op.complete()
		}(exec.op(i))
	}
	wg.Wait()

	// Every producer has flushed, so the last delivered events reflect the
	// final state rather than some interleaving's stale snapshot.
	notes := obs.batchNotes()
	require.NotEmpty(t, notes)
	final := notes[len(notes)-1]
	assert.Equal(t, 1.0, final.progress)
	assert.Equal(t, domain.BatchStateCompleted, final.state)

	obs.mu.Lock()
	lastActive := obs.active[len(obs.active)-1]
	lastCompleted := obs.completed[len(obs.completed)-1]
	lastTask := obs.tasks[len(obs.tasks)-1]
	obs.mu.Unlock()
	assert.Empty(t, lastActive)
	assert.Len(t, lastCompleted, 4)
	assert.Equal(t, domain.TaskStateCompleted, lastTask.State)
}

func TestRemovedObserverIsNotCalled(t *testing.T) {
	exec := &fakeExecutor{}
	m := newTestManager(t, 1, exec)

	obs := &recordingObserver{}
	token := m.AddObserver(obs)

	addTasks(t, m, 1)
	seen := obs.taskCount()
	require.Positive(t, seen)

	m.RemoveObserver(token)
	exec.op(0).progress(0.5)
	exec.op(0).complete()

	assert.Equal(t, seen, obs.taskCount())
}

func TestObserversNotifiedIndependently(t *testing.T) {
	exec := &fakeExecutor{}
	m := newTestManager(t, 1, exec)

	first := &recordingObserver{}
	second := &recordingObserver{}
	m.AddObserver(first)
	token := m.AddObserver(second)
	m.RemoveObserver(token)

	addTasks(t, m, 1)
	exec.op(0).complete()

	assert.Positive(t, first.taskCount())
	assert.Zero(t, second.taskCount())
}
