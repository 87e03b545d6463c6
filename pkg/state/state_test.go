package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSnapshot(t *testing.T) {
	snap := NewSnapshot("owner-1")

	assert.Equal(t, SchemaVersion, snap.SchemaVersion)
	assert.Equal(t, "owner-1", snap.OwnerID)
	assert.True(t, snap.EvolutionEnabled)
	assert.False(t, snap.BackgroundEnabled)
	assert.NotNil(t, snap.Tasks)
	assert.NotNil(t, snap.Workers)
	assert.NotNil(t, snap.Providers)
	assert.NotNil(t, snap.Budget.PerTask)
	assert.Empty(t, snap.Queue)
}

func TestTaskTerminal(t *testing.T) {
	terminal := []string{StatusCompleted, StatusFailed, StatusTimeout}
	for _, status := range terminal {
		assert.True(t, (&Task{Status: status}).Terminal(), status)
	}

	live := []string{StatusQueued, StatusRunning, StatusWaitingResult}
	for _, status := range live {
		assert.False(t, (&Task{Status: status}).Terminal(), status)
	}
}

func TestTaskCloneSlotPointer(t *testing.T) {
	slot := 0
	task := &Task{ID: "t1", Status: StatusRunning, AssignedSlot: &slot}

	clone := task.Clone()

	require.NotNil(t, clone.AssignedSlot)
	assert.Equal(t, 0, *clone.AssignedSlot)

	// Slot 0 is a real assignment, distinct from no assignment
	*clone.AssignedSlot = 7
	assert.Equal(t, 0, *task.AssignedSlot)

	unassigned := &Task{ID: "t2", Status: StatusQueued}
	assert.Nil(t, unassigned.Clone().AssignedSlot)
}

func TestSnapshotClone(t *testing.T) {
	snap := NewSnapshot("owner-1")
	started := time.Now().UTC()
	snap.Tasks["t1"] = &Task{ID: "t1", Status: StatusRunning, StartedAt: &started}
	snap.Queue = append(snap.Queue, "t1")
	snap.Workers[0] = &WorkerEntry{SlotID: 0, TaskID: "t1"}
	snap.Budget.PerTask["t1"] = 0.5
	snap.Budget.SpentUSD = 0.5
	cool := time.Now().UTC().Add(time.Minute)
	snap.Providers["groq"] = &ProviderHealth{CooldownUntil: &cool, ConsecutiveFailures: 2}

	clone := snap.Clone()

	clone.Tasks["t1"].Status = StatusCompleted
	clone.Tasks["t2"] = &Task{ID: "t2"}
	clone.Queue[0] = "t2"
	clone.Workers[0].TaskID = "t2"
	clone.Budget.PerTask["t1"] = 9.9
	clone.Providers["groq"].ConsecutiveFailures = 0

	assert.Equal(t, StatusRunning, snap.Tasks["t1"].Status)
	assert.Len(t, snap.Tasks, 1)
	assert.Equal(t, "t1", snap.Queue[0])
	assert.Equal(t, "t1", snap.Workers[0].TaskID)
	assert.Equal(t, 0.5, snap.Budget.PerTask["t1"])
	assert.Equal(t, 2, snap.Providers["groq"].ConsecutiveFailures)
}

func TestNextSeq(t *testing.T) {
	snap := NewSnapshot("owner-1")

	assert.Equal(t, int64(1), snap.NextSeq())
	assert.Equal(t, int64(2), snap.NextSeq())
	assert.Equal(t, int64(2), snap.SeqCounter)
}

func TestQueuedTasksOrder(t *testing.T) {
	snap := NewSnapshot("owner-1")

	add := func(id string, priority int, seq int64) {
		snap.Tasks[id] = &Task{ID: id, Status: StatusQueued, Priority: priority, QueueSeq: seq}
		snap.Queue = append(snap.Queue, id)
	}

	add("bg", PriorityBackground, 1)
	add("first", PriorityTask, 2)
	add("second", PriorityTask, 3)
	add("low", PriorityLow, 4)
	// Front enqueue uses a negative seq to jump its class
	add("urgent", PriorityTask, -5)

	// Running tasks are not part of the queue view
	snap.Tasks["running"] = &Task{ID: "running", Status: StatusRunning}
	snap.Queue = append(snap.Queue, "running")

	queued := snap.QueuedTasks()

	require.Len(t, queued, 5)
	assert.Equal(t, "urgent", queued[0].ID)
	assert.Equal(t, "first", queued[1].ID)
	assert.Equal(t, "second", queued[2].ID)
	assert.Equal(t, "bg", queued[3].ID)
	assert.Equal(t, "low", queued[4].ID)
}
