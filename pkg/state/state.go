package state

import (
	"sort"
	"time"
)

// SchemaVersion is bumped whenever the snapshot layout changes in a way
// an older binary cannot read.
const SchemaVersion = 1

// Task status values. Terminal states are completed, failed and timeout.
const (
	StatusQueued        = "queued"
	StatusRunning       = "running"
	StatusWaitingResult = "waiting_result"
	StatusCompleted     = "completed"
	StatusFailed        = "failed"
	StatusTimeout       = "timeout"
)

// Task origin values.
const (
	OriginOwner      = "owner"
	OriginSelf       = "self"
	OriginBackground = "background"
)

// Queue priority classes. Lower runs first; FIFO within a class.
const (
	PriorityTask       = 0 // owner-submitted and review work
	PriorityBackground = 1 // self-scheduled background cycles
	PriorityLow        = 2
)

// Task is the scheduler's record of one unit of work. A retry never
// reuses an id; it creates a new task pointing back via OriginalTaskID.
type Task struct {
	ID             string     `json:"id"`
	Description    string     `json:"description"`
	Context        string     `json:"context,omitempty"`
	Origin         string     `json:"origin"`
	Priority       int        `json:"priority"`
	QueueSeq       int64      `json:"queue_seq"`
	Status         string     `json:"status"`
	ParentID       string     `json:"parent_id,omitempty"`
	OriginalTaskID string     `json:"original_task_id,omitempty"`
	Depth          int        `json:"depth"`
	Attempt        int        `json:"attempt"`
	AssignedSlot   *int       `json:"assigned_slot,omitempty"`
	MaxRounds      int        `json:"max_rounds,omitempty"`
	RoundCount     int        `json:"round_count"`
	BudgetUsed     float64    `json:"budget_used"`
	Result         string     `json:"result,omitempty"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// Terminal reports whether the task has reached a final state.
func (t *Task) Terminal() bool {
	switch t.Status {
	case StatusCompleted, StatusFailed, StatusTimeout:
		return true
	}
	return false
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	if t.AssignedSlot != nil {
		slot := *t.AssignedSlot
		c.AssignedSlot = &slot
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.FinishedAt != nil {
		ts := *t.FinishedAt
		c.FinishedAt = &ts
	}
	return &c
}

// WorkerEntry is the persisted view of one pool slot.
type WorkerEntry struct {
	SlotID        int        `json:"slot_id"`
	TaskID        string     `json:"task_id,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
}

// Clone returns a deep copy of the entry.
func (w *WorkerEntry) Clone() *WorkerEntry {
	c := *w
	if w.StartedAt != nil {
		ts := *w.StartedAt
		c.StartedAt = &ts
	}
	if w.LastHeartbeat != nil {
		ts := *w.LastHeartbeat
		c.LastHeartbeat = &ts
	}
	return &c
}

// Ledger holds the budget figures. The conservation invariant is that
// SpentUSD equals the sum of PerTask plus BackgroundUSD.
type Ledger struct {
	TotalUSD      float64            `json:"total_usd"`
	SpentUSD      float64            `json:"spent_usd"`
	BackgroundUSD float64            `json:"background_usd"`
	PerTask       map[string]float64 `json:"per_task"`
}

// Clone returns a deep copy of the ledger.
func (l *Ledger) Clone() Ledger {
	c := *l
	c.PerTask = make(map[string]float64, len(l.PerTask))
	for k, v := range l.PerTask {
		c.PerTask[k] = v
	}
	return c
}

// ProviderHealth tracks failover bookkeeping for one provider.
type ProviderHealth struct {
	CooldownUntil       *time.Time `json:"cooldown_until,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
}

// Clone returns a deep copy of the health record.
func (p *ProviderHealth) Clone() *ProviderHealth {
	c := *p
	if p.CooldownUntil != nil {
		ts := *p.CooldownUntil
		c.CooldownUntil = &ts
	}
	return &c
}

// CircuitState records the chain-wide breaker. Once tripped it stays
// tripped across restarts until explicitly re-enabled.
type CircuitState struct {
	Tripped       bool       `json:"tripped"`
	TrippedAt     *time.Time `json:"tripped_at,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	ChainFailures int        `json:"chain_failures"`
}

// BackgroundState carries the self-scheduling loop's bookkeeping.
type BackgroundState struct {
	NextWakeup          *time.Time `json:"next_wakeup,omitempty"`
	LastCycleAt         *time.Time `json:"last_cycle_at,omitempty"`
	LastReportAt        *time.Time `json:"last_report_at,omitempty"`
	CycleCount          int        `json:"cycle_count"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
}

// Snapshot is the single process-wide state. It is loaded at boot,
// mutated only under the store lock and persisted after each mutation.
type Snapshot struct {
	SchemaVersion     int                        `json:"schema_version"`
	OwnerID           string                     `json:"owner_id"`
	SavedAt           time.Time                  `json:"saved_at"`
	EvolutionEnabled  bool                       `json:"evolution_enabled"`
	BackgroundEnabled bool                       `json:"background_enabled"`
	SeqCounter        int64                      `json:"seq_counter"`
	Tasks             map[string]*Task           `json:"tasks"`
	Queue             []string                   `json:"queue"`
	Workers           map[int]*WorkerEntry       `json:"workers"`
	Budget            Ledger                     `json:"budget"`
	Providers         map[string]*ProviderHealth `json:"providers"`
	Circuit           CircuitState               `json:"circuit"`
	Background        BackgroundState            `json:"background"`
}

// NewSnapshot returns an empty snapshot at the current schema version.
func NewSnapshot(ownerID string) *Snapshot {
	return &Snapshot{
		SchemaVersion:     SchemaVersion,
		OwnerID:           ownerID,
		EvolutionEnabled:  true,
		BackgroundEnabled: false,
		Tasks:             make(map[string]*Task),
		Queue:             []string{},
		Workers:           make(map[int]*WorkerEntry),
		Budget: Ledger{
			PerTask: make(map[string]float64),
		},
		Providers: make(map[string]*ProviderHealth),
	}
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	c := *s

	c.Tasks = make(map[string]*Task, len(s.Tasks))
	for id, task := range s.Tasks {
		c.Tasks[id] = task.Clone()
	}

	c.Queue = make([]string, len(s.Queue))
	copy(c.Queue, s.Queue)

	c.Workers = make(map[int]*WorkerEntry, len(s.Workers))
	for id, w := range s.Workers {
		c.Workers[id] = w.Clone()
	}

	c.Budget = s.Budget.Clone()

	c.Providers = make(map[string]*ProviderHealth, len(s.Providers))
	for name, p := range s.Providers {
		c.Providers[name] = p.Clone()
	}

	if s.Circuit.TrippedAt != nil {
		ts := *s.Circuit.TrippedAt
		c.Circuit.TrippedAt = &ts
	}

	if s.Background.NextWakeup != nil {
		ts := *s.Background.NextWakeup
		c.Background.NextWakeup = &ts
	}
	if s.Background.LastCycleAt != nil {
		ts := *s.Background.LastCycleAt
		c.Background.LastCycleAt = &ts
	}
	if s.Background.LastReportAt != nil {
		ts := *s.Background.LastReportAt
		c.Background.LastReportAt = &ts
	}

	return &c
}

// NextSeq increments and returns the queue sequence counter.
func (s *Snapshot) NextSeq() int64 {
	s.SeqCounter++
	return s.SeqCounter
}

// QueuedTasks returns the queued tasks sorted by (priority, seq).
// Front-enqueued tasks carry a negative seq and sort first within
// their class.
func (s *Snapshot) QueuedTasks() []*Task {
	var queued []*Task
	for _, id := range s.Queue {
		if t, ok := s.Tasks[id]; ok && t.Status == StatusQueued {
			queued = append(queued, t)
		}
	}
	sort.Slice(queued, func(i, j int) bool {
		if queued[i].Priority != queued[j].Priority {
			return queued[i].Priority < queued[j].Priority
		}
		return queued[i].QueueSeq < queued[j].QueueSeq
	})
	return queued
}
