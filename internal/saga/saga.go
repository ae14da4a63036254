// Package saga implements the orchestration engine: a state machine that
// drives an ordered list of steps against remote participants, carrying a
// shared context forward and running compensations in reverse on failure.
package saga

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the saga lifecycle state.
type Status string

const (
	StatusStarted   Status = "STARTED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusAborted   Status = "ABORTED"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// StepStatus tracks one step through a run. Transitions are monotonic:
// PENDING -> IN_FLIGHT -> SUCCEEDED|FAILED, then SUCCEEDED ->
// COMPENSATED|COMPENSATION_FAILED during the reverse sweep. A refused step
// whose partial effects were released moves FAILED -> FAILED_COMPENSATED,
// never to COMPENSATED: the forward call still failed.
type StepStatus string

const (
	StepPending            StepStatus = "PENDING"
	StepInFlight           StepStatus = "IN_FLIGHT"
	StepSucceeded          StepStatus = "SUCCEEDED"
	StepFailed             StepStatus = "FAILED"
	StepCompensated        StepStatus = "COMPENSATED"
	StepCompensationFailed StepStatus = "COMPENSATION_FAILED"
	StepFailedCompensated  StepStatus = "FAILED_COMPENSATED"
)

// Phase distinguishes forward execution from the compensation sweep.
type Phase string

const (
	PhaseForward      Phase = "FORWARD"
	PhaseCompensation Phase = "COMPENSATION"
)

// Outcome is the result of one logged operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "FAILURE"
)

// ExecutionLogEntry is an append-only record of one forward or compensation
// call. Entries are never mutated after write.
type ExecutionLogEntry struct {
	Index       int           `json:"index"`
	Participant string        `json:"participant"`
	Phase       Phase         `json:"phase"`
	Outcome     Outcome       `json:"outcome"`
	Elapsed     time.Duration `json:"elapsed_ns"`
	ErrorKind   string        `json:"error_kind,omitempty"`
	ErrorDetail string        `json:"error_detail,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
}

// PayloadBuilder derives a step's request body from the shared context. It
// must be a pure function: no context mutation.
type PayloadBuilder func(*Context) any

// ResponseMerger folds a successful response back into the shared context.
// This is the only sanctioned way the context gains data.
type ResponseMerger func(json.RawMessage, *Context) error

// Step is one interaction with one participant: an action plus its
// compensation. Endpoint paths may contain an {order_id} placeholder that is
// resolved from the context at call time.
type Step struct {
	Participant          string
	Name                 string
	ActionEndpoint       string
	CompensationEndpoint string
	Timeout              time.Duration

	// CompensateOnRefusal marks a step whose business refusal may leave
	// partial effects behind (e.g. a partial inventory reservation). Such a
	// step is included in the compensation sweep when it returned a body.
	CompensateOnRefusal bool

	BuildPayload  PayloadBuilder
	MergeResponse ResponseMerger

	// Runtime state, owned by the engine.
	Status       StepStatus
	RequestBody  any
	ResponseBody json.RawMessage
	ErrorKind    string
	ErrorDetail  string
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Saga is one run of a workflow. It is mutated only by the engine task that
// owns it; the mutex exists so the registry can take consistent snapshots
// while the run is in flight.
type Saga struct {
	mu sync.RWMutex

	ID              string
	Status          Status
	Steps           []*Step
	Context         *Context
	Log             []ExecutionLogEntry
	FailedStepIndex *int
	CreatedAt       time.Time
}

// New creates a saga in STARTED state with a fresh ID. The saga ID is copied
// into the shared context so every participant payload can carry it.
func New(steps []*Step, sctx *Context) *Saga {
	id := uuid.New().String()
	if sctx == nil {
		sctx = &Context{}
	}
	sctx.SagaID = id

	for _, step := range steps {
		step.Status = StepPending
	}

	return &Saga{
		ID:        id,
		Status:    StatusStarted,
		Steps:     steps,
		Context:   sctx,
		CreatedAt: time.Now().UTC(),
	}
}

// StepSnapshot is a read-only copy of a step's runtime state.
type StepSnapshot struct {
	Index        int             `json:"index"`
	Participant  string          `json:"participant"`
	Name         string          `json:"name"`
	Status       StepStatus      `json:"status"`
	ResponseBody json.RawMessage `json:"response_data,omitempty"`
	ErrorKind    string          `json:"error_kind,omitempty"`
	ErrorDetail  string          `json:"error_detail,omitempty"`
}

// Snapshot is a read-only copy of a saga, safe to hand across tasks.
type Snapshot struct {
	SagaID          string              `json:"saga_id"`
	Status          Status              `json:"status"`
	FailedStepIndex *int                `json:"failed_step_index,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	Context         Context             `json:"context"`
	Steps           []StepSnapshot      `json:"steps"`
	ExecutionLog    []ExecutionLogEntry `json:"execution_log"`
}

// Snapshot returns a consistent copy of the saga's observable state.
func (s *Saga) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	steps := make([]StepSnapshot, len(s.Steps))
	for i, step := range s.Steps {
		steps[i] = StepSnapshot{
			Index:        i,
			Participant:  step.Participant,
			Name:         step.Name,
			Status:       step.Status,
			ResponseBody: step.ResponseBody,
			ErrorKind:    step.ErrorKind,
			ErrorDetail:  step.ErrorDetail,
		}
	}

	log := make([]ExecutionLogEntry, len(s.Log))
	copy(log, s.Log)

	var failed *int
	if s.FailedStepIndex != nil {
		idx := *s.FailedStepIndex
		failed = &idx
	}

	return Snapshot{
		SagaID:          s.ID,
		Status:          s.Status,
		FailedStepIndex: failed,
		CreatedAt:       s.CreatedAt,
		Context:         s.Context.Clone(),
		Steps:           steps,
		ExecutionLog:    log,
	}
}

// CurrentStatus reads the saga status under the lock.
func (s *Saga) CurrentStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Status
}

// SucceededSteps counts steps whose forward call succeeded: SUCCEEDED plus
// the reverse-sweep statuses, which only ever follow a forward success.
// FAILED_COMPENSATED is excluded; releasing a refused step's partial effects
// does not make the step a success.
func (s *Saga) SucceededSteps() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.succeededStepsLocked()
}

func (s *Saga) succeededStepsLocked() int {
	n := 0
	for _, step := range s.Steps {
		switch step.Status {
		case StepSucceeded, StepCompensated, StepCompensationFailed:
			n++
		}
	}
	return n
}

func (s *Saga) setStatus(status Status) {
	s.mu.Lock()
	s.Status = status
	s.mu.Unlock()
}

func (s *Saga) setFailedStep(index int) {
	s.mu.Lock()
	s.FailedStepIndex = &index
	s.mu.Unlock()
}

func (s *Saga) appendLog(entry ExecutionLogEntry) {
	s.mu.Lock()
	s.Log = append(s.Log, entry)
	s.mu.Unlock()
}
