package saga

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"saga-coordinator/internal/comm"
	"saga-coordinator/internal/observability"
)

// Communicator is the transport the engine drives steps through. Implemented
// by comm.Client; faked in tests.
type Communicator interface {
	Send(ctx context.Context, participant, endpoint, method string, body any, timeout time.Duration) (json.RawMessage, error)
}

// envelope is the part of every action response the engine inspects. A 2xx
// response carrying ok=false is a business refusal: a non-retryable step
// failure that triggers compensation.
type envelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

const errorKindRefused = "BUSINESS_REFUSAL"

// ExecutionResult summarizes a completed run.
type ExecutionResult struct {
	SagaID             string              `json:"saga_id"`
	Status             Status              `json:"status"`
	SucceededStepCount int                 `json:"succeeded_step_count"`
	FailedStepIndex    *int                `json:"failed_step_index,omitempty"`
	CompensatedSteps   int                 `json:"compensated_step_count"`
	ErrorSummary       string              `json:"error,omitempty"`
	ExecutionLog       []ExecutionLogEntry `json:"execution_log"`
}

// CompensationResult summarizes a reverse sweep.
type CompensationResult struct {
	Attempted   int `json:"attempted"`
	Compensated int `json:"compensated"`
	Failed      int `json:"failed"`
}

// Engine drives sagas to a terminal state. One engine instance serves many
// concurrent sagas; each saga is mutated by exactly one Execute call.
type Engine struct {
	comm    Communicator
	logger  *zap.Logger
	metrics *observability.Collector
	journal Journal
	tracer  trace.Tracer
}

// NewEngine builds an engine. journal may be nil to disable journaling;
// tracer may be nil for a noop tracer.
func NewEngine(communicator Communicator, logger *zap.Logger, metrics *observability.Collector, journal Journal, tracer trace.Tracer) *Engine {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("saga-engine")
	}
	return &Engine{
		comm:    communicator,
		logger:  logger,
		metrics: metrics,
		journal: journal,
		tracer:  tracer,
	}
}

// Execute runs every step of the saga in order, merging each response into
// the shared context, and compensates in reverse on the first failure.
// Cancellation of ctx is sampled only between steps; a dispatched step always
// finishes before the saga transitions to ABORTED.
func (e *Engine) Execute(ctx context.Context, s *Saga) *ExecutionResult {
	ctx, span := e.tracer.Start(ctx, "saga.execute",
		trace.WithAttributes(attribute.String("saga.id", s.ID)))
	defer span.End()

	e.metrics.SagasStarted.Inc()
	e.logger.Info("executing saga",
		zap.String("saga_id", s.ID),
		zap.Int("steps", len(s.Steps)),
	)

	// Once a step has been dispatched it must complete; the abort signal is
	// honored only at step boundaries.
	sendCtx := context.WithoutCancel(ctx)

	var errorSummary string

	for i, step := range s.Steps {
		if ctx.Err() != nil {
			e.logger.Info("abort requested, stopping before next step",
				zap.String("saga_id", s.ID),
				zap.Int("step", i),
			)
			s.setStatus(StatusAborted)
			e.metrics.SagasAborted.Inc()
			e.Compensate(sendCtx, s, i)
			e.record(sendCtx, s)
			return e.result(s, "aborted by external signal")
		}

		refused, err := e.executeStep(sendCtx, s, i)
		if err != nil {
			errorSummary = err.Error()
			s.setFailedStep(i)

			// A refused step that still returned a body may hold partial
			// state (e.g. a partial reservation); release it first.
			if refused && step.CompensateOnRefusal && len(step.ResponseBody) > 0 {
				e.compensateStep(sendCtx, s, i)
			}

			e.Compensate(sendCtx, s, i)
			s.setStatus(StatusFailed)
			e.metrics.SagasFailed.Inc()
			e.record(sendCtx, s)

			e.logger.Warn("saga failed",
				zap.String("saga_id", s.ID),
				zap.Int("failed_step", i),
				zap.String("error", errorSummary),
			)
			return e.result(s, errorSummary)
		}
	}

	s.setStatus(StatusCompleted)
	e.metrics.SagasCompleted.Inc()
	e.record(sendCtx, s)

	e.logger.Info("saga completed",
		zap.String("saga_id", s.ID),
		zap.Int("steps", len(s.Steps)),
	)
	return e.result(s, "")
}

// executeStep runs one forward step. The second return reports whether the
// failure was a business refusal (2xx with ok=false) rather than a transport
// error.
func (e *Engine) executeStep(ctx context.Context, s *Saga, index int) (refused bool, err error) {
	step := s.Steps[index]

	ctx, span := e.tracer.Start(ctx, "saga.step",
		trace.WithAttributes(
			attribute.String("saga.id", s.ID),
			attribute.String("saga.participant", step.Participant),
			attribute.Int("saga.step", index),
		))
	defer span.End()

	started := time.Now().UTC()

	s.mu.Lock()
	step.Status = StepInFlight
	step.StartedAt = started
	step.RequestBody = step.BuildPayload(s.Context)
	s.mu.Unlock()

	response, sendErr := e.comm.Send(ctx, step.Participant, resolveEndpoint(step.ActionEndpoint, s.Context), http.MethodPost, step.RequestBody, step.Timeout)
	finished := time.Now().UTC()

	fail := func(kind, detail string) {
		s.mu.Lock()
		step.Status = StepFailed
		step.FinishedAt = finished
		step.ErrorKind = kind
		step.ErrorDetail = detail
		s.mu.Unlock()

		s.appendLog(ExecutionLogEntry{
			Index:       index,
			Participant: step.Participant,
			Phase:       PhaseForward,
			Outcome:     OutcomeFailure,
			Elapsed:     finished.Sub(started),
			ErrorKind:   kind,
			ErrorDetail: detail,
			StartedAt:   started,
			FinishedAt:  finished,
		})
		e.metrics.ObserveStep(step.Participant, string(PhaseForward), string(OutcomeFailure), finished.Sub(started))
		e.record(ctx, s)
	}

	if sendErr != nil {
		kind := string(comm.KindOf(sendErr))
		if kind == "" {
			kind = "INTERNAL"
		}
		fail(kind, sendErr.Error())
		return false, sendErr
	}

	var env envelope
	if unmarshalErr := json.Unmarshal(response, &env); unmarshalErr != nil {
		fail(string(comm.KindDecodeError), unmarshalErr.Error())
		return false, unmarshalErr
	}

	if !env.OK {
		s.mu.Lock()
		step.ResponseBody = response
		s.mu.Unlock()
		fail(errorKindRefused, env.Error)
		return true, &refusalError{participant: step.Participant, reason: env.Error}
	}

	s.mu.Lock()
	step.ResponseBody = response
	mergeErr := step.MergeResponse(response, s.Context)
	if mergeErr == nil {
		step.Status = StepSucceeded
		step.FinishedAt = finished
	}
	s.mu.Unlock()

	if mergeErr != nil {
		fail(string(comm.KindDecodeError), mergeErr.Error())
		return false, mergeErr
	}

	s.appendLog(ExecutionLogEntry{
		Index:       index,
		Participant: step.Participant,
		Phase:       PhaseForward,
		Outcome:     OutcomeSuccess,
		Elapsed:     finished.Sub(started),
		StartedAt:   started,
		FinishedAt:  finished,
	})
	e.metrics.ObserveStep(step.Participant, string(PhaseForward), string(OutcomeSuccess), finished.Sub(started))
	e.record(ctx, s)

	e.logger.Debug("step succeeded",
		zap.String("saga_id", s.ID),
		zap.Int("step", index),
		zap.String("participant", step.Participant),
		zap.Duration("elapsed", finished.Sub(started)),
	)
	return false, nil
}

// Compensate walks successfully executed steps in strictly descending index
// order starting below fromIndex. Individual compensation failures are
// recorded and the sweep continues; it never flips the saga back to a
// non-terminal state.
func (e *Engine) Compensate(ctx context.Context, s *Saga, fromIndex int) CompensationResult {
	var result CompensationResult

	for j := fromIndex - 1; j >= 0; j-- {
		s.mu.RLock()
		status := s.Steps[j].Status
		s.mu.RUnlock()
		if status != StepSucceeded {
			continue
		}

		result.Attempted++
		if e.compensateStep(ctx, s, j) {
			result.Compensated++
		} else {
			result.Failed++
		}
	}

	return result
}

// compensateStep invokes one compensation endpoint and reports success. A
// step that failed forward (the refusal-release path) keeps its failed
// provenance: success moves it to FAILED_COMPENSATED, and a release failure
// leaves the original refusal record untouched beyond the log entry.
func (e *Engine) compensateStep(ctx context.Context, s *Saga, index int) bool {
	step := s.Steps[index]
	started := time.Now().UTC()

	s.mu.RLock()
	prior := step.Status
	payload, payloadErr := s.Context.compensationPayload(step.RequestBody, step.ResponseBody)
	endpoint := resolveEndpoint(step.CompensationEndpoint, s.Context)
	s.mu.RUnlock()

	var sendErr error
	if payloadErr != nil {
		sendErr = payloadErr
	} else {
		_, sendErr = e.comm.Send(ctx, step.Participant, endpoint, http.MethodPost, payload, step.Timeout)
	}
	finished := time.Now().UTC()

	if sendErr != nil {
		s.mu.Lock()
		if prior == StepSucceeded {
			step.Status = StepCompensationFailed
			step.ErrorKind = string(comm.KindOf(sendErr))
			step.ErrorDetail = sendErr.Error()
		}
		s.mu.Unlock()

		s.appendLog(ExecutionLogEntry{
			Index:       index,
			Participant: step.Participant,
			Phase:       PhaseCompensation,
			Outcome:     OutcomeFailure,
			Elapsed:     finished.Sub(started),
			ErrorKind:   string(comm.KindOf(sendErr)),
			ErrorDetail: sendErr.Error(),
			StartedAt:   started,
			FinishedAt:  finished,
		})
		e.metrics.Compensations.WithLabelValues(step.Participant, string(OutcomeFailure)).Inc()
		e.record(ctx, s)

		e.logger.Error("compensation failed, continuing sweep",
			zap.String("saga_id", s.ID),
			zap.Int("step", index),
			zap.String("participant", step.Participant),
			zap.Error(sendErr),
		)
		return false
	}

	s.mu.Lock()
	if prior == StepFailed {
		step.Status = StepFailedCompensated
	} else {
		step.Status = StepCompensated
	}
	s.mu.Unlock()

	s.appendLog(ExecutionLogEntry{
		Index:       index,
		Participant: step.Participant,
		Phase:       PhaseCompensation,
		Outcome:     OutcomeSuccess,
		Elapsed:     finished.Sub(started),
		StartedAt:   started,
		FinishedAt:  finished,
	})
	e.metrics.Compensations.WithLabelValues(step.Participant, string(OutcomeSuccess)).Inc()
	e.record(ctx, s)

	e.logger.Info("step compensated",
		zap.String("saga_id", s.ID),
		zap.Int("step", index),
		zap.String("participant", step.Participant),
	)
	return true
}

func (e *Engine) result(s *Saga, errorSummary string) *ExecutionResult {
	snap := s.Snapshot()

	compensated := 0
	for _, step := range snap.Steps {
		if step.Status == StepCompensated {
			compensated++
		}
	}

	return &ExecutionResult{
		SagaID:             snap.SagaID,
		Status:             snap.Status,
		SucceededStepCount: s.SucceededSteps(),
		FailedStepIndex:    snap.FailedStepIndex,
		CompensatedSteps:   compensated,
		ErrorSummary:       errorSummary,
		ExecutionLog:       snap.ExecutionLog,
	}
}

// record pushes the current snapshot to the journal, if one is configured.
func (e *Engine) record(ctx context.Context, s *Saga) {
	if e.journal == nil {
		return
	}
	if err := e.journal.Record(ctx, s.Snapshot()); err != nil {
		e.logger.Warn("journal write failed",
			zap.String("saga_id", s.ID),
			zap.Error(err),
		)
	}
}

// resolveEndpoint substitutes path placeholders from the shared context.
func resolveEndpoint(endpoint string, sctx *Context) string {
	if strings.Contains(endpoint, "{order_id}") {
		return strings.ReplaceAll(endpoint, "{order_id}", sctx.OrderID)
	}
	return endpoint
}

// refusalError marks a business refusal (2xx + ok=false).
type refusalError struct {
	participant string
	reason      string
}

func (e *refusalError) Error() string {
	if e.reason == "" {
		return e.participant + " refused the request"
	}
	return e.participant + " refused the request: " + e.reason
}
