package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"saga-coordinator/internal/observability"
)

// fakeComm scripts participant behavior per endpoint and records every call
// in dispatch order.
type fakeComm struct {
	responses map[string]fakeResponse
	calls     []fakeCall

	// onCall fires before each call is answered, with its index.
	onCall func(n int)
}

type fakeResponse struct {
	body json.RawMessage
	err  error
}

type fakeCall struct {
	participant string
	endpoint    string
	method      string
	body        any
}

func newFakeComm() *fakeComm {
	return &fakeComm{responses: make(map[string]fakeResponse)}
}

func (f *fakeComm) ok(endpoint string, body string) {
	f.responses[endpoint] = fakeResponse{body: json.RawMessage(body)}
}

func (f *fakeComm) fail(endpoint string, err error) {
	f.responses[endpoint] = fakeResponse{err: err}
}

func (f *fakeComm) Send(_ context.Context, participant, endpoint, method string, body any, _ time.Duration) (json.RawMessage, error) {
	if f.onCall != nil {
		f.onCall(len(f.calls))
	}
	f.calls = append(f.calls, fakeCall{participant: participant, endpoint: endpoint, method: method, body: body})

	resp, ok := f.responses[endpoint]
	if !ok {
		return json.RawMessage(`{"ok":true}`), nil
	}
	return resp.body, resp.err
}

func (f *fakeComm) endpoints() []string {
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.endpoint
	}
	return out
}

func newTestEngine(comm Communicator, journal Journal) *Engine {
	return NewEngine(comm, zap.NewNop(), observability.NewCollector("saga_test"), journal, nil)
}

// testStep builds a minimal step with a no-op merger.
func testStep(participant string) *Step {
	return &Step{
		Participant:          participant,
		Name:                 participant + "_step",
		ActionEndpoint:       "/api/" + participant + "/do",
		CompensationEndpoint: "/api/" + participant + "/undo",
		BuildPayload: func(c *Context) any {
			return map[string]string{"saga_id": c.SagaID}
		},
		MergeResponse: func(json.RawMessage, *Context) error { return nil },
	}
}

func testSteps(participants ...string) []*Step {
	steps := make([]*Step, len(participants))
	for i, p := range participants {
		steps[i] = testStep(p)
	}
	return steps
}

func TestExecuteAllStepsSucceed(t *testing.T) {
	comm := newFakeComm()
	engine := newTestEngine(comm, nil)

	s := New(testSteps("order", "inventory", "payment"), &Context{CustomerID: "cust-1"})
	result := engine.Execute(context.Background(), s)

	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 3, result.SucceededStepCount)
	assert.Nil(t, result.FailedStepIndex)
	assert.Zero(t, result.CompensatedSteps)

	assert.Equal(t, []string{"/api/order/do", "/api/inventory/do", "/api/payment/do"}, comm.endpoints())
	for _, step := range s.Snapshot().Steps {
		assert.Equal(t, StepSucceeded, step.Status)
	}

	require.Len(t, result.ExecutionLog, 3)
	for i, entry := range result.ExecutionLog {
		assert.Equal(t, i, entry.Index)
		assert.Equal(t, PhaseForward, entry.Phase)
		assert.Equal(t, OutcomeSuccess, entry.Outcome)
	}
}

func TestExecuteCompensatesInReverseOnFailure(t *testing.T) {
	comm := newFakeComm()
	comm.fail("/api/payment/do", errors.New("connection refused"))
	engine := newTestEngine(comm, nil)

	s := New(testSteps("order", "inventory", "payment", "shipping"), nil)
	result := engine.Execute(context.Background(), s)

	assert.Equal(t, StatusFailed, result.Status)
	require.NotNil(t, result.FailedStepIndex)
	assert.Equal(t, 2, *result.FailedStepIndex)
	assert.Equal(t, 2, result.CompensatedSteps)

	assert.Equal(t, []string{
		"/api/order/do",
		"/api/inventory/do",
		"/api/payment/do",
		"/api/inventory/undo",
		"/api/order/undo",
	}, comm.endpoints())

	steps := s.Snapshot().Steps
	assert.Equal(t, StepCompensated, steps[0].Status)
	assert.Equal(t, StepCompensated, steps[1].Status)
	assert.Equal(t, StepFailed, steps[2].Status)
	assert.Equal(t, StepPending, steps[3].Status)
}

func TestExecuteBusinessRefusalStopsWithoutRetry(t *testing.T) {
	comm := newFakeComm()
	comm.ok("/api/inventory/do", `{"ok":false,"error":"insufficient stock"}`)
	engine := newTestEngine(comm, nil)

	s := New(testSteps("order", "inventory"), nil)
	result := engine.Execute(context.Background(), s)

	assert.Equal(t, StatusFailed, result.Status)
	assert.Contains(t, result.ErrorSummary, "insufficient stock")

	steps := s.Snapshot().Steps
	assert.Equal(t, StepFailed, steps[1].Status)
	assert.Equal(t, "BUSINESS_REFUSAL", steps[1].ErrorKind)
	assert.Equal(t, StepCompensated, steps[0].Status)
}

func TestExecuteRefusalWithPartialStateIsReleased(t *testing.T) {
	comm := newFakeComm()
	comm.ok("/api/inventory/do", `{"ok":false,"error":"partial stock","reservations":[{"product_id":"p1","quantity":2}]}`)
	engine := newTestEngine(comm, nil)

	steps := testSteps("order", "inventory")
	steps[1].CompensateOnRefusal = true

	s := New(steps, nil)
	result := engine.Execute(context.Background(), s)

	assert.Equal(t, StatusFailed, result.Status)

	// The refused step's own release runs before the regular reverse sweep.
	assert.Equal(t, []string{
		"/api/order/do",
		"/api/inventory/do",
		"/api/inventory/undo",
		"/api/order/undo",
	}, comm.endpoints())

	release := comm.calls[2]
	payload, ok := release.body.(map[string]any)
	require.True(t, ok)
	raw, err := json.Marshal(payload["original_response"])
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"product_id":"p1"`)

	// Releasing the partial reservation does not turn the refusal into a
	// forward success: only step 0 succeeded.
	assert.Equal(t, 1, result.SucceededStepCount)
	assert.Equal(t, 1, result.CompensatedSteps)

	snapSteps := s.Snapshot().Steps
	assert.Equal(t, StepCompensated, snapSteps[0].Status)
	assert.Equal(t, StepFailedCompensated, snapSteps[1].Status)
}

func TestExecuteRefusalReleaseFailureKeepsRefusalRecord(t *testing.T) {
	comm := newFakeComm()
	comm.ok("/api/inventory/do", `{"ok":false,"error":"partial stock","reservations":[{"product_id":"p1","quantity":2}]}`)
	comm.fail("/api/inventory/undo", errors.New("release unreachable"))
	engine := newTestEngine(comm, nil)

	steps := testSteps("order", "inventory")
	steps[1].CompensateOnRefusal = true

	s := New(steps, nil)
	result := engine.Execute(context.Background(), s)

	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, 1, result.SucceededStepCount)

	snapSteps := s.Snapshot().Steps
	assert.Equal(t, StepFailed, snapSteps[1].Status)
	assert.Equal(t, "BUSINESS_REFUSAL", snapSteps[1].ErrorKind)
}

func TestExecuteCompensationFailureDoesNotStopSweep(t *testing.T) {
	comm := newFakeComm()
	comm.fail("/api/payment/do", errors.New("down"))
	comm.fail("/api/inventory/undo", errors.New("release failed"))
	engine := newTestEngine(comm, nil)

	s := New(testSteps("order", "inventory", "payment"), nil)
	result := engine.Execute(context.Background(), s)

	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, 1, result.CompensatedSteps)

	steps := s.Snapshot().Steps
	assert.Equal(t, StepCompensated, steps[0].Status)
	assert.Equal(t, StepCompensationFailed, steps[1].Status)
	assert.Equal(t, StepFailed, steps[2].Status)

	// The sweep reached step 0 despite step 1 failing to compensate.
	assert.Contains(t, comm.endpoints(), "/api/order/undo")
}

func TestExecuteMergeFailureCompensates(t *testing.T) {
	comm := newFakeComm()
	engine := newTestEngine(comm, nil)

	steps := testSteps("order", "payment")
	steps[1].MergeResponse = func(json.RawMessage, *Context) error {
		return fmt.Errorf("payment participant returned no payment_id")
	}

	s := New(steps, nil)
	result := engine.Execute(context.Background(), s)

	assert.Equal(t, StatusFailed, result.Status)
	steps2 := s.Snapshot().Steps
	assert.Equal(t, StepFailed, steps2[1].Status)
	assert.Equal(t, "DECODE_ERROR", steps2[1].ErrorKind)
	assert.Equal(t, StepCompensated, steps2[0].Status)
}

func TestExecuteAbortBetweenSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	comm := newFakeComm()
	comm.onCall = func(n int) {
		// Abort lands while step 1 is in flight; it must still finish.
		if n == 1 {
			cancel()
		}
	}
	engine := newTestEngine(comm, nil)

	s := New(testSteps("order", "inventory", "payment"), nil)
	result := engine.Execute(ctx, s)

	assert.Equal(t, StatusAborted, result.Status)

	// Steps 0 and 1 ran and were compensated in reverse; step 2 never started.
	assert.Equal(t, []string{
		"/api/order/do",
		"/api/inventory/do",
		"/api/inventory/undo",
		"/api/order/undo",
	}, comm.endpoints())

	steps := s.Snapshot().Steps
	assert.Equal(t, StepCompensated, steps[0].Status)
	assert.Equal(t, StepCompensated, steps[1].Status)
	assert.Equal(t, StepPending, steps[2].Status)
}

func TestExecuteAbortBeforeFirstStep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	comm := newFakeComm()
	engine := newTestEngine(comm, nil)

	s := New(testSteps("order", "inventory"), nil)
	result := engine.Execute(ctx, s)

	assert.Equal(t, StatusAborted, result.Status)
	assert.Zero(t, result.SucceededStepCount)
	assert.Empty(t, result.ExecutionLog)
	assert.Empty(t, comm.calls)

	for _, step := range s.Snapshot().Steps {
		assert.Equal(t, StepPending, step.Status)
	}
}

func TestExecuteZeroSteps(t *testing.T) {
	comm := newFakeComm()
	engine := newTestEngine(comm, nil)

	s := New(nil, nil)
	result := engine.Execute(context.Background(), s)

	assert.Equal(t, StatusCompleted, result.Status)
	assert.Zero(t, result.SucceededStepCount)
	assert.Empty(t, comm.calls)
}

func TestExecuteFirstStepFailureCompensatesNothing(t *testing.T) {
	comm := newFakeComm()
	comm.fail("/api/order/do", errors.New("unreachable"))
	engine := newTestEngine(comm, nil)

	s := New(testSteps("order", "inventory"), nil)
	result := engine.Execute(context.Background(), s)

	assert.Equal(t, StatusFailed, result.Status)
	require.NotNil(t, result.FailedStepIndex)
	assert.Equal(t, 0, *result.FailedStepIndex)
	assert.Zero(t, result.CompensatedSteps)
	assert.Equal(t, []string{"/api/order/do"}, comm.endpoints())
}

func TestExecuteResolvesEndpointPlaceholders(t *testing.T) {
	comm := newFakeComm()
	comm.ok("/api/orders", `{"ok":true,"order_id":"ord-42"}`)
	comm.fail("/api/inventory/do", errors.New("down"))
	engine := newTestEngine(comm, nil)

	orderStep := &Step{
		Participant:          "order",
		Name:                 "create_order",
		ActionEndpoint:       "/api/orders",
		CompensationEndpoint: "/api/orders/{order_id}/cancel",
		BuildPayload:         func(c *Context) any { return map[string]string{"saga_id": c.SagaID} },
		MergeResponse: func(raw json.RawMessage, c *Context) error {
			var resp struct {
				OrderID string `json:"order_id"`
			}
			if err := json.Unmarshal(raw, &resp); err != nil {
				return err
			}
			c.OrderID = resp.OrderID
			return nil
		},
	}

	s := New([]*Step{orderStep, testStep("inventory")}, nil)
	engine.Execute(context.Background(), s)

	assert.Equal(t, []string{
		"/api/orders",
		"/api/inventory/do",
		"/api/orders/ord-42/cancel",
	}, comm.endpoints())
}

func TestExecuteJournalsSnapshots(t *testing.T) {
	comm := newFakeComm()
	journal := NewMemoryJournal(16)
	engine := newTestEngine(comm, journal)

	s := New(testSteps("order", "inventory"), nil)
	engine.Execute(context.Background(), s)

	history := journal.History(s.ID)
	require.NotEmpty(t, history)
	assert.Equal(t, StatusCompleted, history[len(history)-1].Status)
}

func TestCompensationLogEntriesDescend(t *testing.T) {
	comm := newFakeComm()
	comm.fail("/api/shipping/do", errors.New("down"))
	engine := newTestEngine(comm, nil)

	s := New(testSteps("order", "inventory", "payment", "shipping"), nil)
	result := engine.Execute(context.Background(), s)

	var compensated []int
	for _, entry := range result.ExecutionLog {
		if entry.Phase == PhaseCompensation {
			compensated = append(compensated, entry.Index)
		}
	}
	assert.Equal(t, []int{2, 1, 0}, compensated)
}
