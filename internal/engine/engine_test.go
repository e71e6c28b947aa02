package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vetohq/veto/internal/audit"
	"github.com/vetohq/veto/internal/boundary"
	"github.com/vetohq/veto/internal/executor"
	"github.com/vetohq/veto/internal/model"
	"github.com/vetohq/veto/internal/notify"
	"github.com/vetohq/veto/internal/queue"
	"github.com/vetohq/veto/internal/risk"
	"github.com/vetohq/veto/internal/rollback"
	"github.com/vetohq/veto/internal/route"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *fakeClock {
	// Midday UTC keeps the boundary checker's active window open.
	return &fakeClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
}

type fixture struct {
	engine *Engine
	exec   *executor.Executor
	bus    *notify.Bus
	clock  *fakeClock
}

func newFixture(t *testing.T, autonomy model.AutonomyLevel) *fixture {
	t.Helper()
	clock := newClock()

	bus := notify.NewBus(nil)
	t.Cleanup(bus.Close)

	rb := rollback.NewManager(rollback.Config{Clock: clock.Now})
	exec := executor.New(executor.Config{Rollback: rb, Clock: clock.Now})
	exec.RegisterHandler("dca_buy", func(ctx context.Context, a model.Action) (string, error) {
		return "filled", nil
	})
	exec.RegisterHandler("deploy_staging", func(ctx context.Context, a model.Action) (string, error) {
		return "deployed", nil
	})

	eng, err := New(Config{
		Classifier: risk.New(nil),
		Checker:    boundary.New(model.DefaultBoundaries(), clock.Now),
		Router:     route.New(clock.Now),
		Queue:      queue.New(queue.Config{Clock: clock.Now, Bus: bus}),
		Executor:   exec,
		Rollback:   rb,
		Audit:      audit.NewLogger(audit.Config{Clock: clock.Now}),
		Bus:        bus,
		Autonomy:   autonomy,
		Clock:      clock.Now,
	})
	require.NoError(t, err)
	return &fixture{engine: eng, exec: exec, bus: bus, clock: clock}
}

func action(category model.Category, actionType string, value float64, reversible bool) model.Action {
	return model.Action{
		ID:          uuid.New(),
		Engine:      string(category),
		Category:    category,
		Type:        actionType,
		Description: actionType,
		Params:      map[string]string{"symbol": "ETH"},
		Metadata:    model.ActionMetadata{EstimatedValue: value, Reversible: reversible},
		Timestamp:   time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
}

func TestSubmitSafeTradeAutoExecutes(t *testing.T) {
	f := newFixture(t, 2)

	// A small reversible DCA buy stays under the safe threshold at level 2.
	sub, err := f.engine.Submit(context.Background(), action(model.CategoryTrading, "dca_buy", 10, true))
	require.NoError(t, err)

	assert.Equal(t, model.OutcomeAutoExecute, sub.Decision.Outcome)
	require.NotNil(t, sub.Result)
	assert.True(t, sub.Result.Success)
	assert.Equal(t, "filled", sub.Result.Output)
	require.NotNil(t, sub.Decision.ExecutedAt)

	usage := f.engine.UsageToday()
	assert.Equal(t, 1, usage.Trades)
	assert.Equal(t, 10.0, usage.Spend)
}

func TestSubmitAuditTrail(t *testing.T) {
	f := newFixture(t, 2)

	sub, err := f.engine.Submit(context.Background(), action(model.CategoryTrading, "dca_buy", 10, true))
	require.NoError(t, err)

	entries := f.engine.AuditRecent(10)
	types := make([]model.AuditEventType, len(entries))
	for i, e := range entries {
		types[i] = e.Type
	}
	assert.Equal(t, []model.AuditEventType{
		model.AuditActionReceived,
		model.AuditRiskAssessed,
		model.AuditDecisionMade,
		model.AuditExecuted,
	}, types)

	for _, e := range entries {
		assert.Equal(t, sub.Decision.ActionID, e.ActionID)
	}

	n, err := f.engine.VerifyAudit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestSubmitMediumRiskQueues(t *testing.T) {
	f := newFixture(t, 2)

	sub, err := f.engine.Submit(context.Background(), action(model.CategoryConfiguration, "update_config", 150, false))
	require.NoError(t, err)

	assert.Equal(t, model.OutcomeQueueApproval, sub.Decision.Outcome)
	require.NotNil(t, sub.Request)
	assert.Equal(t, model.ApprovalPending, sub.Request.Status)
	assert.Nil(t, sub.Result)

	entries := f.engine.AuditRecent(10)
	require.NotEmpty(t, entries)
	assert.Equal(t, model.AuditQueuedApproval, entries[len(entries)-1].Type)
}

func TestSubmitDangerousTypeNeverAutoExecutes(t *testing.T) {
	f := newFixture(t, 4)

	sub, err := f.engine.Submit(context.Background(), action(model.CategoryBuild, "delete_data", 5, false))
	require.NoError(t, err)
	assert.NotEqual(t, model.OutcomeAutoExecute, sub.Decision.Outcome)
	assert.Nil(t, sub.Result)
}

func TestSubmitBoundaryViolationRejects(t *testing.T) {
	f := newFixture(t, 3)

	// Over the per-action financial cap (500).
	sub, err := f.engine.Submit(context.Background(), action(model.CategoryTrading, "dca_buy", 900, true))
	require.NoError(t, err)

	assert.True(t, sub.Boundary.Violated)
	assert.Equal(t, model.OutcomeReject, sub.Decision.Outcome)

	entries := f.engine.AuditRecent(10)
	var sawViolation, sawRejected bool
	for _, e := range entries {
		switch e.Type {
		case model.AuditBoundaryViolation:
			sawViolation = true
		case model.AuditRejected:
			sawRejected = true
		}
	}
	assert.True(t, sawViolation)
	assert.True(t, sawRejected)
}

func TestSubmitHighValueEscalates(t *testing.T) {
	f := newFixture(t, 4)

	sub, err := f.engine.Submit(context.Background(), action(model.CategoryTrading, "rebalance_small", 300, true))
	require.NoError(t, err)

	assert.Equal(t, model.OutcomeEscalate, sub.Decision.Outcome)
	require.NotNil(t, sub.Request)
	assert.True(t, sub.Request.Escalated)
}

func TestSubmitInvalidActionRejected(t *testing.T) {
	f := newFixture(t, 2)

	bad := action(model.CategoryTrading, "dca_buy", 10, true)
	bad.Category = "gardening"
	_, err := f.engine.Submit(context.Background(), bad)
	assert.Error(t, err)
	assert.Zero(t, f.engine.Status().AuditLen, "invalid actions never reach the audit chain")
}

func TestApproveExecutesDecision(t *testing.T) {
	f := newFixture(t, 2)

	sub, err := f.engine.Submit(context.Background(), action(model.CategoryDeployment, "deploy_staging", 50, false))
	require.NoError(t, err)
	require.NotNil(t, sub.Request)

	req, result, err := f.engine.Approve(context.Background(), sub.Request.ID, "ops@example.com", "go ahead")
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, model.ApprovalApproved, req.Status)
	require.NotNil(t, result)
	assert.True(t, result.Success)
	assert.Equal(t, "deployed", result.Output)

	// The approval and the execution both reach the audit chain.
	entries := f.engine.AuditRecent(20)
	var sawApproved, sawExecuted bool
	for _, e := range entries {
		switch e.Type {
		case model.AuditApproved:
			sawApproved = true
		case model.AuditExecuted:
			sawExecuted = true
		}
	}
	assert.True(t, sawApproved)
	assert.True(t, sawExecuted)

	assert.Equal(t, 1, f.engine.UsageToday().Deploys)
}

func TestExecuteApprovedRetriesRefusedExecution(t *testing.T) {
	f := newFixture(t, 2)

	// Consume the rate budget with an auto-executed trade.
	sub, err := f.engine.Submit(context.Background(), action(model.CategoryTrading, "dca_buy", 10, true))
	require.NoError(t, err)
	require.NotNil(t, sub.Result)

	queued, err := f.engine.Submit(context.Background(), action(model.CategoryDeployment, "deploy_staging", 50, false))
	require.NoError(t, err)
	require.NotNil(t, queued.Request)

	// Approval sticks but the refused execution leaves no attempt on record.
	req, result, err := f.engine.Approve(context.Background(), queued.Request.ID, "ops", "")
	require.ErrorIs(t, err, executor.ErrRateLimited)
	require.NotNil(t, req)
	assert.Equal(t, model.ApprovalApproved, req.Status)
	assert.Nil(t, result)

	d := f.engine.Decision(queued.Request.Decision.ActionID)
	require.NotNil(t, d)
	assert.Nil(t, d.ExecutedAt)

	// Still throttled: the retry is refused the same way.
	_, err = f.engine.ExecuteApproved(context.Background(), queued.Request.ID)
	require.ErrorIs(t, err, executor.ErrRateLimited)

	f.clock.Advance(time.Minute)
	retried, err := f.engine.ExecuteApproved(context.Background(), queued.Request.ID)
	require.NoError(t, err)
	require.NotNil(t, retried)
	assert.True(t, retried.Success)

	// One attempt per decision.
	_, err = f.engine.ExecuteApproved(context.Background(), queued.Request.ID)
	assert.ErrorIs(t, err, ErrAlreadyExecuted)
}

func TestExecuteApprovedUnknownRequestIsNoop(t *testing.T) {
	f := newFixture(t, 2)
	result, err := f.engine.ExecuteApproved(context.Background(), uuid.New())
	assert.NoError(t, err)
	assert.Nil(t, result)
}

func TestApproveMissingRequestIsNoop(t *testing.T) {
	f := newFixture(t, 2)
	req, result, err := f.engine.Approve(context.Background(), uuid.New(), "ops", "")
	assert.NoError(t, err)
	assert.Nil(t, req)
	assert.Nil(t, result)
}

func TestRejectKeepsActionUnexecuted(t *testing.T) {
	f := newFixture(t, 2)

	sub, err := f.engine.Submit(context.Background(), action(model.CategoryDeployment, "deploy_staging", 50, false))
	require.NoError(t, err)
	require.NotNil(t, sub.Request)

	req := f.engine.Reject(context.Background(), sub.Request.ID, "ops", "not today")
	require.NotNil(t, req)
	assert.Equal(t, model.ApprovalRejected, req.Status)
	assert.Zero(t, f.engine.UsageToday().Deploys)
	assert.Zero(t, f.engine.ExecutorStats().Executions)
}

func TestApproveBatchExecutesReleasedDecisions(t *testing.T) {
	f := newFixture(t, 2)

	first, err := f.engine.Submit(context.Background(), action(model.CategoryDeployment, "deploy_staging", 50, false))
	require.NoError(t, err)
	require.NotNil(t, first.Request)
	second, err := f.engine.Submit(context.Background(), action(model.CategoryDeployment, "deploy_staging", 60, false))
	require.NoError(t, err)
	require.NotNil(t, second.Request)

	deployment := model.CategoryDeployment
	out := f.engine.ApproveBatch(context.Background(), model.BatchFilter{Category: &deployment}, "ops", "batch")

	assert.Equal(t, 2, out.Summary.Matched)
	// The 36s minimum spacing lets only the first released decision run.
	require.Len(t, out.Results, 1)
	assert.True(t, out.Results[0].Success)
}

func TestSetAutonomyChangesRouting(t *testing.T) {
	f := newFixture(t, 1)

	// Level 1 queues a score in the 20-50 band.
	a := action(model.CategoryContent, "post_scheduled_content", 20, true)
	sub, err := f.engine.Submit(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeQueueApproval, sub.Decision.Outcome)

	require.NoError(t, f.engine.SetAutonomy(3))
	assert.Equal(t, model.AutonomyLevel(3), f.engine.Autonomy())
	assert.Error(t, f.engine.SetAutonomy(7))

	f.clock.Advance(time.Minute)
	b := action(model.CategoryContent, "post_scheduled_content", 20, true)
	sub, err = f.engine.Submit(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeAutoExecute, sub.Decision.Outcome, "score %.2f", sub.Assessment.Score)
}

func TestSubmitRateLimitedReturnsTypedError(t *testing.T) {
	f := newFixture(t, 2)

	_, err := f.engine.Submit(context.Background(), action(model.CategoryTrading, "dca_buy", 10, true))
	require.NoError(t, err)

	sub, err := f.engine.Submit(context.Background(), action(model.CategoryTrading, "dca_buy", 10, true))
	require.ErrorIs(t, err, executor.ErrRateLimited)
	require.NotNil(t, sub)
	assert.Equal(t, model.OutcomeAutoExecute, sub.Decision.Outcome)
	assert.Nil(t, sub.Result)
}

func TestStatusSnapshot(t *testing.T) {
	f := newFixture(t, 2)

	_, err := f.engine.Submit(context.Background(), action(model.CategoryTrading, "dca_buy", 10, true))
	require.NoError(t, err)
	_, err = f.engine.Submit(context.Background(), action(model.CategoryDeployment, "deploy_staging", 50, false))
	require.NoError(t, err)

	status := f.engine.Status()
	assert.Equal(t, model.AutonomyLevel(2), status.Autonomy)
	assert.Equal(t, 1, status.Queue.Pending)
	assert.Equal(t, int64(1), status.Executor.Executions)
	assert.Equal(t, 1, status.Usage.Trades)
	assert.NotEmpty(t, status.AuditHead)
	assert.Greater(t, status.AuditLen, 0)
}

func TestDecisionLookup(t *testing.T) {
	f := newFixture(t, 2)

	sub, err := f.engine.Submit(context.Background(), action(model.CategoryTrading, "dca_buy", 10, true))
	require.NoError(t, err)

	d := f.engine.Decision(sub.Decision.ActionID)
	require.NotNil(t, d)
	assert.Equal(t, sub.Decision.ID, d.ID)
	assert.Nil(t, f.engine.Decision(uuid.New()))
}

func TestPreviewHasNoSideEffects(t *testing.T) {
	f := newFixture(t, 2)

	sub, err := f.engine.Preview(action(model.CategoryTrading, "dca_buy", 10, true))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeAutoExecute, sub.Decision.Outcome)
	assert.Nil(t, sub.Result)
	assert.Nil(t, sub.Request)

	// Nothing was audited, executed, or counted.
	assert.Empty(t, f.engine.AuditRecent(10))
	assert.Equal(t, 0, f.engine.UsageToday().Trades)
	assert.Empty(t, f.engine.Pending())
}

func TestPreviewReportsBoundaryViolation(t *testing.T) {
	f := newFixture(t, 2)

	sub, err := f.engine.Preview(action(model.CategoryTrading, "rebalance_large", 900, true))
	require.NoError(t, err)
	assert.True(t, sub.Boundary.Violated)
	assert.Equal(t, model.OutcomeReject, sub.Decision.Outcome)
}
