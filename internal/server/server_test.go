package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vetohq/veto/internal/audit"
	"github.com/vetohq/veto/internal/auth"
	"github.com/vetohq/veto/internal/boundary"
	"github.com/vetohq/veto/internal/engine"
	"github.com/vetohq/veto/internal/executor"
	"github.com/vetohq/veto/internal/model"
	"github.com/vetohq/veto/internal/notify"
	"github.com/vetohq/veto/internal/queue"
	"github.com/vetohq/veto/internal/risk"
	"github.com/vetohq/veto/internal/rollback"
	"github.com/vetohq/veto/internal/route"
	"github.com/vetohq/veto/internal/server"
)

// testClock is a mutable clock shared by every component in the harness.
// Tests advance it past the executor's rate-limit interval between
// submissions.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var (
	testSrv       *httptest.Server
	testEngine    *engine.Engine
	clock         = &testClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	adminToken    string
	producerToken string
)

func TestMain(m *testing.M) {
	ctx, cancel := context.WithCancel(context.Background())

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	bus := notify.NewBus(logger)
	rb := rollback.NewManager(rollback.Config{Clock: clock.Now, Logger: logger})
	exec := executor.New(executor.Config{Rollback: rb, Clock: clock.Now, Logger: logger})
	for _, actionType := range []string{"dca_buy", "deploy_staging", "update_config", "post_scheduled_content"} {
		exec.RegisterHandler(actionType, func(ctx context.Context, a model.Action) (string, error) {
			return "done", nil
		})
	}

	eng, err := engine.New(engine.Config{
		Classifier: risk.New(nil),
		Checker:    boundary.New(model.DefaultBoundaries(), clock.Now),
		Router:     route.New(clock.Now),
		Queue:      queue.New(queue.Config{Clock: clock.Now, Bus: bus, Logger: logger}),
		Executor:   exec,
		Rollback:   rb,
		Audit:      audit.NewLogger(audit.Config{Clock: clock.Now, Logger: logger}),
		Bus:        bus,
		Autonomy:   2,
		Clock:      clock.Now,
		Logger:     logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create engine: %v\n", err)
		os.Exit(1)
	}
	testEngine = eng

	jwtMgr, _ := auth.NewJWTManager("", "", 24*time.Hour)
	keyring, err := auth.NewKeyring("test-admin-key", "test-producer-key")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create keyring: %v\n", err)
		os.Exit(1)
	}

	broker := server.NewBroker(bus, logger)
	go broker.Start(ctx)

	srv := server.New(server.Config{
		Engine:              eng,
		JWTMgr:              jwtMgr,
		Keyring:             keyring,
		Logger:              logger,
		Broker:              broker,
		Version:             "test",
		MaxRequestBodyBytes: 1 * 1024 * 1024,
		ReadTimeout:         30 * time.Second,
		WriteTimeout:        30 * time.Second,
	})

	testSrv = httptest.NewServer(srv.Handler())

	adminToken = getToken(testSrv.URL, "reviewer", "test-admin-key")
	producerToken = getToken(testSrv.URL, "trading-engine", "test-producer-key")

	code := m.Run()

	testSrv.Close()
	cancel()
	bus.Close()
	os.Exit(code)
}

func getToken(baseURL, subject, apiKey string) string {
	body, _ := json.Marshal(model.AuthTokenRequest{Subject: subject, APIKey: apiKey})
	resp, err := http.Post(baseURL+"/auth/token", "application/json", bytes.NewReader(body))
	if err != nil {
		panic(fmt.Sprintf("getToken: request failed: %v", err))
	}
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		panic(fmt.Sprintf("getToken: status %d, body: %s", resp.StatusCode, string(data)))
	}
	var result struct {
		Data model.AuthTokenResponse `json:"data"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		panic(fmt.Sprintf("getToken: unmarshal failed: %v", err))
	}
	if result.Data.Token == "" {
		panic("getToken: empty token")
	}
	return result.Data.Token
}

func doRequest(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, testSrv.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp, data
}

func decodeData(t *testing.T, raw []byte, target any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, target))
}

func submitBody(category model.Category, actionType string, value float64, reversible bool) model.SubmitActionRequest {
	return model.SubmitActionRequest{
		Engine:   string(category),
		Category: category,
		Type:     actionType,
		Metadata: model.ActionMetadata{EstimatedValue: value, Reversible: reversible},
	}
}

// submit advances the clock past the executor's per-type cooldown and rate
// limit interval so tests do not trip over each other.
func submit(t *testing.T, token string, body model.SubmitActionRequest) (*http.Response, []byte) {
	t.Helper()
	clock.Advance(2 * time.Minute)
	return doRequest(t, http.MethodPost, "/v1/actions", token, body)
}

func TestAuthRequired(t *testing.T) {
	resp, _ := doRequest(t, http.MethodGet, "/v1/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = doRequest(t, http.MethodGet, "/v1/status", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuthTokenRejectsBadKey(t *testing.T) {
	body, _ := json.Marshal(model.AuthTokenRequest{Subject: "x", APIKey: "wrong"})
	resp, err := http.Post(testSrv.URL+"/auth/token", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestProducerCannotAdministrate(t *testing.T) {
	resp, _ := doRequest(t, http.MethodPatch, "/v1/boundaries", producerToken, model.BoundariesPatch{})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = doRequest(t, http.MethodGet, "/v1/audit", producerToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = doRequest(t, http.MethodPut, "/v1/autonomy", producerToken, model.SetAutonomyRequest{Level: 3})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestSubmitAutoExecutes(t *testing.T) {
	resp, raw := submit(t, producerToken, submitBody(model.CategoryTrading, "dca_buy", 10, true))
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", raw)

	var sub engine.Submission
	decodeData(t, raw, &sub)
	assert.Equal(t, model.OutcomeAutoExecute, sub.Decision.Outcome)
	require.NotNil(t, sub.Result)
	assert.True(t, sub.Result.Success)
}

func TestSubmitInvalidCategory(t *testing.T) {
	resp, _ := submit(t, producerToken, submitBody(model.Category("gardening"), "water_plants", 1, true))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitQueuesForApproval(t *testing.T) {
	resp, raw := submit(t, producerToken, submitBody(model.CategoryConfiguration, "update_config", 150, false))
	require.Equal(t, http.StatusAccepted, resp.StatusCode, "body: %s", raw)

	var sub engine.Submission
	decodeData(t, raw, &sub)
	assert.Equal(t, model.OutcomeQueueApproval, sub.Decision.Outcome)
	require.NotNil(t, sub.Request)

	// The request is visible in the pending list.
	resp, raw = doRequest(t, http.MethodGet, "/v1/approvals", producerToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Data []model.ApprovalRequest `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &list))
	found := false
	for _, r := range list.Data {
		if r.ID == sub.Request.ID {
			found = true
		}
	}
	assert.True(t, found, "queued request should be pending")

	// Admin approves; the approved action executes.
	clock.Advance(2 * time.Minute)
	resp, raw = doRequest(t, http.MethodPost, "/v1/approvals/"+sub.Request.ID.String()+"/approve",
		adminToken, model.ReviewRequest{Feedback: "looks fine"})
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", raw)

	var outcome struct {
		Request *model.ApprovalRequest `json:"request"`
		Result  *model.ExecutionResult `json:"result"`
	}
	decodeData(t, raw, &outcome)
	require.NotNil(t, outcome.Request)
	assert.Equal(t, "reviewer", outcome.Request.ReviewedBy)
	require.NotNil(t, outcome.Result)
	assert.True(t, outcome.Result.Success)
}

func TestApproveUnknownRequest(t *testing.T) {
	resp, _ := doRequest(t, http.MethodPost, "/v1/approvals/"+uuid.New().String()+"/approve",
		adminToken, model.ReviewRequest{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestExecuteApprovedRetriesRefusedExecution(t *testing.T) {
	resp, raw := submit(t, producerToken, submitBody(model.CategoryDeployment, "deploy_staging", 50, false))
	require.Equal(t, http.StatusAccepted, resp.StatusCode, "body: %s", raw)
	var sub engine.Submission
	decodeData(t, raw, &sub)
	require.NotNil(t, sub.Request)

	// Exhaust the rate budget with an auto-executed trade.
	resp, raw = submit(t, producerToken, submitBody(model.CategoryTrading, "dca_buy", 10, true))
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", raw)

	// No clock advance: the approval sticks but the execution is refused.
	resp, raw = doRequest(t, http.MethodPost, "/v1/approvals/"+sub.Request.ID.String()+"/approve",
		adminToken, model.ReviewRequest{})
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", raw)

	var outcome struct {
		Request *model.ApprovalRequest `json:"request"`
		Result  *model.ExecutionResult `json:"result"`
	}
	decodeData(t, raw, &outcome)
	require.NotNil(t, outcome.Request)
	assert.Equal(t, model.ApprovalApproved, outcome.Request.Status)
	assert.Nil(t, outcome.Result)

	// Still throttled.
	resp, _ = doRequest(t, http.MethodPost, "/v1/approvals/"+sub.Request.ID.String()+"/execute",
		adminToken, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	clock.Advance(2 * time.Minute)
	resp, raw = doRequest(t, http.MethodPost, "/v1/approvals/"+sub.Request.ID.String()+"/execute",
		adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", raw)
	decodeData(t, raw, &outcome)
	require.NotNil(t, outcome.Result)
	assert.True(t, outcome.Result.Success)

	// The attempt is on record: a further retry conflicts.
	resp, _ = doRequest(t, http.MethodPost, "/v1/approvals/"+sub.Request.ID.String()+"/execute",
		adminToken, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRejectKeepsActionUnexecuted(t *testing.T) {
	resp, raw := submit(t, producerToken, submitBody(model.CategoryDeployment, "deploy_staging", 50, false))
	require.Equal(t, http.StatusAccepted, resp.StatusCode, "body: %s", raw)

	var sub engine.Submission
	decodeData(t, raw, &sub)
	require.NotNil(t, sub.Request)

	// A rejection without a reason is refused outright.
	resp, _ = doRequest(t, http.MethodPost, "/v1/approvals/"+sub.Request.ID.String()+"/reject",
		adminToken, model.ReviewRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, raw = doRequest(t, http.MethodPost, "/v1/approvals/"+sub.Request.ID.String()+"/reject",
		adminToken, model.ReviewRequest{Reason: "not during release freeze"})
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", raw)

	var outcome struct {
		Request *model.ApprovalRequest `json:"request"`
		Result  *model.ExecutionResult `json:"result"`
	}
	decodeData(t, raw, &outcome)
	require.NotNil(t, outcome.Request)
	assert.Equal(t, model.ApprovalRejected, outcome.Request.Status)
	assert.Nil(t, outcome.Result)

	// Rejection is terminal: a second reject 404s.
	resp, _ = doRequest(t, http.MethodPost, "/v1/approvals/"+sub.Request.ID.String()+"/reject",
		adminToken, model.ReviewRequest{Reason: "still frozen"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBatchApprove(t *testing.T) {
	_, raw1 := submit(t, producerToken, submitBody(model.CategoryConfiguration, "update_config", 160, false))
	var sub1 engine.Submission
	decodeData(t, raw1, &sub1)
	require.NotNil(t, sub1.Request)

	cat := model.CategoryConfiguration
	clock.Advance(2 * time.Minute)
	resp, raw := doRequest(t, http.MethodPost, "/v1/approvals/batch", adminToken, model.BatchReviewRequest{
		Approve: true,
		Filter:  model.BatchFilter{Category: &cat},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", raw)

	var outcome engine.BatchOutcome
	decodeData(t, raw, &outcome)
	assert.GreaterOrEqual(t, outcome.Summary.Matched, 1)
	assert.Equal(t, model.BatchSucceeded, outcome.Summary.Results[sub1.Request.ID])
}

func TestBoundariesRoundTrip(t *testing.T) {
	resp, raw := doRequest(t, http.MethodGet, "/v1/boundaries", producerToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var before model.Boundaries
	decodeData(t, raw, &before)
	assert.Equal(t, 500.0, before.Financial.MaxActionValue)

	limit := 450.0
	resp, raw = doRequest(t, http.MethodPatch, "/v1/boundaries", adminToken, model.BoundariesPatch{
		Financial: &model.FinancialBoundariesPatch{MaxActionValue: &limit},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", raw)
	var after model.Boundaries
	decodeData(t, raw, &after)
	assert.Equal(t, 450.0, after.Financial.MaxActionValue)

	// Restore for other tests.
	restore := 500.0
	resp, _ = doRequest(t, http.MethodPatch, "/v1/boundaries", adminToken, model.BoundariesPatch{
		Financial: &model.FinancialBoundariesPatch{MaxActionValue: &restore},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSetAutonomyValidation(t *testing.T) {
	resp, _ := doRequest(t, http.MethodPut, "/v1/autonomy", adminToken, model.SetAutonomyRequest{Level: 9})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, raw := doRequest(t, http.MethodGet, "/v1/autonomy", producerToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var level struct {
		Level int `json:"level"`
	}
	decodeData(t, raw, &level)
	assert.Equal(t, 2, level.Level)
}

func TestAuditEndpoints(t *testing.T) {
	resp, raw := doRequest(t, http.MethodGet, "/v1/audit?limit=5", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Data []model.AuditEntry `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &list))
	assert.NotEmpty(t, list.Data)
	assert.LessOrEqual(t, len(list.Data), 5)

	resp, raw = doRequest(t, http.MethodGet, "/v1/audit/verify", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var verify model.VerifyResponse
	decodeData(t, raw, &verify)
	assert.True(t, verify.Valid, "audit chain should verify: %s", verify.Error)
	assert.Positive(t, verify.Entries)
}

func TestAuditLimitValidation(t *testing.T) {
	resp, _ := doRequest(t, http.MethodGet, "/v1/audit?limit=banana", adminToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatsEndpoints(t *testing.T) {
	resp, raw := doRequest(t, http.MethodGet, "/v1/queue/stats", producerToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var qs queue.Stats
	decodeData(t, raw, &qs)

	resp, raw = doRequest(t, http.MethodGet, "/v1/executor/stats", producerToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var es executor.Stats
	decodeData(t, raw, &es)
	assert.Zero(t, es.InFlight)
	assert.GreaterOrEqual(t, qs.Pending, 0)
}

func TestStatusSnapshot(t *testing.T) {
	resp, raw := doRequest(t, http.MethodGet, "/v1/status", producerToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status engine.Status
	decodeData(t, raw, &status)
	assert.Equal(t, model.AutonomyLevel(2), status.Autonomy)
	assert.NotEmpty(t, status.AuditHead)
}

func TestGetDecision(t *testing.T) {
	_, raw := submit(t, producerToken, submitBody(model.CategoryContent, "post_scheduled_content", 5, true))
	var sub engine.Submission
	decodeData(t, raw, &sub)

	resp, raw := doRequest(t, http.MethodGet, "/v1/actions/"+sub.Decision.ActionID.String(), producerToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var d model.Decision
	decodeData(t, raw, &d)
	assert.Equal(t, sub.Decision.ID, d.ID)

	resp, _ = doRequest(t, http.MethodGet, "/v1/actions/"+uuid.New().String(), producerToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = doRequest(t, http.MethodGet, "/v1/actions/not-a-uuid", producerToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthNoAuth(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data, _ := io.ReadAll(resp.Body)
	var health struct {
		Data model.HealthResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &health))
	assert.Equal(t, "ok", health.Data.Status)
	assert.Equal(t, "test", health.Data.Version)
}

func TestRequestIDHeader(t *testing.T) {
	resp, _ := doRequest(t, http.MethodGet, "/v1/status", producerToken, nil)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestEventStream(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, testSrv.URL+"/v1/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+producerToken)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Submit an action once the stream is open; its lifecycle events should
	// arrive on the stream.
	go func() {
		time.Sleep(100 * time.Millisecond)
		clock.Advance(2 * time.Minute)
		body, _ := json.Marshal(submitBody(model.CategoryTrading, "dca_buy", 10, true))
		httpReq, _ := http.NewRequest(http.MethodPost, testSrv.URL+"/v1/actions", bytes.NewReader(body))
		httpReq.Header.Set("Authorization", "Bearer "+producerToken)
		httpReq.Header.Set("Content-Type", "application/json")
		if r, err := http.DefaultClient.Do(httpReq); err == nil {
			_ = r.Body.Close()
		}
	}()

	scanner := bufio.NewScanner(resp.Body)
	sawEvent := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			sawEvent = true
			break
		}
	}
	assert.True(t, sawEvent, "expected at least one SSE event")
}
