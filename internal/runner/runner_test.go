package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djlord-it/opsflow/internal/blueprint"
	"github.com/djlord-it/opsflow/internal/dispatcher"
	"github.com/djlord-it/opsflow/internal/domain"
	"github.com/djlord-it/opsflow/internal/failure"
	"github.com/djlord-it/opsflow/internal/runlock"
	"github.com/djlord-it/opsflow/internal/sourcesync"
	"github.com/djlord-it/opsflow/internal/store/memory"
	"github.com/djlord-it/opsflow/internal/testutil"
)

type fakeSync struct {
	mu     sync.Mutex
	calls  int
	paths  []string
	result sourcesync.Result
	err    error
}

func (f *fakeSync) Sync(ctx context.Context, remotePath string) (sourcesync.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.paths = append(f.paths, remotePath)
	return f.result, f.err
}

type scheduledRetry struct {
	code  string
	delay time.Duration
}

type fakeRetries struct {
	mu        sync.Mutex
	scheduled []scheduledRetry
}

func (f *fakeRetries) ScheduleRetry(ctx context.Context, code string, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, scheduledRetry{code: code, delay: delay})
	return nil
}

type fakeAnalytics struct {
	mu   sync.Mutex
	runs []string
}

func (f *fakeAnalytics) RecordRun(ctx context.Context, code, status string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, code+":"+status)
	return nil
}

type fakeMetrics struct {
	mu       sync.Mutex
	started  []string
	finished []string
}

func (f *fakeMetrics) ExecutionStarted(code string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, code)
}

func (f *fakeMetrics) ExecutionFinished(code, status, severity string, duration time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, fmt.Sprintf("%s:%s:%s", code, status, severity))
}

// seed creates a record for every built-in blueprint.
func seed(t *testing.T, s *memory.Store) {
	t.Helper()
	ctx := testutil.TestContext(t)
	for _, bp := range blueprint.All() {
		require.NoError(t, s.EnsureAutomation(ctx, domain.AutomationRecord{
			Code:   bp.Code,
			Name:   bp.Name,
			Status: domain.SeverityOperational,
		}))
	}
}

type fixture struct {
	store   *memory.Store
	hooks   *testutil.HookServer
	sync    *fakeSync
	retries *fakeRetries
	runner  *Runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := memory.New()
	seed(t, s)

	hooks := testutil.NewHookServer(t)
	invoker := dispatcher.NewInvoker(dispatcher.Config{
		BaseURL: hooks.URL,
		Timeout: 2 * time.Second,
	}, dispatcher.NewHTTPWebhookSender())

	syncer := &fakeSync{}
	retries := &fakeRetries{}
	r := New(blueprint.Default(), s, Config{SourceRemotePath: "/Clients"}).
		WithWebhook(invoker).
		WithSourceSync(syncer).
		WithRetries(retries)

	return &fixture{store: s, hooks: hooks, sync: syncer, retries: retries, runner: r}
}

func TestExecute_WebhookSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := testutil.TestContext(t)

	analytics := &fakeAnalytics{}
	metrics := &fakeMetrics{}
	f.runner.WithAnalytics(analytics).WithMetrics(metrics)

	out, err := f.runner.Execute(ctx, ExecuteRequest{
		Code:    blueprint.CodeCaptionGeneration,
		Payload: json.RawMessage(`{"assetId":7}`),
		Source:  "api",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.SeverityOperational, out.Status)
	assert.Contains(t, out.Summary, "Webhook executed in")
	assert.Equal(t, "api", out.Source)
	assert.NotZero(t, out.ExecutionID)

	reqs := f.hooks.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/webhook/caption-generation", reqs[0].Path)
	assert.JSONEq(t, `{"assetId":7}`, reqs[0].Body)
	assert.Equal(t, out.RunID.String(), reqs[0].Header.Get("X-Opsflow-Run-ID"))

	execs := f.store.Executions()
	require.Len(t, execs, 1)
	assert.Equal(t, domain.ExecutionStatusSuccess, execs[0].Status)
	assert.NotNil(t, execs[0].FinishedAt)
	assert.Equal(t, "api", execs[0].Source)

	rec, err := f.store.GetAutomation(ctx, blueprint.CodeCaptionGeneration)
	require.NoError(t, err)
	assert.Equal(t, domain.SeverityOperational, rec.Status)
	assert.Equal(t, out.Summary, rec.Summary())
	assert.NotNil(t, rec.LastRunAt)

	assert.Equal(t, []string{"caption-generation:success"}, analytics.runs)
	assert.Equal(t, []string{"caption-generation"}, metrics.started)
	assert.Equal(t, []string{"caption-generation:success:operational"}, metrics.finished)
}

func TestExecute_DoesNotCascade(t *testing.T) {
	f := newFixture(t)
	ctx := testutil.TestContext(t)

	_, err := f.runner.Execute(ctx, ExecuteRequest{Code: blueprint.CodeContentReview, Source: "manual"})
	require.NoError(t, err)

	assert.Equal(t, []string{"/webhook/content-review"}, f.hooks.Paths())
	assert.Len(t, f.store.Executions(), 1)
}

func TestExecute_WebhookRejected(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		severity domain.Severity
	}{
		{"server error", http.StatusInternalServerError, domain.SeverityWarning},
		{"not found", http.StatusNotFound, domain.SeverityMonitoring},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := testutil.TestContext(t)
			f.hooks.Respond("/webhook/post-scheduling", testutil.HookResponse{
				Status:      tt.status,
				ContentType: "text/plain",
				Body:        "workflow broke",
			})

			out, err := f.runner.Execute(ctx, ExecuteRequest{Code: blueprint.CodePostScheduling})
			require.Error(t, err)

			var fl *failure.Failure
			require.ErrorAs(t, err, &fl)
			assert.Equal(t, failure.KindRemoteRejected, fl.Kind)
			assert.Equal(t, http.StatusBadGateway, fl.HTTPStatus)
			assert.Equal(t, tt.severity, out.Status)

			execs := f.store.Executions()
			require.Len(t, execs, 1)
			assert.Equal(t, domain.ExecutionStatusError, execs[0].Status)
			assert.Equal(t, tt.status, execs[0].Result["statusCode"])
			assert.Equal(t, "workflow broke", execs[0].Result["responseBody"])

			rec, err := f.store.GetAutomation(ctx, blueprint.CodePostScheduling)
			require.NoError(t, err)
			assert.Equal(t, tt.severity, rec.Status)
		})
	}
}

func TestExecute_UnknownCode(t *testing.T) {
	f := newFixture(t)

	_, err := f.runner.Execute(testutil.TestContext(t), ExecuteRequest{Code: "does-not-exist"})

	var fl *failure.Failure
	require.ErrorAs(t, err, &fl)
	assert.Equal(t, failure.KindNotFound, fl.Kind)
	assert.Empty(t, f.store.Executions())
}

func TestExecute_MissingRecord(t *testing.T) {
	s := memory.New()
	r := New(blueprint.Default(), s, Config{})

	_, err := r.Execute(testutil.TestContext(t), ExecuteRequest{Code: blueprint.CodeClientInsights})

	var fl *failure.Failure
	require.ErrorAs(t, err, &fl)
	assert.Equal(t, failure.KindNotFound, fl.Kind)
	assert.Empty(t, s.Executions())
}

func TestExecute_ConflictTouchesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := testutil.TestContext(t)

	locker := runlock.NewKeyedMutex()
	f.runner.WithLocker(locker)

	release, err := locker.TryLock(ctx, blueprint.CodeClientInsights)
	require.NoError(t, err)
	defer release()

	before, err := f.store.GetAutomation(ctx, blueprint.CodeClientInsights)
	require.NoError(t, err)

	_, err = f.runner.Execute(ctx, ExecuteRequest{Code: blueprint.CodeClientInsights})
	var fl *failure.Failure
	require.ErrorAs(t, err, &fl)
	assert.Equal(t, failure.KindConflict, fl.Kind)
	assert.Equal(t, http.StatusConflict, fl.HTTPStatus)

	after, err := f.store.GetAutomation(ctx, blueprint.CodeClientInsights)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Empty(t, f.store.Executions())
	assert.Empty(t, f.hooks.Requests())
}

func TestExecute_ReleasesLock(t *testing.T) {
	f := newFixture(t)
	ctx := testutil.TestContext(t)

	locker := runlock.NewKeyedMutex()
	f.runner.WithLocker(locker)

	_, err := f.runner.Execute(ctx, ExecuteRequest{Code: blueprint.CodeClientInsights})
	require.NoError(t, err)
	assert.False(t, locker.Held(blueprint.CodeClientInsights))

	f.hooks.Respond("/webhook/client-insights", testutil.HookResponse{Status: http.StatusBadGateway})
	_, err = f.runner.Execute(ctx, ExecuteRequest{Code: blueprint.CodeClientInsights})
	require.Error(t, err)
	assert.False(t, locker.Held(blueprint.CodeClientInsights))
}

func TestExecute_WebhookNotConfigured(t *testing.T) {
	s := memory.New()
	seed(t, s)
	invoker := dispatcher.NewInvoker(dispatcher.Config{}, dispatcher.NewHTTPWebhookSender())
	r := New(blueprint.Default(), s, Config{}).WithWebhook(invoker)

	out, err := r.Execute(testutil.TestContext(t), ExecuteRequest{Code: blueprint.CodeClientInsights})

	var fl *failure.Failure
	require.ErrorAs(t, err, &fl)
	assert.Equal(t, failure.KindNotConfigured, fl.Kind)
	assert.Equal(t, domain.SeverityMonitoring, out.Status)

	execs := s.Executions()
	require.Len(t, execs, 1)
	assert.Equal(t, domain.ExecutionStatusError, execs[0].Status)
}

func TestExecute_SourceSyncSuccess(t *testing.T) {
	f := newFixture(t)
	f.sync.result = sourcesync.Result{
		NewItemCount: 2,
		Items: []sourcesync.ItemOutcome{
			{AssetID: 1, ExternalID: "id:a", FileName: "a.mp4", Status: domain.AssetStatusDownloaded, LocalPath: "/media/a.mp4"},
			{AssetID: 2, ExternalID: "id:b", FileName: "b.mp4", Status: domain.AssetStatusDownloaded, LocalPath: "/media/b.mp4"},
		},
	}

	out, err := f.runner.Execute(testutil.TestContext(t), ExecuteRequest{Code: blueprint.CodeDropboxSync})
	require.NoError(t, err)

	assert.Equal(t, domain.SeverityOperational, out.Status)
	assert.Equal(t, "Synced 2 new item(s)", out.Summary)
	assert.Equal(t, 2, out.Result["newItemCount"])
	assert.Equal(t, []string{"/Clients"}, f.sync.paths)
	assert.Empty(t, f.hooks.Requests())
	assert.Empty(t, f.retries.scheduled)
}

func TestExecute_SourceSyncPartialFailure(t *testing.T) {
	f := newFixture(t)
	f.sync.result = sourcesync.Result{
		NewItemCount: 1,
		FailedCount:  1,
		Items: []sourcesync.ItemOutcome{
			{AssetID: 1, ExternalID: "id:a", Status: domain.AssetStatusDownloaded},
			{AssetID: 2, ExternalID: "id:b", Status: domain.AssetStatusFailed, Error: "link expired"},
		},
	}

	out, err := f.runner.Execute(testutil.TestContext(t), ExecuteRequest{Code: blueprint.CodeDropboxSync})
	require.NoError(t, err)
	assert.Equal(t, domain.SeverityMonitoring, out.Status)

	items, ok := out.Result["items"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, items, 2)
	assert.Equal(t, "link expired", items[1]["error"])
}

func TestExecute_SourceUnavailableSchedulesRetryOnce(t *testing.T) {
	f := newFixture(t)
	ctx := testutil.TestContext(t)
	f.sync.err = fmt.Errorf("list /Clients: %w", sourcesync.ErrRemoteUnavailable)

	out, err := f.runner.Execute(ctx, ExecuteRequest{Code: blueprint.CodeDropboxSync})

	var fl *failure.Failure
	require.ErrorAs(t, err, &fl)
	assert.Equal(t, failure.KindRemoteUnavailable, fl.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, fl.HTTPStatus)
	assert.Equal(t, domain.SeverityWarning, out.Status)

	require.Len(t, f.retries.scheduled, 1)
	assert.Equal(t, blueprint.CodeDropboxSync, f.retries.scheduled[0].code)
	assert.Equal(t, DefaultSourceRetryDelay, f.retries.scheduled[0].delay)

	assets, err := f.store.ListAssets(ctx, 100, 0)
	require.NoError(t, err)
	assert.Empty(t, assets)

	rec, err := f.store.GetAutomation(ctx, blueprint.CodeDropboxSync)
	require.NoError(t, err)
	assert.Equal(t, domain.SeverityWarning, rec.Status)
}

func TestExecute_SourceRejectedDoesNotScheduleRetry(t *testing.T) {
	f := newFixture(t)
	ctx := testutil.TestContext(t)
	f.sync.err = fmt.Errorf("list /Wrong: %w", sourcesync.ErrRemoteRejected)

	out, err := f.runner.Execute(ctx, ExecuteRequest{Code: blueprint.CodeDropboxSync})

	var fl *failure.Failure
	require.ErrorAs(t, err, &fl)
	assert.Equal(t, failure.KindUncategorized, fl.Kind)
	assert.Equal(t, http.StatusInternalServerError, fl.HTTPStatus)
	assert.Equal(t, domain.SeverityError, out.Status)
	assert.ErrorIs(t, err, sourcesync.ErrRemoteRejected)
	assert.Empty(t, f.retries.scheduled, "rejected syncs are not retried")

	rec, err := f.store.GetAutomation(ctx, blueprint.CodeDropboxSync)
	require.NoError(t, err)
	assert.Equal(t, domain.SeverityError, rec.Status)
}

func TestExecute_SourceNotConfigured(t *testing.T) {
	f := newFixture(t)
	f.sync.err = fmt.Errorf("dropbox credentials: %w", sourcesync.ErrNotConfigured)

	_, err := f.runner.Execute(testutil.TestContext(t), ExecuteRequest{Code: blueprint.CodeDropboxSync})

	var fl *failure.Failure
	require.ErrorAs(t, err, &fl)
	assert.Equal(t, failure.KindNotConfigured, fl.Kind)
	assert.True(t, errors.Is(err, sourcesync.ErrNotConfigured))
	assert.Empty(t, f.retries.scheduled)
}

func TestExecute_SourceWithoutRemotePath(t *testing.T) {
	s := memory.New()
	seed(t, s)
	syncer := &fakeSync{}
	r := New(blueprint.Default(), s, Config{}).WithSourceSync(syncer)

	_, err := r.Execute(testutil.TestContext(t), ExecuteRequest{Code: blueprint.CodeDropboxSync})

	var fl *failure.Failure
	require.ErrorAs(t, err, &fl)
	assert.Equal(t, failure.KindNotConfigured, fl.Kind)
	assert.Zero(t, syncer.calls)
}

func TestExecute_KeepsRunID(t *testing.T) {
	f := newFixture(t)
	runID := testutil.MustParseUUID("6f1c2f8e-8a4e-4d0c-9f7a-2b1d3c4e5f60")

	out, err := f.runner.Execute(testutil.TestContext(t), ExecuteRequest{
		Code:   blueprint.CodeClientInsights,
		RunID:  runID,
		Source: "cascade:content-review",
	})
	require.NoError(t, err)
	assert.Equal(t, runID, out.RunID)

	execs := f.store.Executions()
	require.Len(t, execs, 1)
	assert.Equal(t, runID, execs[0].RunID)
	assert.Equal(t, "cascade:content-review", execs[0].Source)
}

// finishFailingStore accepts executions but cannot finalize them.
type finishFailingStore struct {
	*memory.Store
}

func (s finishFailingStore) FinishExecution(ctx context.Context, id int64, status domain.ExecutionStatus, logs string, result map[string]any, at time.Time) error {
	return errors.New("connection reset")
}

func TestExecute_FinalizeFailureIsUncategorized(t *testing.T) {
	tests := []struct {
		name    string
		respond testutil.HookResponse
	}{
		{"after success", testutil.HookResponse{Status: http.StatusOK, ContentType: "application/json", Body: `{"ok":true}`}},
		{"after rejection", testutil.HookResponse{Status: http.StatusNotFound, ContentType: "text/plain", Body: "missing"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := memory.New()
			seed(t, mem)
			hooks := testutil.NewHookServer(t)
			hooks.Respond("/webhook/post-scheduling", tt.respond)
			invoker := dispatcher.NewInvoker(dispatcher.Config{BaseURL: hooks.URL, Timeout: 2 * time.Second}, dispatcher.NewHTTPWebhookSender())
			r := New(blueprint.Default(), finishFailingStore{mem}, Config{}).WithWebhook(invoker)

			_, err := r.Execute(testutil.TestContext(t), ExecuteRequest{Code: blueprint.CodePostScheduling})

			var fl *failure.Failure
			require.ErrorAs(t, err, &fl)
			assert.Equal(t, failure.KindUncategorized, fl.Kind)
			assert.Contains(t, fl.Message, "connection reset")
		})
	}
}
