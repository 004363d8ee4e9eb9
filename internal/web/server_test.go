package web

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/dcakeeper/internal/domain"
	"github.com/vadiminshakov/dcakeeper/internal/scheduler"
)

type fakeScheduler struct {
	mu         sync.Mutex
	state      domain.SchedulerState
	accounts   []domain.AccountConfig
	results    []domain.ExecutionResult
	triggerErr error
	triggers   int

	// started and release hold Trigger open when set
	started  chan struct{}
	release  chan struct{}
	cycleErr error
}

func (f *fakeScheduler) Stats() domain.SchedulerState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeScheduler) Trigger(ctx context.Context) ([]domain.ExecutionResult, error) {
	if f.started != nil {
		close(f.started)
		<-f.release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers++
	f.cycleErr = ctx.Err()
	return f.results, f.triggerErr
}

func (f *fakeScheduler) SetAccounts(accounts []domain.AccountConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts = accounts
}

func (f *fakeScheduler) Accounts() []domain.AccountConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accounts
}

type fakeJournal struct {
	records []domain.ExecutionRecord
	err     error
}

func (j *fakeJournal) EventsAfter(index uint64, limit int) ([]domain.ExecutionRecord, error) {
	if j.err != nil {
		return nil, j.err
	}
	var out []domain.ExecutionRecord
	for _, r := range j.records {
		if r.Index <= index {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, r)
	}
	return out, nil
}

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(sched *fakeScheduler, opts ...Option) http.Handler {
	clock := fixedNow
	opts = append([]Option{WithClock(func() time.Time {
		clock = clock.Add(10 * time.Second)
		return clock
	})}, opts...)
	return NewServer(":0", sched, opts...).Handler()
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestServer_Health(t *testing.T) {
	sched := &fakeScheduler{state: domain.SchedulerState{TotalExecutions: 3, LastRunAtMs: 42}}
	h := newTestServer(sched)

	rec := do(t, h, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var body struct {
		Status    string                `json:"status"`
		Uptime    float64               `json:"uptime"`
		Scheduler domain.SchedulerState `json:"scheduler"`
		Timestamp time.Time             `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.InDelta(t, 10, body.Uptime, 0.001)
	assert.Equal(t, uint64(3), body.Scheduler.TotalExecutions)
	assert.False(t, body.Timestamp.IsZero())
}

func TestServer_RequestIDPassthrough(t *testing.T) {
	h := newTestServer(&fakeScheduler{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestServer_Status(t *testing.T) {
	sched := &fakeScheduler{accounts: []domain.AccountConfig{{ID: "0xa"}, {ID: "0xb"}}}
	h := newTestServer(sched, WithSummary(func() any {
		return map[string]any{"rpcUrl": "https://rpc.example", "webhookConfigured": true}
	}))

	rec := do(t, h, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 2, body["accounts"])
	cfg := body["config"].(map[string]any)
	assert.Equal(t, "https://rpc.example", cfg["rpcUrl"])
	assert.Equal(t, true, cfg["webhookConfigured"])
}

func TestServer_Trigger(t *testing.T) {
	sched := &fakeScheduler{results: []domain.ExecutionResult{
		{Success: true, AccountID: "0xa", TxDigest: "d1"},
		{Success: false, AccountID: "0xb", Error: "boom"},
	}}
	h := newTestServer(sched)

	rec := do(t, h, http.MethodPost, "/trigger")
	require.Equal(t, http.StatusOK, rec.Code)

	var results []domain.ExecutionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Len(t, results, 2)
	assert.Equal(t, "d1", results[0].TxDigest)
	assert.Equal(t, "boom", results[1].Error)

	rec = do(t, h, http.MethodGet, "/trigger")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, 1, sched.triggers)
}

func TestServer_TriggerEmptyCycle(t *testing.T) {
	rec := do(t, newTestServer(&fakeScheduler{}), http.MethodPost, "/trigger")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestServer_TriggerSurvivesClientDisconnect(t *testing.T) {
	sched := &fakeScheduler{
		results: []domain.ExecutionResult{{Success: true, AccountID: "0xa", TxDigest: "d1"}},
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	h := newTestServer(sched)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/trigger", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.ServeHTTP(rec, req)
	}()

	<-sched.started
	cancel()
	close(sched.release)
	<-done

	sched.mu.Lock()
	defer sched.mu.Unlock()
	assert.NoError(t, sched.cycleErr, "cycle context must outlive the request")
	assert.Equal(t, 1, sched.triggers)
}

func TestServer_TriggerErrors(t *testing.T) {
	for name, tc := range map[string]struct {
		err  error
		code int
	}{
		"in progress":  {err: scheduler.ErrCycleInProgress, code: http.StatusConflict},
		"stopped":      {err: scheduler.ErrStopped, code: http.StatusServiceUnavailable},
		"catastrophic": {err: errors.New("run cycle: invalid account list"), code: http.StatusInternalServerError},
	} {
		t.Run(name, func(t *testing.T) {
			rec := do(t, newTestServer(&fakeScheduler{triggerErr: tc.err}), http.MethodPost, "/trigger")
			assert.Equal(t, tc.code, rec.Code)

			var body errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tc.err.Error(), body.Error)
		})
	}
}

func TestServer_Reload(t *testing.T) {
	sched := &fakeScheduler{accounts: []domain.AccountConfig{{ID: "0xold"}}}
	fresh := []domain.AccountConfig{{ID: "0xa"}, {ID: "0xb"}}
	h := newTestServer(sched, WithReloader(func(context.Context) ([]domain.AccountConfig, error) {
		return fresh, nil
	}))

	rec := do(t, h, http.MethodPost, "/reload")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"reloaded":true,"accounts":2}`, rec.Body.String())
	assert.Equal(t, fresh, sched.Accounts())
}

func TestServer_ReloadRejected(t *testing.T) {
	sched := &fakeScheduler{accounts: []domain.AccountConfig{{ID: "0xold"}}}
	h := newTestServer(sched, WithReloader(func(context.Context) ([]domain.AccountConfig, error) {
		return nil, errors.New("duplicate account id")
	}))

	rec := do(t, h, http.MethodPost, "/reload")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "0xold", sched.Accounts()[0].ID)

	rec = do(t, newTestServer(sched), http.MethodPost, "/reload")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	h := newTestServer(&fakeScheduler{}, WithMetrics(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("dcakeeper_up 1\n"))
	})))

	rec := do(t, h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dcakeeper_up 1")

	rec = do(t, newTestServer(&fakeScheduler{}), http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func journalWith(n int) *fakeJournal {
	j := &fakeJournal{}
	for i := 1; i <= n; i++ {
		j.records = append(j.records, domain.ExecutionRecord{
			Index:  uint64(i),
			Result: domain.ExecutionResult{Success: true, AccountID: "0xa"},
		})
	}
	return j
}

func TestServer_Executions(t *testing.T) {
	h := newTestServer(&fakeScheduler{}, WithExecutions(journalWith(5)))

	rec := do(t, h, http.MethodGet, "/executions?after=2&limit=2")
	require.Equal(t, http.StatusOK, rec.Code)

	var records []domain.ExecutionRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 2)
	assert.Equal(t, uint64(3), records[0].Index)
	assert.Equal(t, uint64(4), records[1].Index)

	rec = do(t, h, http.MethodGet, "/executions?after=9")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/executions?after=x").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/executions?limit=0").Code)
}

func TestServer_ExecutionsUnavailable(t *testing.T) {
	h := newTestServer(&fakeScheduler{})
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/executions").Code)

	h = newTestServer(&fakeScheduler{}, WithExecutions(&fakeJournal{err: errors.New("disk")}))
	assert.Equal(t, http.StatusInternalServerError, do(t, h, http.MethodGet, "/executions").Code)
}

func TestServer_ExecutionStreamResumes(t *testing.T) {
	srv := httptest.NewServer(newTestServer(&fakeScheduler{}, WithExecutions(journalWith(3))))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/executions/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var ids []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() && len(ids) < 2 {
		if line := scanner.Text(); strings.HasPrefix(line, "id: ") {
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		}
	}
	assert.Equal(t, []string{"2", "3"}, ids)
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, uint64(7), parseLastEventID(" 7 ", "3"))
	assert.Equal(t, uint64(3), parseLastEventID("", "3"))
	assert.Zero(t, parseLastEventID("bad", ""))
	assert.Zero(t, parseLastEventID("", ""))
}
