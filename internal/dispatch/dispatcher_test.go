package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/vnmchuo/llm-dispatch/config"
	"github.com/vnmchuo/llm-dispatch/internal/provider"
	"github.com/vnmchuo/llm-dispatch/internal/usage"
)

type mockClient struct {
	name         string
	getResponse  func(ctx context.Context, model string, req *provider.ChatRequest) (*provider.Response, error)
	getEmbedding func(ctx context.Context, model, input string) (*provider.Response, error)
}

func (m *mockClient) GetResponse(ctx context.Context, model string, req *provider.ChatRequest) (*provider.Response, error) {
	return m.getResponse(ctx, model, req)
}

func (m *mockClient) GetEmbedding(ctx context.Context, model, input string) (*provider.Response, error) {
	return m.getEmbedding(ctx, model, input)
}

func (m *mockClient) Name() string { return m.name }

type stubShrinker struct {
	calls int
}

func (s *stubShrinker) Shrink(msgs []provider.Message) []provider.Message {
	s.calls++
	return []provider.Message{{Role: provider.RoleUser, Content: "shrunk"}}
}

func testConfig() config.RequestConfig {
	return config.RequestConfig{
		MaxRetry:           2,
		RetryIntervalSec:   1,
		TimeoutSec:         5,
		DefaultMaxTokens:   256,
		DefaultTemperature: 0.5,
	}
}

func candidate(name string, client provider.Client, override config.ModelUsage) Candidate {
	override.Name = name
	return Candidate{
		Model: config.ModelConfig{
			Identifier: name + "-id",
			Name:       name,
			Provider:   "test",
			PriceIn:    1.0,
			PriceOut:   2.0,
		},
		Usage:  override,
		Client: client,
	}
}

// newTestDispatcher wires a memory store and a non-blocking sleep.
func newTestDispatcher(t *testing.T, conf config.RequestConfig, candidates ...Candidate) (*Dispatcher, *usage.MemoryStore, *[]time.Duration) {
	t.Helper()
	store := usage.NewMemoryStore()
	recorder := usage.NewRecorder(store, slog.Default())
	d := New("test-task", candidates, conf, recorder, &stubShrinker{}, slog.Default())

	var waits []time.Duration
	d.sleep = func(_ context.Context, dur time.Duration) error {
		waits = append(waits, dur)
		return nil
	}
	return d, store, &waits
}

func messages() []provider.Message {
	return []provider.Message{{Role: provider.RoleUser, Content: "hello"}}
}

func intPtr(v int) *int { return &v }

func TestGetResponseFirstCandidateSucceeds(t *testing.T) {
	ok := &mockClient{name: "test", getResponse: func(_ context.Context, model string, _ *provider.ChatRequest) (*provider.Response, error) {
		return &provider.Response{
			Content: "hi",
			Model:   model,
			Usage:   &provider.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		}, nil
	}}
	d, store, _ := newTestDispatcher(t, testConfig(), candidate("alpha", ok, config.ModelUsage{}))

	resp, err := d.GetResponse(context.Background(), messages(), &ChatOptions{TenantID: "t1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hi" {
		t.Errorf("expected content %q, got %q", "hi", resp.Content)
	}

	recs := store.Records()
	if len(recs) != 1 {
		t.Fatalf("expected 1 usage record, got %d", len(recs))
	}
	rec := recs[0]
	if rec.Status != usage.StatusSuccess {
		t.Errorf("expected success status, got %s", rec.Status)
	}
	if rec.TenantID != "t1" || rec.Model != "alpha" || rec.Task != "test-task" || rec.Kind != usage.KindChat {
		t.Errorf("record fields wrong: %+v", rec)
	}
	if rec.TotalTokens != 15 {
		t.Errorf("expected 15 total tokens, got %d", rec.TotalTokens)
	}
	// 10/1e6*1.0 + 5/1e6*2.0
	if rec.CostUSD != 0.00002 {
		t.Errorf("expected cost 0.00002, got %v", rec.CostUSD)
	}
}

func TestGetResponseFailsOverAfterRetries(t *testing.T) {
	// First candidate is rate limited on every attempt; with max_retry=1 it
	// gets two attempts. Second candidate succeeds immediately.
	var alphaCalls int
	alpha := &mockClient{name: "test", getResponse: func(context.Context, string, *provider.ChatRequest) (*provider.Response, error) {
		alphaCalls++
		return nil, &provider.StatusError{Code: http.StatusTooManyRequests, Message: "slow down"}
	}}
	beta := &mockClient{name: "test", getResponse: func(_ context.Context, model string, _ *provider.ChatRequest) (*provider.Response, error) {
		return &provider.Response{Content: "from beta", Model: model}, nil
	}}

	d, store, waits := newTestDispatcher(t, testConfig(),
		candidate("alpha", alpha, config.ModelUsage{MaxRetry: intPtr(1)}),
		candidate("beta", beta, config.ModelUsage{}),
	)

	resp, err := d.GetResponse(context.Background(), messages(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "from beta" {
		t.Errorf("expected beta's response, got %q", resp.Content)
	}
	if alphaCalls != 2 {
		t.Errorf("expected 2 attempts against alpha, got %d", alphaCalls)
	}

	recs := store.Records()
	if len(recs) != 3 {
		t.Fatalf("expected 3 usage records (one per attempt), got %d", len(recs))
	}
	for i := 0; i < 2; i++ {
		if recs[i].Model != "alpha" || recs[i].Status != usage.StatusFailure {
			t.Errorf("record %d: expected alpha failure, got %s %s", i, recs[i].Model, recs[i].Status)
		}
	}
	if recs[2].Model != "beta" || recs[2].Status != usage.StatusSuccess {
		t.Errorf("record 2: expected beta success, got %s %s", recs[2].Model, recs[2].Status)
	}

	// Only the first 429 waits; the last attempt's failure aborts.
	if len(*waits) != 1 || (*waits)[0] != time.Second {
		t.Errorf("expected one 1s wait, got %v", *waits)
	}
}

func TestGetResponseClientErrorSkipsRetries(t *testing.T) {
	var calls int
	notFound := &mockClient{name: "test", getResponse: func(context.Context, string, *provider.ChatRequest) (*provider.Response, error) {
		calls++
		return nil, &provider.StatusError{Code: http.StatusNotFound, Message: "no such model"}
	}}
	d, store, _ := newTestDispatcher(t, testConfig(), candidate("alpha", notFound, config.ModelUsage{}))

	_, err := d.GetResponse(context.Background(), messages(), nil)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if calls != 1 {
		t.Errorf("404 must not burn retries: expected 1 call, got %d", calls)
	}
	if recs := store.Records(); len(recs) != 1 || recs[0].Status != usage.StatusFailure {
		t.Errorf("expected exactly 1 failure record, got %+v", recs)
	}
}

func TestGetResponseShrinksOnceThenAborts(t *testing.T) {
	var payloads [][]provider.Message
	tooLarge := &mockClient{name: "test", getResponse: func(_ context.Context, _ string, req *provider.ChatRequest) (*provider.Response, error) {
		payloads = append(payloads, req.Messages)
		return nil, &provider.StatusError{Code: http.StatusRequestEntityTooLarge, Message: "too big"}
	}}
	d, store, _ := newTestDispatcher(t, testConfig(), candidate("alpha", tooLarge, config.ModelUsage{}))

	_, err := d.GetResponse(context.Background(), messages(), nil)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}

	if len(payloads) != 2 {
		t.Fatalf("expected 2 attempts (original + shrunk), got %d", len(payloads))
	}
	if payloads[0][0].Content != "hello" {
		t.Errorf("first attempt should carry the original payload, got %q", payloads[0][0].Content)
	}
	if payloads[1][0].Content != "shrunk" {
		t.Errorf("second attempt should carry the shrunk payload, got %q", payloads[1][0].Content)
	}
	if recs := store.Records(); len(recs) != 2 {
		t.Errorf("expected 2 usage records, got %d", len(recs))
	}
}

func TestGetEmbeddingNeverShrinks(t *testing.T) {
	var calls int
	tooLarge := &mockClient{name: "test", getEmbedding: func(context.Context, string, string) (*provider.Response, error) {
		calls++
		return nil, &provider.StatusError{Code: http.StatusRequestEntityTooLarge, Message: "too big"}
	}}
	d, store, _ := newTestDispatcher(t, testConfig(), candidate("alpha", tooLarge, config.ModelUsage{}))

	_, err := d.GetEmbedding(context.Background(), "some text", "t1")
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if calls != 1 {
		t.Errorf("oversized embedding input must abort immediately, got %d calls", calls)
	}
	recs := store.Records()
	if len(recs) != 1 || recs[0].Kind != usage.KindEmbedding {
		t.Errorf("expected 1 embedding record, got %+v", recs)
	}
}

func TestGetEmbeddingFailsOver(t *testing.T) {
	broken := &mockClient{name: "test", getEmbedding: func(context.Context, string, string) (*provider.Response, error) {
		return nil, &provider.StatusError{Code: http.StatusNotFound, Message: "embeddings unsupported"}
	}}
	working := &mockClient{name: "test", getEmbedding: func(_ context.Context, model, _ string) (*provider.Response, error) {
		return &provider.Response{Embedding: []float64{0.1, 0.2}, Model: model}, nil
	}}
	d, _, _ := newTestDispatcher(t, testConfig(),
		candidate("alpha", broken, config.ModelUsage{}),
		candidate("beta", working, config.ModelUsage{}),
	)

	resp, err := d.GetEmbedding(context.Background(), "some text", "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Embedding) != 2 {
		t.Errorf("expected embedding from fallback model, got %+v", resp)
	}
}

func TestAttemptsBoundedByRetryBudget(t *testing.T) {
	var calls int
	flaky := &mockClient{name: "test", getResponse: func(context.Context, string, *provider.ChatRequest) (*provider.Response, error) {
		calls++
		return nil, &provider.ConnectionError{Err: errors.New("refused")}
	}}
	conf := testConfig()
	conf.MaxRetry = 3
	d, store, _ := newTestDispatcher(t, conf, candidate("alpha", flaky, config.ModelUsage{}))

	_, err := d.GetResponse(context.Background(), messages(), nil)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if calls != 4 {
		t.Errorf("max_retry=3 allows 4 attempts, got %d", calls)
	}
	if recs := store.Records(); len(recs) != calls {
		t.Errorf("record count %d must match attempt count %d", len(recs), calls)
	}
}

func TestInterruptedWaitAbandonsCandidate(t *testing.T) {
	var alphaCalls int
	flaky := &mockClient{name: "test", getResponse: func(context.Context, string, *provider.ChatRequest) (*provider.Response, error) {
		alphaCalls++
		return nil, &provider.StatusError{Code: http.StatusServiceUnavailable, Message: "down"}
	}}
	ok := &mockClient{name: "test", getResponse: func(context.Context, string, *provider.ChatRequest) (*provider.Response, error) {
		return &provider.Response{Content: "fallback"}, nil
	}}

	d, _, _ := newTestDispatcher(t, testConfig(),
		candidate("alpha", flaky, config.ModelUsage{}),
		candidate("beta", ok, config.ModelUsage{}),
	)
	d.sleep = func(context.Context, time.Duration) error {
		return context.Canceled
	}

	resp, err := d.GetResponse(context.Background(), messages(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if alphaCalls != 1 {
		t.Errorf("interrupted wait must not retry the same candidate, got %d calls", alphaCalls)
	}
	if resp.Content != "fallback" {
		t.Errorf("expected the next candidate to serve the request, got %q", resp.Content)
	}
}

func TestCancelAllAbandonsRemainingCandidates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var alphaCalls, betaCalls int
	alpha := &mockClient{name: "test", getResponse: func(context.Context, string, *provider.ChatRequest) (*provider.Response, error) {
		alphaCalls++
		cancel()
		return nil, &provider.AbortError{Err: context.Canceled}
	}}
	beta := &mockClient{name: "test", getResponse: func(context.Context, string, *provider.ChatRequest) (*provider.Response, error) {
		betaCalls++
		return &provider.Response{Content: "never"}, nil
	}}

	conf := testConfig()
	conf.CancelAll = true
	d, _, _ := newTestDispatcher(t, conf,
		candidate("alpha", alpha, config.ModelUsage{}),
		candidate("beta", beta, config.ModelUsage{}),
	)

	_, err := d.GetResponse(ctx, messages(), nil)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if alphaCalls != 1 || betaCalls != 0 {
		t.Errorf("cancel_all must skip remaining candidates: alpha=%d beta=%d", alphaCalls, betaCalls)
	}
}

func TestInterruptWithoutCancelAllTriesNextCandidate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	alpha := &mockClient{name: "test", getResponse: func(context.Context, string, *provider.ChatRequest) (*provider.Response, error) {
		cancel()
		return nil, &provider.AbortError{Err: context.Canceled}
	}}
	var betaCalls int
	beta := &mockClient{name: "test", getResponse: func(context.Context, string, *provider.ChatRequest) (*provider.Response, error) {
		betaCalls++
		return &provider.Response{Content: "served"}, nil
	}}

	d, _, _ := newTestDispatcher(t, testConfig(),
		candidate("alpha", alpha, config.ModelUsage{}),
		candidate("beta", beta, config.ModelUsage{}),
	)

	resp, err := d.GetResponse(ctx, messages(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if betaCalls != 1 || resp.Content != "served" {
		t.Errorf("default interrupt scope is the current candidate only; beta=%d resp=%+v", betaCalls, resp)
	}
}

func TestResolveLimitsPrecedence(t *testing.T) {
	conf := testConfig()
	d, _, _ := newTestDispatcher(t, conf)

	lim := d.resolveLimits(config.ModelUsage{})
	if lim.maxRetry != 2 || lim.maxTokens != 256 || lim.temperature != 0.5 {
		t.Errorf("defaults not applied: %+v", lim)
	}

	temp := 0.9
	lim = d.resolveLimits(config.ModelUsage{
		MaxRetry:    intPtr(0),
		MaxTokens:   intPtr(4096),
		Temperature: &temp,
	})
	if lim.maxRetry != 0 || lim.maxTokens != 4096 || lim.temperature != 0.9 {
		t.Errorf("candidate overrides not applied: %+v", lim)
	}
}

func TestRequestParametersReachClient(t *testing.T) {
	var got *provider.ChatRequest
	capture := &mockClient{name: "test", getResponse: func(_ context.Context, _ string, req *provider.ChatRequest) (*provider.Response, error) {
		got = req
		return &provider.Response{Content: "ok"}, nil
	}}
	d, _, _ := newTestDispatcher(t, testConfig(),
		candidate("alpha", capture, config.ModelUsage{MaxTokens: intPtr(512)}))

	tools := []provider.ToolOption{{Name: "lookup"}}
	format := &provider.ResponseFormat{Type: provider.FormatJSONObject}
	_, err := d.GetResponse(context.Background(), messages(), &ChatOptions{Tools: tools, Format: format})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.MaxTokens != 512 {
		t.Errorf("expected candidate max_tokens override 512, got %d", got.MaxTokens)
	}
	if len(got.Tools) != 1 || got.Tools[0].Name != "lookup" {
		t.Errorf("tools not forwarded: %+v", got.Tools)
	}
	if got.Format == nil || got.Format.Type != provider.FormatJSONObject {
		t.Errorf("response format not forwarded: %+v", got.Format)
	}
}

func TestSleepContextReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepContext(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if err := sleepContext(context.Background(), time.Millisecond); err != nil {
		t.Errorf("expected nil after timer fires, got %v", err)
	}
}
