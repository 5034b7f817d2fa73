package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"communitysync/internal/integration"
	"communitysync/internal/limiter"
	"communitysync/internal/model"
)

// fakeCtx records everything a processor publishes.
type fakeCtx struct {
	settings json.RawMessage
	cache    *memCache

	mu         sync.Mutex
	streams    map[string]json.RawMessage
	data       []json.RawMessage
	activities []json.RawMessage
	aborted    *string
}

func newFakeCtx(settings any) *fakeCtx {
	blob, _ := json.Marshal(settings)
	return &fakeCtx{
		settings: blob,
		cache:    &memCache{vals: map[string]string{}},
		streams:  map[string]json.RawMessage{},
	}
}

func (f *fakeCtx) TenantID() string          { return "t1" }
func (f *fakeCtx) IntegrationID() string     { return "i1" }
func (f *fakeCtx) Settings() json.RawMessage { return f.settings }
func (f *fakeCtx) Cache() integration.Cache  { return f.cache }

func (f *fakeCtx) PublishStream(_ context.Context, identifier string, data json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.streams[identifier]; !ok {
		f.streams[identifier] = data
	}
	return nil
}

func (f *fakeCtx) PublishData(_ context.Context, payload json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = append(f.data, payload)
	return nil
}

func (f *fakeCtx) PublishActivity(_ context.Context, payload json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activities = append(f.activities, payload)
	return nil
}

func (f *fakeCtx) PublishCustom(context.Context, json.RawMessage) error { return nil }

func (f *fakeCtx) AbortWithError(_ context.Context, location, message string, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg := location + ": " + message
	f.aborted = &msg
	return fmt.Errorf("aborted: %s", msg)
}

func (f *fakeCtx) AbortRunWithError(ctx context.Context, location, message string, md map[string]any) error {
	return f.AbortWithError(ctx, location, message, md)
}

func (f *fakeCtx) RateLimiter(string, int64) integration.Limiter { return noopLimiter{} }

type noopLimiter struct{}

func (noopLimiter) Acquire(context.Context) error { return nil }
func (noopLimiter) Release(context.Context) error { return nil }

type memCache struct {
	mu   sync.Mutex
	vals map[string]string
}

func (c *memCache) Get(_ context.Context, k string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.vals[k]
	if !ok {
		return "", fmt.Errorf("miss")
	}
	return v, nil
}

func (c *memCache) Set(_ context.Context, k, v string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals[k] = v
	return nil
}

func (c *memCache) Delete(_ context.Context, k string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.vals, k)
	return nil
}

func TestGenerateStreams(t *testing.T) {
	p := New()
	ic := newFakeCtx(Settings{Repos: []string{"acme/api", "acme/web"}})

	if err := p.GenerateStreams(context.Background(), ic); err != nil {
		t.Fatalf("GenerateStreams: %v", err)
	}
	// Three kinds per repo, page one each.
	if len(ic.streams) != 6 {
		t.Fatalf("published %d streams, want 6", len(ic.streams))
	}
	if _, ok := ic.streams["issues:acme/api:1"]; !ok {
		t.Error("missing issues stream for acme/api")
	}
	if _, ok := ic.streams["stargazers:acme/web:1"]; !ok {
		t.Error("missing stargazers stream for acme/web")
	}
}

func TestGenerateStreams_MissingReposAborts(t *testing.T) {
	p := New()
	ic := newFakeCtx(Settings{})

	if err := p.GenerateStreams(context.Background(), ic); err == nil {
		t.Fatal("expected abort error")
	}
	if ic.aborted == nil {
		t.Fatal("context was not aborted")
	}
}

func listStream(t *testing.T, kind, repo string, page int) *model.Stream {
	t.Helper()
	blob, _ := json.Marshal(streamRef{Kind: kind, Repo: repo, Page: page})
	return &model.Stream{ID: "s1", Identifier: fmt.Sprintf("%s:%s:%d", kind, repo, page), Data: blob}
}

func TestProcessStream_FullPageChainsNext(t *testing.T) {
	perPage := 2
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/api/issues" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("page"); got != "1" {
			t.Errorf("page %s, want 1", got)
		}
		w.Header().Set("ETag", `"abc"`)
		fmt.Fprint(w, `[{"id":1,"user":{"login":"ada"}},{"id":2,"user":{"login":"lin"}}]`)
	}))
	defer srv.Close()

	p := New()
	ic := newFakeCtx(Settings{Repos: []string{"acme/api"}, BaseURL: srv.URL, PerPage: perPage})

	err := p.ProcessStream(context.Background(), ic, listStream(t, "issues", "acme/api", 1))
	if err != nil {
		t.Fatalf("ProcessStream: %v", err)
	}
	if len(ic.data) != 2 {
		t.Errorf("published %d data payloads, want 2", len(ic.data))
	}
	// A full page chains page two as a new stream.
	if _, ok := ic.streams["issues:acme/api:2"]; !ok {
		t.Error("next page stream not published")
	}
	if got := ic.cache.vals["etag:"+srv.URL+"/repos/acme/api/issues?per_page=2&page=1&state=all"]; got != `"abc"` {
		t.Errorf("etag not cached, got %q", got)
	}
}

func TestProcessStream_PartialPageStops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id":1}]`)
	}))
	defer srv.Close()

	p := New()
	ic := newFakeCtx(Settings{Repos: []string{"acme/api"}, BaseURL: srv.URL, PerPage: 50})

	err := p.ProcessStream(context.Background(), ic, listStream(t, "pulls", "acme/api", 3))
	if err != nil {
		t.Fatalf("ProcessStream: %v", err)
	}
	if _, ok := ic.streams["pulls:acme/api:4"]; ok {
		t.Error("partial page should not chain a next stream")
	}
}

func TestProcessStream_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := New()
	ic := newFakeCtx(Settings{Repos: []string{"acme/api"}, BaseURL: srv.URL})

	err := p.ProcessStream(context.Background(), ic, listStream(t, "issues", "acme/api", 1))
	rle, ok := limiter.AsRateLimit(err)
	if !ok {
		t.Fatalf("got %v, want RateLimitError", err)
	}
	if rle.RetryAfter != 2*time.Minute {
		t.Errorf("RetryAfter %s, want 2m", rle.RetryAfter)
	}
}

func TestProcessStream_SecondaryLimitIsRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	p := New()
	ic := newFakeCtx(Settings{Repos: []string{"acme/api"}, BaseURL: srv.URL})

	err := p.ProcessStream(context.Background(), ic, listStream(t, "issues", "acme/api", 1))
	if _, ok := limiter.AsRateLimit(err); !ok {
		t.Fatalf("got %v, want RateLimitError", err)
	}
}

func TestProcessData_NormalizesActivity(t *testing.T) {
	p := New()
	ic := newFakeCtx(Settings{Repos: []string{"acme/api"}})

	raw := json.RawMessage(`{"id":42,"created_at":"2025-05-01T10:00:00Z","user":{"login":"ada"}}`)
	payload, _ := json.Marshal(item{Kind: "issues", Repo: "acme/api", Raw: raw})

	err := p.ProcessData(context.Background(), ic, &model.Data{ID: "d1", Payload: payload})
	if err != nil {
		t.Fatalf("ProcessData: %v", err)
	}
	if len(ic.activities) != 1 {
		t.Fatalf("published %d activities, want 1", len(ic.activities))
	}
	var act activity
	if err := json.Unmarshal(ic.activities[0], &act); err != nil {
		t.Fatal(err)
	}
	if act.Type != "issue-opened" || act.Member != "ada" || act.SourceID != "42" || act.Repo != "acme/api" {
		t.Errorf("unexpected activity %+v", act)
	}
}

func TestProcessWebhookStream(t *testing.T) {
	p := New()
	ic := newFakeCtx(Settings{Repos: []string{"acme/api"}})

	payload := json.RawMessage(`{
		"action": "opened",
		"issue": {"id": 7, "user": {"login": "lin"}},
		"repository": {"full_name": "acme/api"}
	}`)
	if err := p.ProcessWebhookStream(context.Background(), ic, payload); err != nil {
		t.Fatalf("ProcessWebhookStream: %v", err)
	}
	if len(ic.data) != 1 {
		t.Fatalf("published %d data payloads, want 1", len(ic.data))
	}
	var it item
	if err := json.Unmarshal(ic.data[0], &it); err != nil {
		t.Fatal(err)
	}
	if it.Kind != "issues" || it.Repo != "acme/api" {
		t.Errorf("unexpected item %+v", it)
	}

	// Untracked event kinds are dropped silently.
	if err := p.ProcessWebhookStream(context.Background(), ic, json.RawMessage(`{"action":"labeled"}`)); err != nil {
		t.Fatalf("untracked event errored: %v", err)
	}
	if len(ic.data) != 1 {
		t.Errorf("untracked event published data")
	}
}
