// Package github is the GitHub connector: repositories enumerate into
// per-kind streams, streams page the REST API, and items transform into
// activity results.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"communitysync/internal/integration"
	"communitysync/internal/limiter"
	"communitysync/internal/model"
)

const etagCacheTTL = 6 * time.Hour

type Processor struct {
	client *http.Client
}

func New() *Processor {
	return &Processor{client: &http.Client{Timeout: 30 * time.Second}}
}

func (p *Processor) Platform() model.Platform { return model.PlatformGitHub }

// streamRef is the stream's data blob: one API listing page.
type streamRef struct {
	Kind string `json:"kind"`
	Repo string `json:"repo"`
	Page int    `json:"page"`
}

// item is the data-tier payload: one upstream object plus routing context.
type item struct {
	Kind string          `json:"kind"`
	Repo string          `json:"repo"`
	Raw  json.RawMessage `json:"raw"`
}

var streamKinds = []string{"issues", "pulls", "stargazers"}

// GenerateStreams publishes page one of every kind for every configured
// repository. Later pages arrive as child streams while paging.
func (p *Processor) GenerateStreams(ctx context.Context, ic integration.Context) error {
	settings, err := parseSettings(ic.Settings())
	if err != nil {
		return ic.AbortWithError(ctx, "github-generate", err.Error(), nil)
	}
	for _, repo := range settings.Repos {
		for _, kind := range streamKinds {
			ref := streamRef{Kind: kind, Repo: repo, Page: 1}
			blob, _ := json.Marshal(ref)
			if err := ic.PublishStream(ctx, streamIdentifier(ref), blob); err != nil {
				return err
			}
		}
	}
	return nil
}

func streamIdentifier(ref streamRef) string {
	return fmt.Sprintf("%s:%s:%d", ref.Kind, ref.Repo, ref.Page)
}

// ProcessStream fetches one listing page, publishes each item to the data
// tier, and chains the next page as a new stream when the page was full.
func (p *Processor) ProcessStream(ctx context.Context, ic integration.Context, stream *model.Stream) error {
	settings, err := parseSettings(ic.Settings())
	if err != nil {
		return ic.AbortWithError(ctx, "github-stream", err.Error(), nil)
	}
	var ref streamRef
	if err := json.Unmarshal(stream.Data, &ref); err != nil {
		return ic.AbortWithError(ctx, "github-stream", "bad stream data", map[string]any{"identifier": stream.Identifier})
	}

	items, full, err := p.listPage(ctx, ic, settings, ref)
	if err != nil {
		return err
	}
	for _, raw := range items {
		payload, _ := json.Marshal(item{Kind: ref.Kind, Repo: ref.Repo, Raw: raw})
		if err := ic.PublishData(ctx, payload); err != nil {
			return err
		}
	}
	if full {
		next := streamRef{Kind: ref.Kind, Repo: ref.Repo, Page: ref.Page + 1}
		blob, _ := json.Marshal(next)
		if err := ic.PublishStream(ctx, streamIdentifier(next), blob); err != nil {
			return err
		}
	}
	return nil
}

// listPage performs one GET under the fleet-wide semaphore. A 429 or
// secondary-limit 403 surfaces as a RateLimitError so the caller delays
// instead of burning retries.
func (p *Processor) listPage(ctx context.Context, ic integration.Context, settings Settings, ref streamRef) ([]json.RawMessage, bool, error) {
	lim := ic.RateLimiter("github-api", defaultMaxConcurrentCalls)
	if err := lim.Acquire(ctx); err != nil {
		return nil, false, err
	}
	defer func() { _ = lim.Release(ctx) }()

	url := fmt.Sprintf("%s/repos/%s/%s?per_page=%d&page=%d&state=all",
		settings.BaseURL, ref.Repo, ref.Kind, settings.PerPage, ref.Page)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if settings.Token != "" {
		req.Header.Set("Authorization", "Bearer "+settings.Token)
	}
	if etag := p.cachedETag(ctx, ic, url); etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("github %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return nil, false, nil
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0":
		return nil, false, &limiter.RateLimitError{RetryAfter: retryAfter(resp)}
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, false, fmt.Errorf("github %s: status %d: %s", url, resp.StatusCode, body)
	}

	if etag := resp.Header.Get("ETag"); etag != "" {
		_ = ic.Cache().Set(ctx, "etag:"+url, etag, etagCacheTTL)
	}
	var items []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, false, fmt.Errorf("github %s: decode: %w", url, err)
	}
	return items, len(items) >= settings.PerPage, nil
}

func (p *Processor) cachedETag(ctx context.Context, ic integration.Context, url string) string {
	etag, err := ic.Cache().Get(ctx, "etag:"+url)
	if err != nil {
		return ""
	}
	return etag
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	if v := resp.Header.Get("X-RateLimit-Reset"); v != "" {
		if reset, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Until(time.Unix(reset, 0)); d > 0 {
				return d
			}
		}
	}
	return time.Minute
}

// activity is the normalized sink shape shared by all kinds.
type activity struct {
	Type      string          `json:"type"`
	Repo      string          `json:"repo"`
	SourceID  string          `json:"source_id"`
	Member    string          `json:"member"`
	Timestamp string          `json:"timestamp"`
	Body      json.RawMessage `json:"body"`
}

// ProcessData turns one upstream object into a normalized activity.
func (p *Processor) ProcessData(ctx context.Context, ic integration.Context, data *model.Data) error {
	var it item
	if err := json.Unmarshal(data.Payload, &it); err != nil {
		return ic.AbortWithError(ctx, "github-data", "bad data payload", nil)
	}

	var fields struct {
		ID        int64  `json:"id"`
		CreatedAt string `json:"created_at"`
		StarredAt string `json:"starred_at"`
		User      *struct {
			Login string `json:"login"`
		} `json:"user"`
	}
	if err := json.Unmarshal(it.Raw, &fields); err != nil {
		return ic.AbortWithError(ctx, "github-data", "bad upstream object", map[string]any{"kind": it.Kind})
	}

	act := activity{
		Type:      activityType(it.Kind),
		Repo:      it.Repo,
		SourceID:  strconv.FormatInt(fields.ID, 10),
		Timestamp: fields.CreatedAt,
		Body:      it.Raw,
	}
	if act.Timestamp == "" {
		act.Timestamp = fields.StarredAt
	}
	if fields.User != nil {
		act.Member = fields.User.Login
	}

	payload, _ := json.Marshal(act)
	return ic.PublishActivity(ctx, payload)
}

func activityType(kind string) string {
	switch kind {
	case "issues":
		return "issue-opened"
	case "pulls":
		return "pull-request-opened"
	case "stargazers":
		return "star"
	default:
		return kind
	}
}

// ProcessWebhookStream handles pushed events. Events carry the same shapes
// as the listing APIs, so they ride the normal data tier.
func (p *Processor) ProcessWebhookStream(ctx context.Context, ic integration.Context, payload json.RawMessage) error {
	var event struct {
		Issue       json.RawMessage `json:"issue"`
		PullRequest json.RawMessage `json:"pull_request"`
		Repository  *struct {
			FullName string `json:"full_name"`
		} `json:"repository"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return ic.AbortWithError(ctx, "github-webhook", "bad webhook payload", nil)
	}
	repo := ""
	if event.Repository != nil {
		repo = event.Repository.FullName
	}

	var it item
	switch {
	case len(event.PullRequest) > 0:
		it = item{Kind: "pulls", Repo: repo, Raw: event.PullRequest}
	case len(event.Issue) > 0:
		it = item{Kind: "issues", Repo: repo, Raw: event.Issue}
	default:
		// Unhandled event types are dropped, not errored; GitHub sends
		// many kinds we do not track.
		return nil
	}
	blob, _ := json.Marshal(it)
	return ic.PublishData(ctx, blob)
}
