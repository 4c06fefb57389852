package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/yungbote/appbuild-orchestrator/internal/clients/ci"
	types "github.com/yungbote/appbuild-orchestrator/internal/domain/builds"
	"github.com/yungbote/appbuild-orchestrator/internal/pkg/httpx"
	"github.com/yungbote/appbuild-orchestrator/internal/platform/logger"
)

const (
	defaultBaseURL = "https://api.github.com"
	defaultWebURL  = "https://github.com"
	apiVersion     = "2022-11-28"
)

type Config struct {
	BaseURL  string
	WebURL   string
	Owner    string
	Repo     string
	Token    string
	Workflow string
	Ref      string

	RequestsPerSecond float64
	HTTPTimeout       time.Duration

	// Used only when the dispatch response carries no run id (204).
	RunLookupAttempts int
	RunLookupDelay    time.Duration
}

// Client drives GitHub Actions workflow_dispatch runs as the build provider.
type Client struct {
	log        *logger.Logger
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

var _ ci.Provider = (*Client)(nil)

func NewClient(cfg Config, log *logger.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Owner) == "" || strings.TrimSpace(cfg.Repo) == "" {
		return nil, errors.New("github owner and repo are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.WebURL == "" {
		cfg.WebURL = defaultWebURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.WebURL = strings.TrimRight(cfg.WebURL, "/")
	if cfg.Workflow == "" {
		cfg.Workflow = "build-app.yml"
	}
	if cfg.Ref == "" {
		cfg.Ref = "main"
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 15 * time.Second
	}
	if cfg.RunLookupAttempts <= 0 {
		cfg.RunLookupAttempts = 3
	}
	if cfg.RunLookupDelay <= 0 {
		cfg.RunLookupDelay = 2 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &Client{
		log:        log.With("client", "GitHubActions", "repo", cfg.Owner+"/"+cfg.Repo),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		limiter:    rate.NewLimiter(limit, 5),
	}, nil
}

func (c *Client) Dispatch(ctx context.Context, req ci.DispatchRequest) (ci.DispatchResult, error) {
	if req.JobID == "" {
		return ci.DispatchResult{}, errors.New("dispatch: job id required")
	}
	dispatchedAt := time.Now().UTC()
	path := fmt.Sprintf("/repos/%s/%s/actions/workflows/%s/dispatches",
		url.PathEscape(c.cfg.Owner), url.PathEscape(c.cfg.Repo), url.PathEscape(c.cfg.Workflow))
	body := map[string]any{
		"ref":                c.cfg.Ref,
		"inputs":             req.Inputs(),
		"return_run_details": true,
	}
	status, raw, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return ci.DispatchResult{}, fmt.Errorf("dispatch workflow: %w", err)
	}

	if status == http.StatusOK && len(raw) > 0 {
		if !gjson.ValidBytes(raw) {
			return ci.DispatchResult{}, fmt.Errorf("dispatch workflow: malformed response")
		}
		res := gjson.ParseBytes(raw)
		if id := res.Get("workflow_run_id"); id.Exists() && id.Int() > 0 {
			return ci.DispatchResult{
				RunID:  strconv.FormatInt(id.Int(), 10),
				RunURL: res.Get("html_url").String(),
			}, nil
		}
	}

	// Older API behaviour: 204 with no body. The workflow's run-name embeds the
	// build id, so the run can be located by display title.
	for attempt := 0; attempt < c.cfg.RunLookupAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ci.DispatchResult{}, fmt.Errorf("locate dispatched run: %w", ctx.Err())
		case <-time.After(c.cfg.RunLookupDelay):
		}
		found, ok, err := c.findRun(ctx, req.JobID, dispatchedAt)
		if err != nil {
			c.log.Warn("Run lookup failed", "job_id", req.JobID, "attempt", attempt+1, "error", err)
			continue
		}
		if ok {
			return found, nil
		}
	}
	return ci.DispatchResult{}, fmt.Errorf("dispatch accepted but run for %s was not located", req.JobID)
}

func (c *Client) findRun(ctx context.Context, jobID string, since time.Time) (ci.DispatchResult, bool, error) {
	q := url.Values{}
	q.Set("event", "workflow_dispatch")
	q.Set("per_page", "30")
	q.Set("created", ">="+since.Add(-time.Minute).Format(time.RFC3339))
	path := fmt.Sprintf("/repos/%s/%s/actions/workflows/%s/runs?%s",
		url.PathEscape(c.cfg.Owner), url.PathEscape(c.cfg.Repo), url.PathEscape(c.cfg.Workflow), q.Encode())
	_, raw, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return ci.DispatchResult{}, false, err
	}
	if !gjson.ValidBytes(raw) {
		return ci.DispatchResult{}, false, errors.New("malformed run listing")
	}
	var out ci.DispatchResult
	found := false
	gjson.GetBytes(raw, "workflow_runs").ForEach(func(_, run gjson.Result) bool {
		title := run.Get("display_title").String() + " " + run.Get("name").String()
		if strings.Contains(title, jobID) {
			out = ci.DispatchResult{
				RunID:  strconv.FormatInt(run.Get("id").Int(), 10),
				RunURL: run.Get("html_url").String(),
			}
			found = true
			return false
		}
		return true
	})
	return out, found, nil
}

func (c *Client) PollStatus(ctx context.Context, runID string) (ci.RunStatus, error) {
	if _, err := strconv.ParseInt(runID, 10, 64); err != nil {
		return ci.RunStatus{}, fmt.Errorf("poll: invalid run id %q", runID)
	}
	path := fmt.Sprintf("/repos/%s/%s/actions/runs/%s", url.PathEscape(c.cfg.Owner), url.PathEscape(c.cfg.Repo), runID)
	_, raw, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		var se *httpx.StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			return ci.RunStatus{Phase: ci.PhaseNotFound}, nil
		}
		return ci.RunStatus{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	if !gjson.ValidBytes(raw) {
		return ci.RunStatus{}, fmt.Errorf("get run %s: malformed response", runID)
	}
	run := gjson.ParseBytes(raw)
	st := ci.RunStatus{
		Phase:      phaseOf(run.Get("status").String()),
		Conclusion: run.Get("conclusion").String(),
		RunURL:     run.Get("html_url").String(),
	}
	if !st.Succeeded() {
		return st, nil
	}
	artifacts, err := c.listArtifacts(ctx, runID)
	if err != nil {
		return ci.RunStatus{}, err
	}
	st.Artifacts = artifacts
	return st, nil
}

func (c *Client) listArtifacts(ctx context.Context, runID string) (map[types.Platform]string, error) {
	path := fmt.Sprintf("/repos/%s/%s/actions/runs/%s/artifacts?per_page=100", url.PathEscape(c.cfg.Owner), url.PathEscape(c.cfg.Repo), runID)
	_, raw, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("list artifacts for run %s: %w", runID, err)
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("list artifacts for run %s: malformed response", runID)
	}
	out := map[types.Platform]string{}
	gjson.GetBytes(raw, "artifacts").ForEach(func(_, a gjson.Result) bool {
		if a.Get("expired").Bool() {
			return true
		}
		p, ok := platformOf(a.Get("name").String())
		if !ok {
			return true
		}
		if _, seen := out[p]; !seen {
			out[p] = fmt.Sprintf("%s/%s/%s/actions/runs/%s/artifacts/%d",
				c.cfg.WebURL, c.cfg.Owner, c.cfg.Repo, runID, a.Get("id").Int())
		}
		return true
	})
	return out, nil
}

func phaseOf(status string) ci.Phase {
	switch status {
	case "completed":
		return ci.PhaseCompleted
	case "in_progress":
		return ci.PhaseRunning
	default:
		// queued, requested, waiting, pending
		return ci.PhaseQueued
	}
}

func platformOf(artifactName string) (types.Platform, bool) {
	n := strings.ToLower(artifactName)
	switch {
	case strings.Contains(n, "android"), strings.Contains(n, "apk"):
		return types.PlatformAndroid, true
	case strings.Contains(n, "ios"), strings.Contains(n, "ipa"):
		return types.PlatformIOS, true
	}
	return "", false
}

func (c *Client) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, err
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, &buf)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, raw, &httpx.StatusError{StatusCode: resp.StatusCode, Body: truncate(string(raw), 300)}
	}
	return resp.StatusCode, raw, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
