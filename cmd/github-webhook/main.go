// Package main provides a GitHub webhook bridge for taskd.
//
// The bridge receives GitHub webhook events and turns issues labeled for
// automation into plan injections on the owning taskd project, so work
// filed on GitHub flows into a running plan without stopping it.
//
// Usage:
//
//	GITHUB_WEBHOOK_SECRET=hunter2 TASKD_URL=http://localhost:9390 \
//	PROJECT_MAP="acme/billing=billing" ./github-webhook
//
// PORT selects the listen port (default 3000).
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/taskd/internal/config"
	"github.com/fyrsmithlabs/taskd/internal/logging"
	apiv1 "github.com/fyrsmithlabs/taskd/pkg/api/v1"
)

const (
	// Per-IP limiter: roughly one webhook a second with room for bursts.
	requestsPerSecond = 1
	requestBurst      = 10

	maxPayloadBytes = 1 << 20
)

var (
	validNameRegex  = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
	validLoginRegex = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)
)

// bridgeConfig is read once from the environment at startup.
type bridgeConfig struct {
	TaskdURL      string
	TaskdToken    config.Secret
	WebhookSecret config.Secret
	Port          string
	Label         string
	ProjectMap    string
}

// bridge forwards labeled GitHub issues to the taskd injection API.
type bridge struct {
	taskdURL      string
	taskdToken    config.Secret
	webhookSecret config.Secret
	label         string
	projects      map[string]string
	client        *http.Client
	logger        *logging.Logger
	limiters      *limiterPool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg := loadConfig()
	if !cfg.WebhookSecret.IsSet() {
		return errors.New("GITHUB_WEBHOOK_SECRET not set")
	}

	b := &bridge{
		taskdURL:      strings.TrimRight(cfg.TaskdURL, "/"),
		taskdToken:    cfg.TaskdToken,
		webhookSecret: cfg.WebhookSecret,
		label:         cfg.Label,
		projects:      parseProjectMap(cfg.ProjectMap),
		client:        &http.Client{Timeout: 10 * time.Second},
		logger:        logger,
		limiters:      newLimiterPool(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", b.handleWebhook)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"status":"healthy"}`+"\n")
	})

	// Read/write deadlines keep a slow client from pinning a connection.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	logger.Info(ctx, "github webhook bridge starting",
		zap.String("addr", srv.Addr),
		zap.String("taskd_url", b.taskdURL),
		zap.String("label", b.label),
	)

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("webhook server: %w", err)
		}
	case <-ctx.Done():
		logger.Info(ctx, "stopping on signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}

	logger.Info(ctx, "webhook bridge stopped")
	return nil
}

func loadConfig() bridgeConfig {
	return bridgeConfig{
		TaskdURL:      envOr("TASKD_URL", "http://localhost:9390"),
		TaskdToken:    config.Secret(os.Getenv("TASKD_TOKEN")),
		WebhookSecret: config.Secret(os.Getenv("GITHUB_WEBHOOK_SECRET")),
		Port:          envOr("PORT", "3000"),
		Label:         envOr("TASKD_LABEL", "taskd"),
		ProjectMap:    os.Getenv("PROJECT_MAP"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// parseProjectMap parses "owner/repo=project" pairs. Repositories without
// a mapping fall back to the repository name as the project ID.
func parseProjectMap(s string) map[string]string {
	projects := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || key == "" || value == "" {
			continue
		}
		projects[key] = value
	}
	return projects
}

// limiterPool hands out one token bucket per client IP. The pool resets
// wholesale every hour so one-off callers don't accumulate forever.
type limiterPool struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	resetAt  time.Time
}

func newLimiterPool() *limiterPool {
	return &limiterPool{
		limiters: make(map[string]*rate.Limiter),
		resetAt:  time.Now().Add(time.Hour),
	}
}

func (p *limiterPool) allow(ip string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if time.Now().After(p.resetAt) {
		p.limiters = make(map[string]*rate.Limiter)
		p.resetAt = time.Now().Add(time.Hour)
	}

	lim, ok := p.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(requestsPerSecond, requestBurst)
		p.limiters[ip] = lim
	}
	return lim.Allow()
}

// clientIP digs the caller's address out of proxy headers, falling back
// to the socket peer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func (b *bridge) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ip := clientIP(r)
	if !b.limiters.allow(ip) {
		b.logger.Warn(ctx, "rate limit exceeded", zap.String("ip", ip))
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxPayloadBytes)

	payload, err := github.ValidatePayload(r, []byte(b.webhookSecret.Value()))
	if err != nil {
		b.logger.Warn(ctx, "webhook signature rejected", zap.Error(err))
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	event, err := github.ParseWebHook(github.WebHookType(r), payload)
	if err != nil {
		b.logger.Warn(ctx, "webhook payload unparseable", zap.Error(err))
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if e, ok := event.(*github.IssuesEvent); ok {
		if err := b.handleIssuesEvent(ctx, e); err != nil {
			b.logger.Error(ctx, "issues event failed", zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	} else {
		b.logger.Debug(ctx, "ignoring event", zap.String("type", fmt.Sprintf("%T", event)))
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"status":"ok"}`+"\n")
}

// validateIssuesEvent rejects events whose identifying fields are absent or
// fall outside the expected alphabets, before any of them reach task
// descriptions or audit fields. The Get accessors are nil-safe, and an
// unset field yields an empty string no regex accepts.
func validateIssuesEvent(e *github.IssuesEvent) error {
	switch {
	case e.GetIssue().GetNumber() <= 0:
		return errors.New("missing issue number")
	case !validNameRegex.MatchString(e.GetRepo().GetOwner().GetLogin()):
		return errors.New("repository owner fails validation")
	case !validNameRegex.MatchString(e.GetRepo().GetName()):
		return errors.New("repository name fails validation")
	case !validLoginRegex.MatchString(e.GetSender().GetLogin()):
		return errors.New("sender login fails validation")
	default:
		return nil
	}
}

func (b *bridge) handleIssuesEvent(ctx context.Context, event *github.IssuesEvent) error {
	if err := validateIssuesEvent(event); err != nil {
		b.logger.Warn(ctx, "invalid issues event", zap.Error(err))
		return fmt.Errorf("invalid issues event: %w", err)
	}

	// Only the automation label landing on an issue triggers an injection.
	if event.GetAction() != "labeled" || event.GetLabel().GetName() != b.label {
		b.logger.Debug(ctx, "ignoring issue action",
			zap.String("action", event.GetAction()),
			zap.String("label", event.GetLabel().GetName()))
		return nil
	}

	issue := event.GetIssue()
	repo := event.GetRepo()
	projectID := b.projectFor(repo)

	b.logger.Info(ctx, "processing labeled issue",
		zap.Int("issue_number", issue.GetNumber()),
		zap.String("owner", repo.GetOwner().GetLogin()),
		zap.String("repo", repo.GetName()),
		zap.String("project_id", projectID),
	)

	// The deterministic task ID makes webhook redelivery idempotent: a
	// second delivery collides on the task and comes back as a conflict.
	taskID := fmt.Sprintf("gh-%d-issue-%d", repo.GetID(), issue.GetNumber())

	injection := apiv1.InjectionRequest{
		InjectionID: taskID,
		Type:        "priority",
		Task: apiv1.TaskSpec{
			ID:          taskID,
			Title:       issue.GetTitle(),
			Description: issueDescription(issue),
		},
		Reason:      fmt.Sprintf("github issue #%d", issue.GetNumber()),
		RequestedBy: "github:" + event.GetSender().GetLogin(),
	}

	postCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := b.postInjection(postCtx, projectID, &injection); err != nil {
		return fmt.Errorf("failed to inject task: %w", err)
	}

	b.logger.Info(ctx, "task injected",
		zap.String("project_id", projectID),
		zap.String("injection_id", injection.InjectionID),
	)
	return nil
}

// projectFor resolves the taskd project owning a repository.
func (b *bridge) projectFor(repo *github.Repository) string {
	if id, ok := b.projects[repo.GetFullName()]; ok {
		return id
	}
	return repo.GetName()
}

// issueDescription renders the issue body with a backlink to the issue.
func issueDescription(issue *github.Issue) string {
	body := strings.TrimSpace(issue.GetBody())
	link := issue.GetHTMLURL()
	if body == "" {
		return link
	}
	return body + "\n\n" + link
}

// postInjection submits the injection to the taskd control plane. A
// conflict means a redelivered webhook already injected this issue, which
// is success.
func (b *bridge) postInjection(ctx context.Context, projectID string, injection *apiv1.InjectionRequest) error {
	data, err := json.Marshal(injection)
	if err != nil {
		return fmt.Errorf("marshal injection: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/v1/projects/%s/injections", b.taskdURL, url.PathEscape(projectID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.taskdToken.IsSet() {
		req.Header.Set("Authorization", "Bearer "+b.taskdToken.Value())
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("post injection: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		return nil
	case http.StatusConflict:
		b.logger.Debug(ctx, "injection already applied",
			zap.String("injection_id", injection.InjectionID))
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var envelope apiv1.ErrorResponse
	if jsonErr := json.Unmarshal(body, &envelope); jsonErr == nil && envelope.Message != "" {
		return fmt.Errorf("taskd returned status %d: %s", resp.StatusCode, envelope.Error())
	}
	return fmt.Errorf("taskd returned status %d: %s", resp.StatusCode, string(body))
}
