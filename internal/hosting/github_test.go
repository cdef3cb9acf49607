package hosting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskd/internal/config"
)

type statusCall struct {
	SHA         string
	State       string
	Context     string
	Description string
}

// statusRecorder fakes the commit status endpoint of the GitHub API.
type statusRecorder struct {
	mu       sync.Mutex
	calls    []statusCall
	failures int
}

func (r *statusRecorder) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		// Enterprise clients prefix paths with /api/v3.
		idx := strings.Index(req.URL.Path, "/statuses/")
		if req.Method != http.MethodPost || idx < 0 {
			http.NotFound(w, req)
			return
		}

		r.mu.Lock()
		defer r.mu.Unlock()

		if r.failures > 0 {
			r.failures--
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		var body struct {
			State       string `json:"state"`
			Context     string `json:"context"`
			Description string `json:"description"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		r.calls = append(r.calls, statusCall{
			SHA:         req.URL.Path[idx+len("/statuses/"):],
			State:       body.State,
			Context:     body.Context,
			Description: body.Description,
		})

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":1}`))
	})
}

func (r *statusRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *statusRecorder) last() statusCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[len(r.calls)-1]
}

func newGitHubHost(t *testing.T, recorder *statusRecorder, mutate func(*GitHubConfig)) *GitHubHost {
	t.Helper()

	server := httptest.NewServer(recorder.handler())
	t.Cleanup(server.Close)

	cfg := GitHubConfig{
		Owner:         "acme",
		Repo:          "widgets",
		Token:         config.Secret("test-token"),
		DefaultBranch: "master",
		APIBaseURL:    server.URL,
		Retry: &RetryConfig{
			MaxRetries:        2,
			InitialBackoff:    5 * time.Millisecond,
			MaxBackoff:        20 * time.Millisecond,
			BackoffMultiplier: 2.0,
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	host, err := NewGitHubHost(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	return host
}

func TestNewGitHubHost_Validation(t *testing.T) {
	_, err := NewGitHubHost(context.Background(), GitHubConfig{Repo: "widgets", Token: "tok"}, zap.NewNop())
	require.Error(t, err)

	_, err = NewGitHubHost(context.Background(), GitHubConfig{Owner: "acme", Token: "tok"}, zap.NewNop())
	require.Error(t, err)

	_, err = NewGitHubHost(context.Background(), GitHubConfig{Owner: "acme", Repo: "widgets"}, zap.NewNop())
	require.Error(t, err, "missing token should be rejected")
}

func TestGitHubHost_CloneURL(t *testing.T) {
	host := newGitHubHost(t, &statusRecorder{}, nil)

	url := host.CloneURL()
	assert.Contains(t, url, "x-access-token:test-token@github.com/acme/widgets.git")
}

func TestGitHubHost_PushSetsStatus(t *testing.T) {
	recorder := &statusRecorder{}
	host := newGitHubHost(t, recorder, nil)
	ctx := context.Background()

	// The workspace origin is a local bare repository; only the status
	// notification travels over HTTP.
	origin := initUpstream(t)
	ws := cloneWorkspace(t, origin)

	require.NoError(t, host.EnsureBranch(ctx, ws, "task/7-github"))
	hash, err := host.CommitAll(ctx, ws, "github change")
	require.NoError(t, err)
	require.NoError(t, host.Merge(ctx, ws, "task/7-github"))

	require.NoError(t, host.Push(ctx, ws, "task/7-github", "push-7-1"))

	assert.Equal(t, hash, branchHash(t, origin, "task/7-github"))
	assert.Equal(t, hash, branchHash(t, origin, "master"))

	require.Equal(t, 1, recorder.count())
	call := recorder.last()
	assert.Equal(t, hash, call.SHA)
	assert.Equal(t, "success", call.State)
	assert.Equal(t, "taskd/push", call.Context)
	assert.Contains(t, call.Description, "task/7-github")

	// Redelivery with the same key does not notify again.
	require.NoError(t, host.Push(ctx, ws, "task/7-github", "push-7-1"))
	assert.Equal(t, 1, recorder.count())
}

func TestGitHubHost_PushRetriesStatus(t *testing.T) {
	recorder := &statusRecorder{failures: 1}
	host := newGitHubHost(t, recorder, nil)
	ctx := context.Background()

	origin := initUpstream(t)
	ws := cloneWorkspace(t, origin)

	require.NoError(t, host.EnsureBranch(ctx, ws, "task/8-retry"))
	_, err := host.CommitAll(ctx, ws, "retried change")
	require.NoError(t, err)

	require.NoError(t, host.Push(ctx, ws, "task/8-retry", "push-8-1"))
	assert.Equal(t, 1, recorder.count(), "status should land after one retry")
}

func TestGitHubHost_PushFailureKeepsKeyRetryable(t *testing.T) {
	// More failures than retry attempts, so the first push fails.
	recorder := &statusRecorder{failures: 10}
	host := newGitHubHost(t, recorder, nil)
	ctx := context.Background()

	origin := initUpstream(t)
	ws := cloneWorkspace(t, origin)

	require.NoError(t, host.EnsureBranch(ctx, ws, "task/9-flaky"))
	_, err := host.CommitAll(ctx, ws, "flaky change")
	require.NoError(t, err)

	err = host.Push(ctx, ws, "task/9-flaky", "push-9-1")
	require.Error(t, err)

	// The key was not recorded, so redelivery retries the notification
	// once the API recovers.
	recorder.mu.Lock()
	recorder.failures = 0
	recorder.mu.Unlock()

	require.NoError(t, host.Push(ctx, ws, "task/9-flaky", "push-9-1"))
	assert.Equal(t, 1, recorder.count())
}
