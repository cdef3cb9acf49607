package main

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMainIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	// Point every data path at a scratch directory and pick a test port
	// to avoid conflicts.
	tmp := t.TempDir()
	os.Setenv("SERVER_PORT", "9484")
	os.Setenv("SERVER_JOURNAL_PATH", filepath.Join(tmp, "requests.jsonl"))
	os.Setenv("PLAN_DATA_DIR", filepath.Join(tmp, "plans"))
	os.Setenv("SANDBOX_ROOT", filepath.Join(tmp, "sandboxes"))
	defer func() {
		os.Unsetenv("SERVER_PORT")
		os.Unsetenv("SERVER_JOURNAL_PATH")
		os.Unsetenv("PLAN_DATA_DIR")
		os.Unsetenv("SANDBOX_ROOT")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Start the daemon in a goroutine
	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx)
	}()

	// Wait for the embedded broker and server to come up
	time.Sleep(300 * time.Millisecond)

	resp, err := http.Get("http://localhost:9484/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /health status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	// Cancel context to shut the daemon down
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down in time")
	}
}

func TestParseGitHubRemote(t *testing.T) {
	tests := []struct {
		remote    string
		wantOwner string
		wantRepo  string
		wantErr   bool
	}{
		{remote: "fyrsmithlabs/taskd", wantOwner: "fyrsmithlabs", wantRepo: "taskd"},
		{remote: "https://github.com/fyrsmithlabs/taskd", wantOwner: "fyrsmithlabs", wantRepo: "taskd"},
		{remote: "https://github.com/fyrsmithlabs/taskd.git", wantOwner: "fyrsmithlabs", wantRepo: "taskd"},
		{remote: "git@github.com:fyrsmithlabs/taskd.git", wantOwner: "fyrsmithlabs", wantRepo: "taskd"},
		{remote: "taskd", wantErr: true},
		{remote: "", wantErr: true},
		{remote: "a/b/c", wantErr: true},
	}

	for _, tt := range tests {
		owner, repo, err := parseGitHubRemote(tt.remote)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseGitHubRemote(%q) expected error, got %s/%s", tt.remote, owner, repo)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseGitHubRemote(%q) error = %v", tt.remote, err)
			continue
		}
		if owner != tt.wantOwner || repo != tt.wantRepo {
			t.Errorf("parseGitHubRemote(%q) = %s/%s, want %s/%s",
				tt.remote, owner, repo, tt.wantOwner, tt.wantRepo)
		}
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}

	got, err := expandHome("~/.local/share/taskd")
	if err != nil {
		t.Fatalf("expandHome failed: %v", err)
	}
	want := filepath.Join(home, ".local", "share", "taskd")
	if got != want {
		t.Errorf("expandHome = %q, want %q", got, want)
	}

	got, err = expandHome("/var/lib/taskd")
	if err != nil {
		t.Fatalf("expandHome failed: %v", err)
	}
	if got != "/var/lib/taskd" {
		t.Errorf("expandHome = %q, want path unchanged", got)
	}
}
