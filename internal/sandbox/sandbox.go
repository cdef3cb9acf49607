package sandbox

import (
	"sync"
	"time"
)

// Status is the lifecycle state of a sandbox.
type Status string

const (
	StatusProvisioning Status = "provisioning"
	StatusReady        Status = "ready"
	StatusExecuting    Status = "executing"
	StatusTearingDown  Status = "tearing_down"
	StatusDestroyed    Status = "destroyed"
)

// Limits bound the resources of one sandbox.
type Limits struct {
	// CPUSeconds caps total execution time. The local provider enforces
	// it as wall clock; cgroup-level CPU accounting is provider-dependent.
	CPUSeconds int

	// MemoryBytes is the memory ceiling, enforced where the provider
	// supports it.
	MemoryBytes int64
}

// Sandbox is one disposable workspace. It is owned by the Manager for the
// lifetime of a single task attempt.
type Sandbox struct {
	ID            string    `json:"id"`
	ProjectID     string    `json:"project_id"`
	TaskID        string    `json:"task_id"`
	Attempt       int       `json:"attempt"`
	WorkspacePath string    `json:"workspace_path"`
	Limits        Limits    `json:"limits"`
	CreatedAt     time.Time `json:"created_at"`
	Status        Status    `json:"status"`

	// teardown guards the destroy path so it runs exactly once.
	teardown sync.Once
}

// ExecResult captures one command execution inside a sandbox.
type ExecResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// tailBuffer keeps the last max bytes written. Build and test output is
// read from the end, so the tail is the part worth keeping when output
// overflows the capture budget.
type tailBuffer struct {
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	return string(b.buf)
}
