package plan

import (
	"fmt"
	"time"
)

// Plan is the versioned, ordered task record for one project. Task order in
// the slice is execution order.
type Plan struct {
	Version   int           `json:"version"`
	ProjectID string        `json:"project_id"`
	Tasks     []*Task       `json:"tasks"`
	Audit     []AuditRecord `json:"audit,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Validate checks plan-wide invariants: task validity, unique IDs, known
// dependencies, and at most one active task.
func (p *Plan) Validate() error {
	if p.ProjectID == "" {
		return fmt.Errorf("plan project_id is required")
	}

	ids := make(map[string]bool, len(p.Tasks))
	active := ""
	for _, t := range p.Tasks {
		if err := t.Validate(); err != nil {
			return err
		}
		if ids[t.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
		}
		ids[t.ID] = true
		if t.Status == StatusActive {
			if active != "" {
				return fmt.Errorf("tasks %s and %s are both active", active, t.ID)
			}
			active = t.ID
		}
	}

	for _, t := range p.Tasks {
		for _, dep := range t.Dependencies {
			if !ids[dep] {
				return fmt.Errorf("%w: task %s depends on %s", ErrUnknownDependency, t.ID, dep)
			}
		}
	}
	return nil
}

// Clone returns a deep copy of the plan.
func (p *Plan) Clone() *Plan {
	c := &Plan{
		Version:   p.Version,
		ProjectID: p.ProjectID,
		UpdatedAt: p.UpdatedAt,
		Tasks:     make([]*Task, len(p.Tasks)),
		Audit:     append([]AuditRecord(nil), p.Audit...),
	}
	for i, t := range p.Tasks {
		c.Tasks[i] = t.clone()
	}
	return c
}

// find returns the task with the given id, or nil.
func (p *Plan) find(id string) *Task {
	for _, t := range p.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// activeTask returns the currently active task, or nil.
func (p *Plan) activeTask() *Task {
	for _, t := range p.Tasks {
		if t.Status == StatusActive {
			return t
		}
	}
	return nil
}

// indexOf returns the position of id in the task order, or -1.
func (p *Plan) indexOf(id string) int {
	for i, t := range p.Tasks {
		if t.ID == id {
			return i
		}
	}
	return -1
}

// depsSatisfied reports whether every dependency of t is completed.
func (p *Plan) depsSatisfied(t *Task) bool {
	for _, dep := range t.Dependencies {
		d := p.find(dep)
		if d == nil || d.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// nextEligible returns the first selectable task whose dependencies are all
// completed, in plan order.
func (p *Plan) nextEligible() *Task {
	for _, t := range p.Tasks {
		if t.Status.Selectable() && p.depsSatisfied(t) {
			return t
		}
	}
	return nil
}

// remaining counts tasks that still need execution.
func (p *Plan) remaining() int {
	n := 0
	for _, t := range p.Tasks {
		if t.Status.Selectable() {
			n++
		}
	}
	return n
}

// insertAt places t at position i, shifting later tasks down.
func (p *Plan) insertAt(i int, t *Task) {
	p.Tasks = append(p.Tasks, nil)
	copy(p.Tasks[i+1:], p.Tasks[i:])
	p.Tasks[i] = t
}
