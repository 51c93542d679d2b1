// Package registry holds the task definitions known to one scheduler.
//
// A Registry is an owned value, not a process-wide singleton. Reads take a
// shared lock and return snapshots; registration takes the exclusive lock and
// may happen while the scheduler is running.
package registry

import (
	"fmt"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"pewsched/internal/task/recurrence"
	"pewsched/internal/task/unit"
)

// Definition is immutable once registered.
type Definition struct {
	ID          string
	Unit        unit.Unit
	Schedule    string
	Expr        recurrence.Expression
	Constraints Constraints
}

// DuplicateIDError rejects a second registration of the same id.
type DuplicateIDError struct {
	ID string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("task %q already registered", e.ID)
}

// IsDuplicateID reports whether err is (or wraps) a DuplicateIDError.
func IsDuplicateID(err error) bool {
	var de *DuplicateIDError
	return errors.As(err, &de)
}

type Registry struct {
	mu    sync.RWMutex
	order []Definition
	index map[string]int
}

func New() *Registry {
	return &Registry{index: make(map[string]int)}
}

// Register adds def. Ids are trimmed and must be unique.
func (r *Registry) Register(def Definition) error {
	def.ID = strings.TrimSpace(def.ID)
	if def.ID == "" {
		return errors.New("task id required")
	}
	if def.Unit == nil {
		return errors.Newf("task %q: unit required", def.ID)
	}
	if def.Expr == nil {
		return errors.Newf("task %q: recurrence required", def.ID)
	}
	def.Constraints.Environments = append([]string(nil), def.Constraints.Environments...)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.index[def.ID]; ok {
		return &DuplicateIDError{ID: def.ID}
	}
	r.index[def.ID] = len(r.order)
	r.order = append(r.order, def)
	return nil
}

// All returns a snapshot in registration order.
func (r *Registry) All() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	for i, d := range r.order {
		out[i] = d.ID
	}
	return out
}

func (r *Registry) Get(id string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[strings.TrimSpace(id)]
	if !ok {
		return Definition{}, false
	}
	return r.order[i], true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
