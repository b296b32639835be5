// Package store persists finished robust optimization runs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/copyleftdev/robopt/internal/optimization"
	"github.com/copyleftdev/robopt/internal/robust"
)

// ErrNotFound is returned when no run has the requested id.
var ErrNotFound = errors.New("run not found")

// Run status values.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// Run is the record of one sequential solve.
type Run struct {
	ID       string `json:"id" yaml:"id"`
	Scenario string `json:"scenario" yaml:"scenario"`
	// Spec is the YAML run specification.
	Spec       string                 `json:"spec" yaml:"spec"`
	Status     string                 `json:"status" yaml:"status"`
	Reason     robust.StopReason      `json:"reason" yaml:"reason"`
	Optimum    *optimization.Solution `json:"optimum,omitempty" yaml:"optimum,omitempty"`
	Iterations int                    `json:"iterations" yaml:"iterations"`
	SampleSize int                    `json:"sample_size" yaml:"sample_size"`
	Converged  bool                   `json:"converged" yaml:"converged"`
	Error      string                 `json:"error,omitempty" yaml:"error,omitempty"`
	CreatedAt  time.Time              `json:"created_at" yaml:"created_at"`
	FinishedAt time.Time              `json:"finished_at" yaml:"finished_at"`
	// Path is only filled by GetRun.
	Path []robust.Step `json:"path,omitempty" yaml:"path,omitempty"`
}

// NewRun builds the record of a run from its outcome.
func NewRun(id, scenario, spec string, res *robust.Result, runErr error, created time.Time) *Run {
	r := &Run{
		ID:         id,
		Scenario:   scenario,
		Spec:       spec,
		Status:     StatusCompleted,
		CreatedAt:  created,
		FinishedAt: time.Now(),
	}
	if res != nil {
		r.Reason = res.Reason
		r.Optimum = res.BestSolution
		r.Iterations = res.Iterations
		r.SampleSize = res.SampleSize
		r.Converged = res.Converged
		r.Path = res.Path
	}
	if runErr != nil {
		r.Status = StatusFailed
		if errors.Is(runErr, context.Canceled) {
			r.Status = StatusCanceled
		}
		r.Error = runErr.Error()
	}
	return r
}

// Store saves and loads runs.
type Store interface {
	SaveRun(ctx context.Context, r *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	// ListRuns returns the most recent runs first, without their paths.
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	Close() error
}
