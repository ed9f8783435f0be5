// Package queue implements the Project Queue (spec.md §4.8): a FIFO over
// Project rows with status=QUEUED, single-concurrency enforcement, and
// retry/batch semantics. It is the only caller of store.DequeueNext and
// therefore the only component that performs the QUEUED->PROCESSING
// transition — the Lifecycle Engine (internal/lifecycle) receives a project
// that is already PROCESSING and handles everything downstream of that.
package queue

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/relaycrew/conductor/internal/config"
	"github.com/relaycrew/conductor/internal/lifecycle"
	"github.com/relaycrew/conductor/internal/model"
	"github.com/relaycrew/conductor/internal/specparse"
)

// Store is the persistence surface the Project Queue needs.
type Store interface {
	DequeueNext() (*model.Project, error)
	RequeueFailed(id int64, enrichedError string) error
	GetProject(id int64) (*model.Project, error)
}

// Provisioner runs the full Lifecycle Engine sequence for one dequeued
// project. *lifecycle.Engine satisfies this.
type Provisioner interface {
	Provision(ctx context.Context, req lifecycle.Request) (*lifecycle.Result, error)
}

// Notifier is the narrow surface the queue needs from C12 when a project
// exhausts its retry budget.
type Notifier interface {
	Notify(kind, subject, body string) error
}

// Engine wires together the Project Queue's dependencies.
type Engine struct {
	Store       Store
	Provisioner Provisioner
	Notifier    Notifier

	// DefaultPlan and DefaultAgentPreset are used when a project carries no
	// more specific selection of its own; spec.md's Project row has no
	// per-project plan/preset columns, so these are queue-wide defaults set
	// once at startup from operator configuration.
	DefaultPlan        specparse.PlanTier
	DefaultAgentPreset config.AgentPreset

	Logger *log.Logger
}

func (e *Engine) logger() *log.Logger {
	if e.Logger == nil {
		return log.New(os.Stderr, "queue: ", log.LstdFlags)
	}
	return e.Logger
}

// ErrEmpty is returned by Tick when there was nothing to dequeue, either
// because the queue is empty or because another project already holds
// PROCESSING. It is not a failure; callers should simply wait for the next
// tick.
var ErrEmpty = fmt.Errorf("queue: nothing to dequeue")

// Tick dequeues and provisions at most one project. It returns ErrEmpty
// (not wrapped in any other error) when DequeueNext finds nothing to
// promote, which is the expected steady-state result once the single
// PROCESSING slot is occupied or the queue has drained.
func (e *Engine) Tick(ctx context.Context) (*model.Project, error) {
	p, err := e.Store.DequeueNext()
	if err != nil {
		return nil, fmt.Errorf("dequeuing next project: %w", err)
	}
	if p == nil {
		return nil, ErrEmpty
	}

	specMarkdown, err := os.ReadFile(p.SpecPath)
	if err != nil {
		return p, e.requeueOrSurface(p, fmt.Sprintf("reading spec file: %v", err))
	}

	req := lifecycle.Request{
		Project:      p,
		SpecMarkdown: string(specMarkdown),
		ProjectName:  filepath.Base(p.ProjectPath),
		Plan:         e.DefaultPlan,
		AgentPreset:  e.DefaultAgentPreset,
	}

	if _, err := e.Provisioner.Provision(ctx, req); err != nil {
		// Provision has already transitioned the project to FAILED (and
		// bumped Attempts) by the time it returns an error; the queue's job
		// is only to decide whether that failure gets another attempt.
		return p, e.requeueOrSurface(p, err.Error())
	}

	return p, nil
}

// requeueOrSurface re-reads the project's current attempts count and either
// requeues it (attempts < model.MaxAttempts) or reports exhaustion to the
// notifier (spec.md §4.8: "on attempts=3 it is surfaced to the notifier").
func (e *Engine) requeueOrSurface(p *model.Project, enrichedError string) error {
	current, err := e.Store.GetProject(p.ID)
	if err != nil {
		return fmt.Errorf("re-reading project %d after failure: %w", p.ID, err)
	}

	if current.Attempts < model.MaxAttempts {
		if err := e.Store.RequeueFailed(p.ID, enrichedError); err != nil {
			return fmt.Errorf("requeuing project %d: %w", p.ID, err)
		}
		return nil
	}

	if e.Notifier != nil {
		subject := fmt.Sprintf("project %d exhausted retries", p.ID)
		body := fmt.Sprintf("spec %s failed %d times and will not be retried:\n%s", p.SpecPath, current.Attempts, enrichedError)
		_ = e.Notifier.Notify("retries_exhausted", subject, body)
	}
	return nil
}

// Run ticks on the given interval until ctx is cancelled. Unlike the
// Scheduler Core's dispatcher, a single Tick only ever advances one
// project at a time (the single-concurrency invariant means there is never
// more than one project worth promoting), so Run is a simple poll loop
// rather than a worker pool.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger().Println("queue running")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if p, err := e.Tick(ctx); err != nil && err != ErrEmpty {
				e.logger().Printf("tick project=%v: %v", projectID(p), err)
			}
		}
	}
}

func projectID(p *model.Project) any {
	if p == nil {
		return nil
	}
	return p.ID
}
