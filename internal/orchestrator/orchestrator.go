// Package orchestrator drives a single job through its full lifecycle:
// dequeue, lease an MCP instance, clone and check out the target repo,
// execute the agent inside a sandbox, and — if the agent produced
// changes — commit and push them, finally acking or nacking the job at
// exactly one decision point. Lease release and workspace cleanup run
// on every exit path, success or failure.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/oriys/agentd/internal/domain"
	"github.com/oriys/agentd/internal/lease"
	"github.com/oriys/agentd/internal/logging"
	"github.com/oriys/agentd/internal/metrics"
	"github.com/oriys/agentd/internal/observability"
	"github.com/oriys/agentd/internal/queue"
	"github.com/oriys/agentd/internal/sandbox"
)

// stage names shared between span names, log fields, and the
// agentd_job_stage_duration_seconds histogram.
const (
	stageLease    = "lease"
	stageClone    = "clone"
	stageCheckout = "checkout"
	stageExecute  = "execute"
	stagePublish  = "publish"
)

// Leaser is the subset of lease.Client the orchestrator depends on.
type Leaser interface {
	Borrow(ctx context.Context) (*domain.Instance, error)
	Return(ctx context.Context, inst *domain.Instance) error
}

// Repo is the subset of *workspace.Workspace the orchestrator depends
// on, so tests can substitute a fake that never touches git or the
// network. *workspace.Workspace satisfies this interface directly.
type Repo interface {
	Checkout(branch string) error
	HasChanges() (bool, error)
	StageAll() error
	Commit(message string) (plumbing.Hash, error)
	Push(branch string) error
	Cleanup() error
}

// Cloner constructs a Repo for a job's target url at the given local
// path. Production code wraps workspace.Clone; tests substitute a fake
// that never touches the network.
type Cloner func(url, path string) (Repo, error)

// SandboxFactory builds a fresh sandbox bound to the embedded guest
// image for one job. Production code closes over a shared
// sandbox.GuestRuntime and the embedded image bytes.
type SandboxFactory func() *sandbox.SandboxInstance

// JobOrchestrator composes the queue, lease client, workspace layer, and
// sandbox into the full per-job state machine. One JobOrchestrator runs
// one job at a time; concurrency across jobs is achieved by running
// multiple worker processes, not multiple goroutines inside one.
type JobOrchestrator struct {
	Queue          queue.ReliableQueue
	Lease          Leaser
	Clone          Cloner
	NewSandbox     SandboxFactory
	WorkDir        string
	ExecuteTimeout time.Duration
}

// New constructs a JobOrchestrator from its collaborators. workDir is
// the parent directory under which each job's clone is made at
// <workDir>/<job.ID>. executeTimeout bounds a single guest invocation;
// zero means no deadline is imposed beyond the caller's context.
func New(q queue.ReliableQueue, leaser Leaser, clone Cloner, newSandbox SandboxFactory, workDir string, executeTimeout time.Duration) *JobOrchestrator {
	return &JobOrchestrator{
		Queue:          q,
		Lease:          leaser,
		Clone:          clone,
		NewSandbox:     newSandbox,
		WorkDir:        workDir,
		ExecuteTimeout: executeTimeout,
	}
}

// Recover drains the queue's in-flight list back to pending. Called
// exactly once at worker startup, before the Run loop begins dequeuing.
func (o *JobOrchestrator) Recover(ctx context.Context) (int, error) {
	return o.Queue.Recover(ctx)
}

// Run blocks, repeatedly dequeuing and processing jobs, until ctx is
// canceled. It never returns under normal operation.
func (o *JobOrchestrator) Run(ctx context.Context, dequeueTimeout time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		job, err := o.Queue.Dequeue(ctx, dequeueTimeout)
		if err != nil {
			logging.Op().Error("orchestrator.dequeue failed", "error", err)
			continue
		}
		if job == nil {
			continue
		}

		o.Process(ctx, job)
	}
}

// Process runs one job through the full lifecycle and acks or nacks it
// at the single decision point: Dequeued -> Leased -> Cloned ->
// CheckedOut -> Executed -> (Changed? -> Committed -> Pushed) -> Acked ->
// Released. Every exit path releases the lease and removes the
// workspace directory, regardless of where in the chain it failed.
// The release and removal happen inside run, so they complete before
// the ack or nack below is issued, not after it.
func (o *JobOrchestrator) Process(ctx context.Context, job *domain.Job) {
	ctx, span := observability.StartSpan(ctx, "job.process", observability.AttrJobID.String(job.ID))
	defer span.End()

	start := time.Now()
	logging.Op().Info("job.start", "job_id", job.ID, "repo_url", job.RepoURL, "branch", job.Branch)

	outcome, err := o.run(ctx, job)
	entry := &logging.JobLog{
		JobID:      job.ID,
		RepoURL:    job.RepoURL,
		Stage:      "process",
		DurationMs: time.Since(start).Milliseconds(),
		HasChanges: outcome.hasChanges,
	}
	sc := span.SpanContext()
	if sc.HasTraceID() {
		entry.TraceID = sc.TraceID().String()
	}
	if sc.HasSpanID() {
		entry.SpanID = sc.SpanID().String()
	}

	if err != nil {
		logging.Op().Error("job.failed", "job_id", job.ID, "error", err)
		observability.SetSpanError(span, err)
		entry.Error = err.Error()
		if nackErr := o.Queue.Nack(ctx, job); nackErr != nil {
			logging.Op().Error("job.nack failed", "job_id", job.ID, "error", nackErr)
		}
		metrics.RecordJobResult("nacked")
		logging.Default().Log(entry)
		return
	}

	if ackErr := o.Queue.Ack(ctx, job); ackErr != nil {
		logging.Op().Error("job.ack failed", "job_id", job.ID, "error", ackErr)
		entry.Error = ackErr.Error()
		metrics.RecordJobResult("nacked")
		logging.Default().Log(entry)
		return
	}
	observability.SetSpanOK(span)
	entry.Success = true
	metrics.RecordJobResult("acked")
	logging.Default().Log(entry)
	logging.Op().Info("job.done", "job_id", job.ID, "has_changes", outcome.hasChanges, "pushed", outcome.pushed)
}

// outcome records what happened after the agent ran, for logging.
type outcome struct {
	hasChanges bool
	pushed     bool
}

// run performs the Leased -> ... -> Executed -> (Changed? -> Committed
// -> Pushed) chain. It returns a non-nil error for any stage failure;
// the caller (Process) is the single place that decides ack vs nack.
// Once the clone succeeds, lease release and workspace cleanup run via
// the deferred cleanup closure, regardless of how run returns. If the
// clone fails, there is no workspace to remove and the lease is released
// by the guard's deferred Close backstop instead.
func (o *JobOrchestrator) run(ctx context.Context, job *domain.Job) (outcome, error) {
	if job.Branch == "" {
		job.Branch = "main"
	}

	inst, err := o.stageLease(ctx, job)
	if err != nil {
		return outcome{}, err
	}
	guard := lease.NewGuard(o.Lease, inst)
	defer guard.Close()

	ws, err := o.stageClone(ctx, job)
	if err != nil {
		return outcome{}, err
	}

	var cleanupErr error
	defer func() {
		var g errgroup.Group
		g.Go(func() error { return guard.Release(context.Background()) })
		g.Go(func() error { return ws.Cleanup() })
		cleanupErr = g.Wait()
		if cleanupErr != nil {
			logging.Op().Error("job.cleanup failed", "job_id", job.ID, "error", cleanupErr)
		}
	}()

	if err := o.stageCheckout(ctx, job, ws); err != nil {
		return outcome{}, err
	}

	mcpURL := inst.MCPConnectionURL
	if job.MCPURL != "" {
		mcpURL = job.MCPURL
	}

	if _, err := o.stageExecute(ctx, job, mcpURL); err != nil {
		return outcome{}, err
	}

	result, err := o.stagePublish(ctx, job, ws)
	if err != nil {
		return outcome{}, err
	}

	return result, nil
}

func timedStage(ctx context.Context, stage string, fn func(ctx context.Context) error) error {
	ctx, span := observability.StartSpan(ctx, "job."+stage, observability.AttrStage.String(stage))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	metrics.ObserveJobStageDuration(stage, time.Since(start).Seconds())
	if err != nil {
		observability.SetSpanError(span, err)
		return err
	}
	observability.SetSpanOK(span)
	return nil
}

func (o *JobOrchestrator) stageLease(ctx context.Context, job *domain.Job) (*domain.Instance, error) {
	var inst *domain.Instance
	err := timedStage(ctx, stageLease, func(ctx context.Context) error {
		i, err := o.Lease.Borrow(ctx)
		if err != nil {
			return fmt.Errorf("orchestrator: borrow instance: %w", err)
		}
		inst = i
		metrics.RecordLeaseBorrowed()
		return nil
	})
	return inst, err
}

func (o *JobOrchestrator) stageClone(ctx context.Context, job *domain.Job) (Repo, error) {
	var ws Repo
	err := timedStage(ctx, stageClone, func(ctx context.Context) error {
		path := filepath.Join(o.WorkDir, job.ID)
		// A prior attempt at this same job ID may have cloned here and
		// then crashed before cleanup ran; workspace.Clone refuses to
		// overwrite an existing path, so redelivery (nack or Recover)
		// would otherwise fail this stage forever.
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("orchestrator: remove stale clone path %s: %w", path, err)
		}
		w, err := o.Clone(job.RepoURL, path)
		if err != nil {
			return fmt.Errorf("orchestrator: clone %s: %w", job.RepoURL, err)
		}
		ws = w
		return nil
	})
	return ws, err
}

func (o *JobOrchestrator) stageCheckout(ctx context.Context, job *domain.Job, ws Repo) error {
	return timedStage(ctx, stageCheckout, func(ctx context.Context) error {
		if job.Branch == "" {
			return nil
		}
		if err := ws.Checkout(job.Branch); err != nil {
			return fmt.Errorf("orchestrator: checkout %s: %w", job.Branch, err)
		}
		return nil
	})
}

func (o *JobOrchestrator) stageExecute(ctx context.Context, job *domain.Job, mcpURL string) (string, error) {
	var out string
	err := timedStage(ctx, stageExecute, func(ctx context.Context) error {
		if o.ExecuteTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, o.ExecuteTimeout)
			defer cancel()
		}

		mediator, err := sandbox.NewHostCallMediator(mcpURL, nil)
		if err != nil {
			return fmt.Errorf("orchestrator: build mediator: %w", err)
		}

		sb := o.NewSandbox()
		defer sb.Terminate(ctx)

		if err := sb.Register(mediator); err != nil {
			return fmt.Errorf("orchestrator: register sandbox: %w", err)
		}
		if err := sb.Evolve(ctx); err != nil {
			return fmt.Errorf("orchestrator: evolve sandbox: %w", err)
		}

		result, err := sb.Invoke(ctx, job.Prompt, mcpURL)
		if err != nil {
			return fmt.Errorf("orchestrator: invoke agent: %w", err)
		}
		out = result
		return nil
	})
	return out, err
}

func (o *JobOrchestrator) stagePublish(ctx context.Context, job *domain.Job, ws Repo) (outcome, error) {
	var result outcome
	err := timedStage(ctx, stagePublish, func(ctx context.Context) error {
		changed, err := ws.HasChanges()
		if err != nil {
			return fmt.Errorf("orchestrator: check changes: %w", err)
		}
		result.hasChanges = changed
		if !changed {
			return nil
		}

		if err := ws.StageAll(); err != nil {
			return fmt.Errorf("orchestrator: stage changes: %w", err)
		}
		if _, err := ws.Commit(job.CommitMessage()); err != nil {
			return fmt.Errorf("orchestrator: commit changes: %w", err)
		}
		if err := ws.Push(job.Branch); err != nil {
			return fmt.Errorf("orchestrator: push changes: %w", err)
		}
		result.pushed = true
		return nil
	})
	return result, err
}
