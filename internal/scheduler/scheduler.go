// Package scheduler runs the job graph stage by stage with bounded
// parallelism, skip-unless-forced idempotence and per-job failure
// isolation.
package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/pnats2avhd/processing-chain/internal/artifacts"
	"github.com/pnats2avhd/processing-chain/internal/graph"
	"github.com/pnats2avhd/processing-chain/internal/media"
	"github.com/pnats2avhd/processing-chain/pkg/logger"
	"github.com/pnats2avhd/processing-chain/pkg/utils"
)

// Driver produces one stage's artifacts for one job. Inputs and Outputs
// are the full path sets the scheduler uses for upstream checks and
// skip/invalidate decisions; Intermediates are files only kept for
// downstream stages and removable afterwards.
type Driver interface {
	Inputs(job *graph.Job) []string
	Outputs(job *graph.Job) []string
	Intermediates(job *graph.Job) []string
	Run(ctx context.Context, job *graph.Job) error
}

// Options control one scheduler invocation.
type Options struct {
	Parallelism int
	Force       bool
	DryRun      bool

	// RemoveIntermediate deletes intermediate artifacts of a job once all
	// of its dependents in this run have succeeded.
	RemoveIntermediate bool

	// MaxCPUUsage delays job admission while system CPU usage (percent)
	// is above this threshold. Zero disables the gate.
	MaxCPUUsage float64
}

// JobResult records the terminal state of one job for the run summary.
type JobResult struct {
	Job        string
	State      graph.State
	Err        error
	Diagnostic string
}

// Summary aggregates the outcome of a whole run.
type Summary struct {
	Succeeded int
	Skipped   int
	Failed    int
	Results   []JobResult
}

// OK reports whether every job reached a successful terminal state.
func (s *Summary) OK() bool {
	return s.Failed == 0
}

type Scheduler struct {
	log     logger.Logger
	store   *artifacts.Store
	drivers map[graph.Stage]Driver
	opts    Options
}

func New(log logger.Logger, store *artifacts.Store, drivers map[graph.Stage]Driver, opts Options) *Scheduler {
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	return &Scheduler{log: log, store: store, drivers: drivers, opts: opts}
}

// Run executes the graph. Stages run strictly in order; within a stage at
// most Parallelism jobs run concurrently. A failed job fails its
// transitive dependents but never its siblings. The returned error covers
// scheduler-level problems only; per-job failures are in the Summary.
func (s *Scheduler) Run(ctx context.Context, g *graph.Graph) (*Summary, error) {
	for _, stage := range g.Stages {
		if _, ok := s.drivers[stage]; !ok {
			return nil, errors.Errorf("no driver registered for stage %s", stage)
		}
	}

	for _, stage := range g.Stages {
		jobs := g.StageJobs(stage)
		if len(jobs) == 0 {
			continue
		}
		s.log.Infof("stage %s: %d job(s)", stage, len(jobs))

		sem := make(chan struct{}, s.opts.Parallelism)
		var wg sync.WaitGroup
		for _, job := range jobs {
			wg.Add(1)
			sem <- struct{}{}
			go func(job *graph.Job) {
				defer wg.Done()
				defer func() { <-sem }()
				s.runJob(ctx, g, job)
			}(job)
		}
		wg.Wait()
	}

	if s.opts.RemoveIntermediate && !s.opts.DryRun {
		s.removeIntermediates(g)
	}

	return s.summarize(g), nil
}

// runJob drives one job to a terminal state. Only this goroutine mutates
// the job; dependency states are read-only here because the owning stage
// finished before this stage started.
func (s *Scheduler) runJob(ctx context.Context, g *graph.Graph, job *graph.Job) {
	if job.State.Terminal() {
		// pre-failed during graph build (parameter resolution)
		if job.State == graph.StateFailed {
			s.log.Warnf("%s: %v", job.Name(), job.Err)
		}
		return
	}
	if err := ctx.Err(); err != nil {
		s.fail(job, errors.Wrap(err, "run aborted"))
		return
	}

	for _, depIdx := range job.Deps {
		dep := g.Jobs[depIdx]
		if dep.State == graph.StateFailed {
			s.fail(job, errors.Errorf("upstream job %s failed", dep.Name()))
			return
		}
	}

	driver := s.drivers[job.Stage]

	if !s.opts.DryRun {
		if missing := s.store.Missing(driver.Inputs(job)); len(missing) > 0 {
			s.fail(job, &graph.MissingUpstreamArtifact{
				PVS:     job.PVS.ID,
				Stage:   job.Stage,
				Missing: missing,
			})
			return
		}
	}

	outputs := driver.Outputs(job)
	if !s.opts.Force && s.store.ExistsAndValid(outputs) {
		job.State = graph.StateSkipped
		s.log.Infof("%s: outputs exist, skipping (use --force to redo)", job.Name())
		return
	}
	if s.opts.Force && !s.opts.DryRun {
		if err := s.store.Invalidate(outputs); err != nil {
			s.fail(job, err)
			return
		}
	}

	if err := s.waitForCPU(ctx); err != nil {
		s.fail(job, err)
		return
	}

	job.State = graph.StateRunning
	s.log.Infof("%s: running (job %s)", job.Name(), job.ID)

	if err := driver.Run(ctx, job); err != nil {
		s.fail(job, err)
		if !s.opts.DryRun {
			s.store.RemovePartial(outputs)
		}
		return
	}
	// a clean exit without the declared outputs is still a failure
	if !s.opts.DryRun {
		if missing := s.store.Missing(outputs); len(missing) > 0 {
			s.fail(job, errors.Errorf("process finished but outputs are missing: %s", strings.Join(missing, ", ")))
			s.store.RemovePartial(outputs)
			return
		}
	}
	job.State = graph.StateSucceeded
	s.log.Infof("%s: done", job.Name())
}

func (s *Scheduler) fail(job *graph.Job, err error) {
	job.State = graph.StateFailed
	job.Err = err
	var pf *media.ProcessFailure
	if errors.As(err, &pf) {
		job.Diagnostic = tail(pf.Stderr, 20)
	}
	s.log.Errorf("%s: %v", job.Name(), err)
}

// waitForCPU blocks until system load is below the configured threshold.
func (s *Scheduler) waitForCPU(ctx context.Context) error {
	if s.opts.MaxCPUUsage <= 0 || s.opts.DryRun {
		return nil
	}
	for {
		ok, usage := utils.CheckCPUUsage(s.opts.MaxCPUUsage)
		if ok {
			return nil
		}
		s.log.Debugf("CPU usage %.1f%% above limit %.1f%%, waiting", usage, s.opts.MaxCPUUsage)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
}

// removeIntermediates deletes intermediate files of succeeded jobs whose
// dependents in this run have all succeeded or were skipped. Failed
// dependents keep their upstream intermediates for the retry.
func (s *Scheduler) removeIntermediates(g *graph.Graph) {
	for _, job := range g.Jobs {
		if job.State != graph.StateSucceeded && job.State != graph.StateSkipped {
			continue
		}
		clean := true
		for _, dep := range g.Dependents(job) {
			if dep.State != graph.StateSucceeded && dep.State != graph.StateSkipped {
				clean = false
				break
			}
		}
		if !clean {
			continue
		}
		paths := s.drivers[job.Stage].Intermediates(job)
		if len(paths) == 0 {
			continue
		}
		if err := s.store.Cleanup(paths); err != nil {
			s.log.Warnf("%s: %v", job.Name(), err)
		}
	}
}

func (s *Scheduler) summarize(g *graph.Graph) *Summary {
	sum := &Summary{}
	for _, job := range g.Jobs {
		switch job.State {
		case graph.StateSucceeded:
			sum.Succeeded++
		case graph.StateSkipped:
			sum.Skipped++
		default:
			sum.Failed++
		}
		sum.Results = append(sum.Results, JobResult{
			Job:        job.Name(),
			State:      job.State,
			Err:        job.Err,
			Diagnostic: job.Diagnostic,
		})
	}
	return sum
}

// tail returns the last n lines of s.
func tail(s string, n int) string {
	lines := 0
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '\n' {
			lines++
			if lines > n {
				return s[i+1:]
			}
		}
	}
	return s
}
