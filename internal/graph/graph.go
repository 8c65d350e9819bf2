// Package graph expands the PVS set into per-stage jobs with explicit
// dependency edges, the unit of scheduling and idempotence.
package graph

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/pnats2avhd/processing-chain/internal/params"
	"github.com/pnats2avhd/processing-chain/internal/testconfig"
)

// Stage is one of the four processing stages, in pipeline order.
type Stage int

const (
	StageSegments Stage = iota
	StageMetadata
	StageAVPVS
	StageCPVS
)

var stageNames = map[Stage]string{
	StageSegments: "segments",
	StageMetadata: "metadata",
	StageAVPVS:    "avpvs",
	StageCPVS:     "cpvs",
}

func (s Stage) String() string {
	if n, ok := stageNames[s]; ok {
		return n
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// AllStages returns the stages in execution order.
func AllStages() []Stage {
	return []Stage{StageSegments, StageMetadata, StageAVPVS, StageCPVS}
}

// ParseStages interprets a stage selection such as "all", "1234" or "34",
// where digits refer to the classic script numbering.
func ParseStages(s string) ([]Stage, error) {
	if s == "" || s == "all" {
		return AllStages(), nil
	}
	var out []Stage
	for _, st := range AllStages() {
		if strings.ContainsRune(s, rune('1'+int(st))) {
			out = append(out, st)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("invalid stage selection %q", s)
	}
	return out, nil
}

// upstream returns the stage whose outputs a stage consumes, or false for
// the first stage.
func upstream(s Stage) (Stage, bool) {
	switch s {
	case StageMetadata, StageAVPVS:
		return StageSegments, true
	case StageCPVS:
		return StageAVPVS, true
	}
	return 0, false
}

// State is the lifecycle of one job.
type State int

const (
	StatePending State = iota
	StateSkipped
	StateRunning
	StateSucceeded
	StateFailed
)

var stateNames = map[State]string{
	StatePending:   "pending",
	StateSkipped:   "skipped",
	StateRunning:   "running",
	StateSucceeded: "succeeded",
	StateFailed:    "failed",
}

func (s State) String() string {
	return stateNames[s]
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateSkipped || s == StateSucceeded || s == StateFailed
}

// Job is one (PVS, stage) unit of work. Scheduling state is owned by the
// scheduler: exactly one worker mutates a job, and dependents read its
// state only after the owning stage has completed.
type Job struct {
	ID    uuid.UUID
	Index int
	PVS   *testconfig.Pvs
	Stage Stage

	// Params is the resolved parameter record; nil when resolution failed,
	// in which case the job starts out failed.
	Params *params.Resolved

	// Deps are indices of jobs that must reach a successful terminal state
	// first.
	Deps []int

	State      State
	Err        error
	Diagnostic string
}

func (j *Job) Name() string {
	return j.PVS.ID + "/" + j.Stage.String()
}

// MissingUpstreamArtifact reports that a job's upstream stage was neither
// run in this invocation nor left valid outputs on disk.
type MissingUpstreamArtifact struct {
	PVS     string
	Stage   Stage
	Missing []string
}

func (e *MissingUpstreamArtifact) Error() string {
	return fmt.Sprintf("%s/%s: upstream artifacts missing: %s",
		e.PVS, e.Stage, strings.Join(e.Missing, ", "))
}

// Filters are set-membership tests over SRC, HRC and PVS identifiers. A
// nil set passes everything; a PVS passes only if all three tests pass.
type Filters struct {
	Src map[string]bool
	Hrc map[string]bool
	Pvs map[string]bool
}

// NewFilters builds Filters from |-separated identifier lists as given on
// the command line. Empty strings yield pass-all filters.
func NewFilters(srcs, hrcs, pvses string) Filters {
	toSet := func(s string) map[string]bool {
		if s == "" {
			return nil
		}
		set := make(map[string]bool)
		for _, id := range strings.Split(s, "|") {
			if id != "" {
				set[id] = true
			}
		}
		return set
	}
	return Filters{Src: toSet(srcs), Hrc: toSet(hrcs), Pvs: toSet(pvses)}
}

// Pass applies the conjunction of the three filters to one PVS.
func (f Filters) Pass(pvs *testconfig.Pvs) bool {
	if f.Src != nil && !f.Src[pvs.Src.ID] {
		return false
	}
	if f.Hrc != nil && !f.Hrc[pvs.Hrc.ID] {
		return false
	}
	if f.Pvs != nil && !f.Pvs[pvs.ID] {
		return false
	}
	return true
}

// Graph is the arena of jobs for one invocation, with index-based edges.
type Graph struct {
	Jobs   []*Job
	Stages []Stage

	byPVS map[string]map[Stage]int
}

// Build expands the surviving PVS set into one job per (PVS, requested
// stage). Parameter resolution happens here, once per PVS; a resolution
// failure pre-fails that PVS's jobs without touching its siblings.
func Build(tc *testconfig.TestConfig, stages []Stage, filters Filters) *Graph {
	g := &Graph{
		Stages: stages,
		byPVS:  make(map[string]map[Stage]int),
	}

	var surviving []*testconfig.Pvs
	for _, pvsID := range tc.PvsOrder {
		pvs := tc.Pvses[pvsID]
		if filters.Pass(pvs) {
			surviving = append(surviving, pvs)
		}
	}
	claimSegments(surviving)

	for _, pvs := range surviving {
		resolved, resolveErr := params.Resolve(pvs)

		for _, stage := range stages {
			job := &Job{
				ID:     uuid.New(),
				Index:  len(g.Jobs),
				PVS:    pvs,
				Stage:  stage,
				Params: resolved,
			}
			if resolveErr != nil {
				job.State = StateFailed
				job.Err = resolveErr
			}
			if up, ok := upstream(stage); ok {
				if depIdx, ok := g.lookup(pvs.ID, up); ok {
					job.Deps = append(job.Deps, depIdx)
				}
			}
			g.add(job)
		}
	}
	return g
}

// claimSegments reassigns segment ownership over the surviving PVS set.
// Ownership is first assigned at load time over all PVSes, so a filter
// that drops an owner would otherwise leave its shared segments with no
// job producing them. Re-claiming here keeps the output sets of parallel
// segment jobs disjoint within the run.
func claimSegments(pvses []*testconfig.Pvs) {
	claimed := make(map[*testconfig.Segment]bool)
	for _, pvs := range pvses {
		for _, seg := range pvs.Segments {
			if !claimed[seg] {
				claimed[seg] = true
				seg.OwnerPvs = pvs.ID
			}
		}
	}
}

func (g *Graph) add(j *Job) {
	g.Jobs = append(g.Jobs, j)
	m, ok := g.byPVS[j.PVS.ID]
	if !ok {
		m = make(map[Stage]int)
		g.byPVS[j.PVS.ID] = m
	}
	m[j.Stage] = j.Index
}

func (g *Graph) lookup(pvsID string, stage Stage) (int, bool) {
	m, ok := g.byPVS[pvsID]
	if !ok {
		return 0, false
	}
	idx, ok := m[stage]
	return idx, ok
}

// StageJobs returns the jobs of one stage in build order.
func (g *Graph) StageJobs(stage Stage) []*Job {
	var out []*Job
	for _, j := range g.Jobs {
		if j.Stage == stage {
			out = append(out, j)
		}
	}
	return out
}

// Dependents returns the jobs that directly depend on the given job.
func (g *Graph) Dependents(job *Job) []*Job {
	var out []*Job
	for _, j := range g.Jobs {
		for _, dep := range j.Deps {
			if dep == job.Index {
				out = append(out, j)
			}
		}
	}
	return out
}
