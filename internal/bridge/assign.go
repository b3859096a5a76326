package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/signalsfoundry/sagin-testbed/core"
	"github.com/signalsfoundry/sagin-testbed/internal/logging"
	"github.com/signalsfoundry/sagin-testbed/internal/protocol"
	"github.com/signalsfoundry/sagin-testbed/model"
)

// Engine is the part of the simulation engine the bridge reads from and
// writes back into.
type Engine interface {
	Now() float64
	Resources() []model.Resource
	WaitingJobs() []model.Job
	RunningJobs() []model.Job
	FinishedJobs() []model.Job

	Bind(jobID, resourceID int64) error
	Unbind(jobID int64) error
	SetSubmissionDelay(jobID int64, seconds float64) error
	Submit(jobID int64) error
}

// AssignmentReport summarises one applied batch.
type AssignmentReport struct {
	Applied         int
	UnknownJob      int
	UnknownResource int
	// Unreachable counts assignments whose upstream transfer could not
	// complete: the link was down or had no upstream bandwidth.
	Unreachable int
	// Duplicate counts repeated job IDs within the batch.
	Duplicate    int
	EngineErrors int

	Problems []string
}

// Skipped is the number of assignments that were not applied.
func (r AssignmentReport) Skipped() int {
	return r.UnknownJob + r.UnknownResource + r.Unreachable + r.Duplicate + r.EngineErrors
}

// AssignmentApplier binds jobs to resources as the agent decided, with
// the upstream transfer time as submission delay.
type AssignmentApplier struct {
	engine Engine
	cost   *core.TransferCostModel
	ledger *EnergyLedger
	log    logging.Logger
}

// NewAssignmentApplier wires an applier. A nil logger discards output.
func NewAssignmentApplier(engine Engine, cost *core.TransferCostModel, ledger *EnergyLedger, log logging.Logger) *AssignmentApplier {
	if log == nil {
		log = logging.Noop()
	}
	return &AssignmentApplier{engine: engine, cost: cost, ledger: ledger, log: log}
}

type resolvedAssignment struct {
	job  model.Job
	res  model.Resource
	pair core.LinkKey
}

// Apply applies assignments at simulated time now. Unresolvable or
// unreachable entries are skipped and counted; the rest of the batch is
// still applied.
func (a *AssignmentApplier) Apply(ctx context.Context, assignments []protocol.Assignment, now float64) AssignmentReport {
	var report AssignmentReport
	if len(assignments) == 0 {
		return report
	}

	jobs := make(map[int64]model.Job)
	for _, j := range a.engine.WaitingJobs() {
		jobs[j.ID] = j
	}
	for _, j := range a.engine.RunningJobs() {
		if !j.IsBound() {
			jobs[j.ID] = j
		}
	}
	resources := make(map[int64]model.Resource)
	for _, r := range a.engine.Resources() {
		resources[r.ID] = r
	}

	seen := make(map[int64]struct{}, len(assignments))
	resolved := make([]resolvedAssignment, 0, len(assignments))
	flows := make(map[core.LinkKey]int)
	for _, as := range assignments {
		if _, dup := seen[as.JobID]; dup {
			report.Duplicate++
			report.problem("job %d assigned more than once; keeping the first", as.JobID)
			continue
		}
		job, ok := jobs[as.JobID]
		if !ok {
			report.UnknownJob++
			report.problem("job %d is not waiting", as.JobID)
			continue
		}
		res, ok := resources[as.ResourceID]
		if !ok {
			report.UnknownResource++
			report.problem("resource %d is unknown (job %d)", as.ResourceID, as.JobID)
			continue
		}
		seen[as.JobID] = struct{}{}
		pair := core.LinkKey{Src: job.SourceNode, Dst: res.Node}
		flows[pair]++
		resolved = append(resolved, resolvedAssignment{job: job, res: res, pair: pair})
	}

	for _, ra := range resolved {
		bits := ra.job.InputBits()
		delay := a.cost.UpSeconds(ra.pair.Src, ra.pair.Dst, bits, now, flows[ra.pair])
		if !core.Reachable(delay) {
			report.Unreachable++
			report.problem("job %d: link %s->%s unreachable at t=%.3f", ra.job.ID, ra.pair.Src, ra.pair.Dst, now)
			continue
		}
		if err := a.submit(ra.job, ra.res.ID, delay); err != nil {
			report.EngineErrors++
			report.problem("job %d: %v", ra.job.ID, err)
			continue
		}
		if a.ledger != nil {
			a.ledger.AddNetwork(a.cost.Energy(bits))
		}
		report.Applied++
		a.log.Debug(ctx, "job assigned",
			logging.Int64("job_id", ra.job.ID),
			logging.Int64("resource_id", ra.res.ID),
			logging.Float64("upstream_seconds", delay),
			logging.Int("flows", flows[ra.pair]),
		)
	}

	for _, p := range report.Problems {
		a.log.Warn(ctx, "assignment skipped", logging.String("reason", p))
	}
	return report
}

// submit binds, delays and submits one job. When a later step fails the
// job's previous binding is restored so it is not left bound but unsubmitted.
func (a *AssignmentApplier) submit(job model.Job, resourceID int64, delay float64) error {
	if err := a.engine.Bind(job.ID, resourceID); err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	err := a.engine.SetSubmissionDelay(job.ID, delay)
	if err != nil {
		err = fmt.Errorf("submission delay: %w", err)
	} else if err = a.engine.Submit(job.ID); err != nil {
		err = fmt.Errorf("submit: %w", err)
	}
	if err == nil {
		return nil
	}
	if rerr := a.restoreBinding(job); rerr != nil {
		return errors.Join(err, fmt.Errorf("restore binding: %w", rerr))
	}
	return err
}

func (a *AssignmentApplier) restoreBinding(job model.Job) error {
	if job.IsBound() {
		return a.engine.Bind(job.ID, job.ResourceID)
	}
	return a.engine.Unbind(job.ID)
}

// SettleFinished charges downstream transfer energy for every finished
// job not seen before and returns how many were charged.
func (a *AssignmentApplier) SettleFinished(finished []model.Job) int {
	if a.ledger == nil {
		return 0
	}
	n := 0
	for _, j := range finished {
		if a.ledger.ChargeDownstreamOnce(j.ID, a.cost.Energy(j.OutputBits())) {
			n++
		}
	}
	return n
}

func (r *AssignmentReport) problem(format string, args ...any) {
	r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
}
