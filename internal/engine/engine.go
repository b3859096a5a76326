// Package engine is a small in-memory discrete-time stand-in for the
// external simulation engine: resources with space-shared processing
// elements, job queues and a Poisson workload generator.
package engine

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/signalsfoundry/sagin-testbed/model"
)

var (
	ErrUnknownJob      = errors.New("unknown job")
	ErrUnknownResource = errors.New("unknown resource")
	ErrJobNotWaiting   = errors.New("job is not waiting")
	ErrJobUnbound      = errors.New("job is not bound to a resource")
)

// Recorder receives engine metrics. observability.EngineCollector
// implements it.
type Recorder interface {
	IncSubmitted()
	AddFinished(n int)
	SetQueueDepths(waiting, running int)
}

type jobState struct {
	job model.Job

	eligibleAt float64
	started    bool
	startedAt  float64
	finishAt   float64
}

type resourceState struct {
	res  model.Resource
	busy int
	// queue holds submitted, not yet started jobs ordered by eligibility.
	queue []*jobState
	// active holds started, unfinished jobs.
	active []*jobState
}

// Engine owns resources and jobs. It is safe for concurrent use.
type Engine struct {
	mu sync.Mutex

	now        float64
	reportUtil bool
	metrics    Recorder

	resources []*resourceState
	byID      map[int64]*resourceState

	jobs     map[int64]*jobState
	waiting  []int64
	running  []int64
	finished []int64
	nextID   int64
}

// Option configures an Engine.
type Option func(*Engine)

// WithUtilizationReporting controls whether Resources reports a measured
// utilization. When disabled it reports NaN.
func WithUtilizationReporting(on bool) Option {
	return func(e *Engine) { e.reportUtil = on }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.metrics = r }
}

// New returns an engine at time zero owning resources.
func New(resources []model.Resource, opts ...Option) (*Engine, error) {
	e := &Engine{
		reportUtil: true,
		byID:       make(map[int64]*resourceState, len(resources)),
		jobs:       make(map[int64]*jobState),
		nextID:     1,
	}
	for _, r := range resources {
		if r.ID <= 0 {
			return nil, fmt.Errorf("resource id %d: must be positive", r.ID)
		}
		if _, dup := e.byID[r.ID]; dup {
			return nil, fmt.Errorf("duplicate resource id %d", r.ID)
		}
		if r.MIPS <= 0 {
			return nil, fmt.Errorf("resource %d: mips must be positive", r.ID)
		}
		rs := &resourceState{res: r}
		e.resources = append(e.resources, rs)
		e.byID[r.ID] = rs
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Now returns the engine clock in seconds.
func (e *Engine) Now() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

// AddJob registers a waiting job and returns its ID. A zero ID is
// replaced by the next free one.
func (e *Engine) AddJob(j model.Job) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if j.ID == 0 {
		for {
			j.ID = e.nextID
			e.nextID++
			if _, taken := e.jobs[j.ID]; !taken {
				break
			}
		}
	} else if _, dup := e.jobs[j.ID]; dup {
		return 0, fmt.Errorf("duplicate job id %d", j.ID)
	}
	if !j.IsBound() {
		j.ResourceID = model.Unbound
	}
	j.Phase = model.PhaseWaiting
	e.jobs[j.ID] = &jobState{job: j}
	e.waiting = append(e.waiting, j.ID)
	e.recordDepths()
	return j.ID, nil
}

// Bind sets the resource of a waiting job.
func (e *Engine) Bind(jobID, resourceID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	js, ok := e.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownJob, jobID)
	}
	if js.job.Phase != model.PhaseWaiting {
		return fmt.Errorf("%w: %d is %s", ErrJobNotWaiting, jobID, js.job.Phase)
	}
	if _, ok := e.byID[resourceID]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownResource, resourceID)
	}
	js.job.ResourceID = resourceID
	return nil
}

// Unbind clears the binding of a waiting job.
func (e *Engine) Unbind(jobID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	js, ok := e.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownJob, jobID)
	}
	if js.job.Phase != model.PhaseWaiting {
		return fmt.Errorf("%w: %d is %s", ErrJobNotWaiting, jobID, js.job.Phase)
	}
	js.job.ResourceID = model.Unbound
	return nil
}

// SetSubmissionDelay sets the seconds between submission and the earliest
// start of a waiting job.
func (e *Engine) SetSubmissionDelay(jobID int64, seconds float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	js, ok := e.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownJob, jobID)
	}
	if js.job.Phase != model.PhaseWaiting {
		return fmt.Errorf("%w: %d is %s", ErrJobNotWaiting, jobID, js.job.Phase)
	}
	if seconds < 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return fmt.Errorf("job %d: invalid submission delay %v", jobID, seconds)
	}
	js.job.SubmissionDelay = seconds
	return nil
}

// Submit hands a bound waiting job to its resource. It becomes eligible
// to start once its submission delay has passed.
func (e *Engine) Submit(jobID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	js, ok := e.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownJob, jobID)
	}
	if js.job.Phase != model.PhaseWaiting {
		return fmt.Errorf("%w: %d is %s", ErrJobNotWaiting, jobID, js.job.Phase)
	}
	rs, ok := e.byID[js.job.ResourceID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrJobUnbound, jobID)
	}

	js.job.Phase = model.PhaseRunning
	js.eligibleAt = e.now + js.job.SubmissionDelay
	rs.queue = append(rs.queue, js)
	sort.SliceStable(rs.queue, func(a, b int) bool { return rs.queue[a].eligibleAt < rs.queue[b].eligibleAt })

	e.waiting = removeID(e.waiting, jobID)
	e.running = append(e.running, jobID)
	if e.metrics != nil {
		e.metrics.IncSubmitted()
	}
	e.recordDepths()
	return nil
}

// AdvanceTo runs the engine up to time t, starting queued jobs as
// processing elements free up and finishing jobs whose runtime elapsed.
// Times before the current clock are ignored.
func (e *Engine) AdvanceTo(t float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t <= e.now || math.IsNaN(t) {
		return
	}
	done := 0
	for _, rs := range e.resources {
		done += e.advanceResource(rs, t)
	}
	e.now = t
	if e.metrics != nil && done > 0 {
		e.metrics.AddFinished(done)
	}
	e.recordDepths()
}

func (e *Engine) advanceResource(rs *resourceState, t float64) int {
	cursor := e.now
	done := 0
	for {
		startAt := math.Inf(1)
		if len(rs.queue) > 0 && rs.busy < rs.res.Parallelism() {
			startAt = math.Max(rs.queue[0].eligibleAt, cursor)
		}
		finishIdx, finishAt := -1, math.Inf(1)
		for i, js := range rs.active {
			if js.finishAt < finishAt {
				finishIdx, finishAt = i, js.finishAt
			}
		}

		switch {
		case startAt <= finishAt && startAt <= t:
			js := rs.queue[0]
			rs.queue = rs.queue[1:]
			js.started = true
			js.startedAt = startAt
			js.finishAt = startAt + float64(js.job.LengthMI)/rs.res.MIPS
			rs.active = append(rs.active, js)
			rs.busy++
			cursor = startAt
		case finishIdx >= 0 && finishAt <= t:
			js := rs.active[finishIdx]
			rs.active = append(rs.active[:finishIdx], rs.active[finishIdx+1:]...)
			rs.busy--
			js.job.Phase = model.PhaseFinished
			e.running = removeID(e.running, js.job.ID)
			e.finished = append(e.finished, js.job.ID)
			cursor = finishAt
			done++
		default:
			return done
		}
	}
}

// Resources returns copies of all resources with the current utilization.
func (e *Engine) Resources() []model.Resource {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.Resource, 0, len(e.resources))
	for _, rs := range e.resources {
		r := rs.res
		if e.reportUtil {
			r.Utilization = float64(rs.busy) / float64(rs.res.Parallelism())
		} else {
			r.Utilization = math.NaN()
		}
		out = append(out, r)
	}
	return out
}

// WaitingJobs returns jobs that have not been submitted, in arrival order.
func (e *Engine) WaitingJobs() []model.Job { return e.collect(&e.waiting) }

// RunningJobs returns submitted, unfinished jobs in submission order.
func (e *Engine) RunningJobs() []model.Job { return e.collect(&e.running) }

// FinishedJobs returns completed jobs in completion order.
func (e *Engine) FinishedJobs() []model.Job { return e.collect(&e.finished) }

func (e *Engine) collect(ids *[]int64) []model.Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.Job, 0, len(*ids))
	for _, id := range *ids {
		out = append(out, e.jobs[id].job)
	}
	return out
}

// Job returns a copy of one job.
func (e *Engine) Job(id int64) (model.Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	js, ok := e.jobs[id]
	if !ok {
		return model.Job{}, false
	}
	return js.job, true
}

// StartTime returns when a job started executing.
func (e *Engine) StartTime(id int64) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	js, ok := e.jobs[id]
	if !ok || !js.started {
		return 0, false
	}
	return js.startedAt, true
}

func (e *Engine) recordDepths() {
	if e.metrics != nil {
		e.metrics.SetQueueDepths(len(e.waiting), len(e.running))
	}
}

func removeID(ids []int64, id int64) []int64 {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
