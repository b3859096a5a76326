package model

// Phase is the scheduling phase of a Job as seen by the bridge.
type Phase string

const (
	PhaseWaiting  Phase = "WAITING"
	PhaseRunning  Phase = "RUNNING"
	PhaseFinished Phase = "FINISHED"
)

// Unbound is the resource ID reported for jobs that have not been
// bound to a resource yet. Resource IDs are positive, so a Job left at its
// zero value is unbound as well.
const Unbound int64 = -1

// Job is the engine-owned unit of work. The bridge only reads these
// fields; binding and submission go back through the engine.
type Job struct {
	ID int64

	// LengthMI is the compute demand in millions of instructions.
	LengthMI int64

	// InputBytes travels upstream from SourceNode to the resource
	// before execution; OutputBytes travels back once the job finishes.
	InputBytes  int64
	OutputBytes int64

	// SourceNode is the network node the job's input originates from.
	SourceNode string

	// ResourceID is the bound resource. Zero or Unbound means none.
	ResourceID int64

	// SubmissionDelay is the number of simulated seconds between
	// submission and the moment the job may start executing.
	SubmissionDelay float64

	Phase Phase
}

// IsBound reports whether the job has been bound to a resource.
func (j *Job) IsBound() bool {
	return j != nil && j.ResourceID > 0
}

// InputBits returns the upstream payload size in bits.
func (j *Job) InputBits() float64 { return float64(j.InputBytes) * 8 }

// OutputBits returns the downstream payload size in bits.
func (j *Job) OutputBits() float64 { return float64(j.OutputBytes) * 8 }
