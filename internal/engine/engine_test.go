package engine

import (
	"math"
	"testing"

	"github.com/signalsfoundry/sagin-testbed/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRecorder struct {
	submitted int
	finished  int
	waiting   int
	running   int
}

func (f *fakeRecorder) IncSubmitted()     { f.submitted++ }
func (f *fakeRecorder) AddFinished(n int) { f.finished += n }
func (f *fakeRecorder) SetQueueDepths(w, r int) {
	f.waiting, f.running = w, r
}

func twoResources() []model.Resource {
	return []model.Resource{
		{ID: 101, Node: "vm_101", MIPS: 5000, PEs: 2},
		{ID: 201, Node: "vm_201", MIPS: 5000, PEs: 1},
	}
}

func TestNewRejectsBadResources(t *testing.T) {
	_, err := New([]model.Resource{{ID: 1, MIPS: 100}, {ID: 1, MIPS: 100}})
	require.Error(t, err)

	_, err = New([]model.Resource{{ID: 1, MIPS: 0}})
	require.Error(t, err)

	_, err = New([]model.Resource{{ID: 0, MIPS: 100}})
	require.Error(t, err, "resource ids must be positive")
}

func TestUnbindClearsWaitingJob(t *testing.T) {
	eng, err := New(twoResources())
	require.NoError(t, err)
	id, err := eng.AddJob(model.Job{LengthMI: 100, ResourceID: 101})
	require.NoError(t, err)

	job, ok := eng.Job(id)
	require.True(t, ok)
	assert.Equal(t, int64(101), job.ResourceID)

	require.NoError(t, eng.Unbind(id))
	job, _ = eng.Job(id)
	assert.Equal(t, model.Unbound, job.ResourceID)
	require.ErrorIs(t, eng.Unbind(999), ErrUnknownJob)

	require.NoError(t, eng.Bind(id, 201))
	require.NoError(t, eng.Submit(id))
	require.ErrorIs(t, eng.Unbind(id), ErrJobNotWaiting)
}

func TestAddJobAssignsIDsAndWaits(t *testing.T) {
	eng, err := New(twoResources())
	require.NoError(t, err)

	id1, err := eng.AddJob(model.Job{LengthMI: 100})
	require.NoError(t, err)
	id2, err := eng.AddJob(model.Job{LengthMI: 100})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	waiting := eng.WaitingJobs()
	require.Len(t, waiting, 2)
	assert.Equal(t, model.PhaseWaiting, waiting[0].Phase)
	assert.Equal(t, model.Unbound, waiting[0].ResourceID)

	_, err = eng.AddJob(model.Job{ID: id1})
	require.Error(t, err)
}

func TestBindAndSubmitErrors(t *testing.T) {
	eng, err := New(twoResources())
	require.NoError(t, err)
	id, err := eng.AddJob(model.Job{LengthMI: 5000})
	require.NoError(t, err)

	require.ErrorIs(t, eng.Bind(999, 101), ErrUnknownJob)
	require.ErrorIs(t, eng.Bind(id, 999), ErrUnknownResource)
	require.ErrorIs(t, eng.Submit(id), ErrJobUnbound)
	require.Error(t, eng.SetSubmissionDelay(id, -1))

	require.NoError(t, eng.Bind(id, 201))
	require.NoError(t, eng.Submit(id))
	require.ErrorIs(t, eng.Submit(id), ErrJobNotWaiting)
	require.ErrorIs(t, eng.Bind(id, 101), ErrJobNotWaiting)
}

func TestSubmissionDelayDefersStart(t *testing.T) {
	eng, err := New(twoResources())
	require.NoError(t, err)
	id, err := eng.AddJob(model.Job{LengthMI: 10000})
	require.NoError(t, err)
	require.NoError(t, eng.Bind(id, 101))
	require.NoError(t, eng.SetSubmissionDelay(id, 1))
	require.NoError(t, eng.Submit(id))

	eng.AdvanceTo(0.5)
	assert.Equal(t, 0.0, eng.Resources()[0].Utilization)
	_, started := eng.StartTime(id)
	assert.False(t, started)

	eng.AdvanceTo(2)
	assert.Equal(t, 0.5, eng.Resources()[0].Utilization)
	start, started := eng.StartTime(id)
	require.True(t, started)
	assert.Equal(t, 1.0, start)
	require.Len(t, eng.RunningJobs(), 1)

	eng.AdvanceTo(3)
	assert.Empty(t, eng.RunningJobs())
	finished := eng.FinishedJobs()
	require.Len(t, finished, 1)
	assert.Equal(t, model.PhaseFinished, finished[0].Phase)
	assert.Equal(t, 3.0, eng.Now())
}

func TestSingleProcessingElementRunsJobsInTurn(t *testing.T) {
	rec := &fakeRecorder{}
	eng, err := New(twoResources(), WithRecorder(rec))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		id, err := eng.AddJob(model.Job{LengthMI: 5000})
		require.NoError(t, err)
		require.NoError(t, eng.Bind(id, 201))
		require.NoError(t, eng.Submit(id))
	}
	assert.Equal(t, 3, rec.submitted)
	assert.Equal(t, 3, rec.running)

	eng.AdvanceTo(2.5)
	assert.Len(t, eng.FinishedJobs(), 2)
	assert.Len(t, eng.RunningJobs(), 1)
	assert.Equal(t, 1.0, eng.Resources()[1].Utilization)
	assert.Equal(t, 2, rec.finished)
	assert.Equal(t, 1, rec.running)

	eng.AdvanceTo(3)
	assert.Len(t, eng.FinishedJobs(), 3)
	assert.Equal(t, 0.0, eng.Resources()[1].Utilization)
}

func TestAdvanceToIgnoresPastTimes(t *testing.T) {
	eng, err := New(twoResources())
	require.NoError(t, err)
	eng.AdvanceTo(5)
	eng.AdvanceTo(2)
	eng.AdvanceTo(math.NaN())
	assert.Equal(t, 5.0, eng.Now())
}

func TestUtilizationReportingDisabled(t *testing.T) {
	eng, err := New(twoResources(), WithUtilizationReporting(false))
	require.NoError(t, err)
	for _, r := range eng.Resources() {
		assert.True(t, math.IsNaN(r.Utilization))
	}
}
