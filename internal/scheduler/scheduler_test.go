package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRun struct {
	id       string
	jobName  string
	success  *bool
	message  string
	started  time.Time
	finished time.Time
}

type fakeRecorder struct {
	runs     map[string]*recordedRun
	startErr error
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{runs: make(map[string]*recordedRun)}
}

func (r *fakeRecorder) StartJobRun(id, jobName string, startedAt time.Time) error {
	if r.startErr != nil {
		return r.startErr
	}
	r.runs[id] = &recordedRun{id: id, jobName: jobName, started: startedAt}
	return nil
}

func (r *fakeRecorder) FinishJobRun(id string, success bool, message string, finishedAt time.Time) error {
	run, ok := r.runs[id]
	if !ok {
		run = &recordedRun{id: id}
		r.runs[id] = run
	}
	run.success = &success
	run.message = message
	run.finished = finishedAt
	return nil
}

func TestExecute_RecordsRun(t *testing.T) {
	recorder := newFakeRecorder()
	s := New(recorder, zerolog.Nop())

	ok, msg := s.Execute(context.Background(), Job{
		Name: "platform_sync",
		Run: func(ctx context.Context) (bool, string) {
			return true, "Success: 2 platforms synced."
		},
	})
	assert.True(t, ok)
	assert.Equal(t, "Success: 2 platforms synced.", msg)

	require.Len(t, recorder.runs, 1)
	for _, run := range recorder.runs {
		assert.Equal(t, "platform_sync", run.jobName)
		assert.NotEmpty(t, run.id)
		require.NotNil(t, run.success)
		assert.True(t, *run.success)
		assert.Equal(t, "Success: 2 platforms synced.", run.message)
		assert.False(t, run.finished.Before(run.started))
	}
}

func TestExecute_FailureStillRecorded(t *testing.T) {
	recorder := newFakeRecorder()
	s := New(recorder, zerolog.Nop())

	ok, msg := s.Execute(context.Background(), Job{
		Name: "history_rebuild",
		Run: func(ctx context.Context) (bool, string) {
			return false, "No transactions to build history from."
		},
	})
	assert.False(t, ok)
	assert.Equal(t, "No transactions to build history from.", msg)

	for _, run := range recorder.runs {
		require.NotNil(t, run.success)
		assert.False(t, *run.success)
	}
}

func TestExecute_RecorderFailureDoesNotBlockJob(t *testing.T) {
	recorder := newFakeRecorder()
	recorder.startErr = errors.New("cache db locked")
	s := New(recorder, zerolog.Nop())

	ran := false
	ok, _ := s.Execute(context.Background(), Job{
		Name: "price_changes_refresh",
		Run: func(ctx context.Context) (bool, string) {
			ran = true
			return true, "ok"
		},
	})
	assert.True(t, ok)
	assert.True(t, ran, "bookkeeping trouble never stops the job itself")
}

func TestRegister_RejectsBadSchedule(t *testing.T) {
	s := New(newFakeRecorder(), zerolog.Nop())

	err := s.Register(Job{Name: "bad", Schedule: "not-a-schedule", Run: func(ctx context.Context) (bool, string) { return true, "" }})
	assert.Error(t, err)

	err = s.Register(Job{Name: "good", Schedule: "0 */6 * * *", Run: func(ctx context.Context) (bool, string) { return true, "" }})
	assert.NoError(t, err)
}
