package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	for _, valid := range []string{"pending", "assigned", "running", "done", "failed", "zero"} {
		s, ok := ParseStatus(valid)
		assert.True(t, ok, valid)
		assert.Equal(t, Status(valid), s)
	}

	_, ok := ParseStatus("bogus")
	assert.False(t, ok)
}

func TestStatus_Terminal(t *testing.T) {
	assert.True(t, StatusDone.IsTerminal())
	assert.True(t, StatusZero.IsTerminal())
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusFailed.IsTerminal())
}

func TestStatus_IsOpen(t *testing.T) {
	assert.True(t, StatusAssigned.IsOpen())
	assert.True(t, StatusRunning.IsOpen())
	assert.False(t, StatusPending.IsOpen())
	assert.False(t, StatusDone.IsOpen())
}

func TestStatus_CanTransitionTo(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusAssigned, true},
		{StatusPending, StatusZero, true},
		{StatusAssigned, StatusRunning, true},
		{StatusAssigned, StatusPending, true}, // release
		{StatusRunning, StatusDone, true},
		{StatusRunning, StatusFailed, true},
		{StatusFailed, StatusPending, true}, // resurrect
		{StatusDone, StatusPending, false},
		{StatusZero, StatusAssigned, false},
		{StatusPending, StatusDone, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, c.from.CanTransitionTo(c.to), "%s -> %s", c.from, c.to)
	}
}

func TestTask_Transition(t *testing.T) {
	task := NewTask("crawl", nil)
	require.Equal(t, StatusPending, task.Status)

	require.NoError(t, task.Transition(StatusAssigned))
	assert.Equal(t, StatusAssigned, task.Status)

	err := task.Transition(StatusDone)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusAssigned, task.Status)
}

func TestTask_Deadline(t *testing.T) {
	task := NewTask("crawl", nil)
	assert.Equal(t, 30*time.Minute, task.Deadline(30*time.Minute))

	task.ExecutionTimeout = 90
	assert.Equal(t, 90*time.Second, task.Deadline(30*time.Minute))
}

func TestFromCreateRequest_Defaults(t *testing.T) {
	req := &CreateTaskRequest{TaskType: "crawl", Priority: 3}
	task := FromCreateRequest(req)

	assert.Equal(t, "crawl", task.TaskType)
	assert.Equal(t, 3, task.Priority)
	assert.Equal(t, StatusPending, task.Status)
	assert.Equal(t, 3, task.MaxRetryCount)
	assert.False(t, task.NextRunAt.IsZero())
}

func TestFromCreateRequest_Overrides(t *testing.T) {
	nextRun := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	req := &CreateTaskRequest{
		TaskType:         "export",
		MaxRetryCount:    7,
		ExecutionTimeout: 120,
		NextRunAt:        &nextRun,
	}
	task := FromCreateRequest(req)

	assert.Equal(t, 7, task.MaxRetryCount)
	assert.Equal(t, 120, task.ExecutionTimeout)
	assert.Equal(t, nextRun, task.NextRunAt)
}
