package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskgrid/taskgrid/internal/model"
)

func TestExecute_Success(t *testing.T) {
	e := NewExecutor(map[string]TaskHandler{
		"echo": func(ctx context.Context, task *model.Task) (map[string]interface{}, error) {
			return map[string]interface{}{"echo": task.Payload["msg"]}, nil
		},
	})

	task := model.NewTask("echo", map[string]interface{}{"msg": "hi"})
	result, err := e.Execute(context.Background(), task, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "hi", result["echo"])
}

func TestExecute_HandlerNotFound(t *testing.T) {
	e := NewExecutor(nil)
	task := model.NewTask("unknown", nil)

	_, err := e.Execute(context.Background(), task, time.Minute)
	assert.ErrorIs(t, err, ErrHandlerNotFound)
}

func TestExecute_HandlerError(t *testing.T) {
	boom := errors.New("boom")
	e := NewExecutor(map[string]TaskHandler{
		"fail": func(ctx context.Context, task *model.Task) (map[string]interface{}, error) {
			return nil, boom
		},
	})

	_, err := e.Execute(context.Background(), model.NewTask("fail", nil), time.Minute)
	assert.ErrorIs(t, err, boom)
}

func TestExecute_PanicRecovered(t *testing.T) {
	e := NewExecutor(map[string]TaskHandler{
		"panic": func(ctx context.Context, task *model.Task) (map[string]interface{}, error) {
			panic("kaboom")
		},
	})

	result, err := e.Execute(context.Background(), model.NewTask("panic", nil), time.Minute)
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestExecute_Timeout(t *testing.T) {
	e := NewExecutor(map[string]TaskHandler{
		"slow": func(ctx context.Context, task *model.Task) (map[string]interface{}, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
				return nil, nil
			}
		},
	})

	// Default timeout applies when the task carries none.
	_, err := e.Execute(context.Background(), model.NewTask("slow", nil), 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrTaskTimeout)
}

func TestExecute_PerTaskTimeout(t *testing.T) {
	e := NewExecutor(map[string]TaskHandler{
		"slow": func(ctx context.Context, task *model.Task) (map[string]interface{}, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(2 * time.Second):
				return map[string]interface{}{}, nil
			}
		},
	})

	task := model.NewTask("slow", nil)
	task.ExecutionTimeout = 1
	start := time.Now()
	_, err := e.Execute(context.Background(), task, time.Hour)
	assert.ErrorIs(t, err, ErrTaskTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRegisterHandler(t *testing.T) {
	e := NewExecutor(nil)
	assert.False(t, e.HasHandler("echo"))

	e.RegisterHandler("echo", func(ctx context.Context, task *model.Task) (map[string]interface{}, error) {
		return nil, nil
	})
	assert.True(t, e.HasHandler("echo"))
	assert.Equal(t, []string{"echo"}, e.HandlerTypes())
}
