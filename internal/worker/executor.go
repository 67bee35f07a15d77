package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/taskgrid/taskgrid/internal/logger"
	"github.com/taskgrid/taskgrid/internal/model"
)

// TaskHandler is a user-supplied function that processes one task payload.
// The core never inspects the payload or the result.
type TaskHandler func(ctx context.Context, t *model.Task) (map[string]interface{}, error)

// Executor executes tasks using registered handlers
type Executor struct {
	handlers map[string]TaskHandler
}

// NewExecutor creates a new task executor
func NewExecutor(handlers map[string]TaskHandler) *Executor {
	if handlers == nil {
		handlers = make(map[string]TaskHandler)
	}
	return &Executor{handlers: handlers}
}

// RegisterHandler registers a handler for a task type
func (e *Executor) RegisterHandler(taskType string, handler TaskHandler) {
	e.handlers[taskType] = handler
}

// Execute runs the handler for a task under its execution timeout. Panics
// are converted to errors and never escape.
func (e *Executor) Execute(ctx context.Context, t *model.Task, defaultTimeout time.Duration) (result map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			logger.WithTask(t.ID).Error().
				Str("type", t.TaskType).
				Interface("panic", r).
				Str("stack", string(stack)).
				Msg("task handler panicked")
			result = nil
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	handler, ok := e.handlers[t.TaskType]
	if !ok {
		return nil, ErrHandlerNotFound
	}

	execCtx, cancel := context.WithTimeout(ctx, t.Deadline(defaultTimeout))
	defer cancel()

	log := logger.WithTask(t.ID)
	log.Debug().Str("type", t.TaskType).Int("retry", t.Retry).Msg("executing task")

	start := time.Now()
	result, err = handler(execCtx, t)
	duration := time.Since(start)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log.Warn().Dur("duration", duration).Msg("task timed out")
			return nil, ErrTaskTimeout
		}
		log.Error().Err(err).Dur("duration", duration).Msg("task failed")
		return nil, err
	}

	log.Debug().Dur("duration", duration).Msg("task executed successfully")
	return result, nil
}

// HasHandler checks if a handler exists for a task type
func (e *Executor) HasHandler(taskType string) bool {
	_, ok := e.handlers[taskType]
	return ok
}

// HandlerTypes returns all registered handler types
func (e *Executor) HandlerTypes() []string {
	types := make([]string, 0, len(e.handlers))
	for t := range e.handlers {
		types = append(types, t)
	}
	return types
}

// Error definitions
var (
	ErrHandlerNotFound = errors.New("handler not found for task type")
	ErrTaskTimeout     = errors.New("task execution timed out")
)
