package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/taskgrid/taskgrid/internal/model"
)

// EventType represents the type of event
type EventType string

const (
	// Task events
	EventTaskCreated   EventType = "task.created"
	EventTaskAssigned  EventType = "task.assigned"
	EventTaskStarted   EventType = "task.started"
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"
	EventTaskReleased  EventType = "task.released"

	// Device events
	EventDeviceRegistered EventType = "device.registered"
	EventDeviceOffline    EventType = "device.offline"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType EventType, data map[string]interface{}) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// ToJSON serializes the event to JSON
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON deserializes an event from JSON
func FromJSON(data []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// Publisher defines the interface for event publishers
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
	Subscribe(ctx context.Context, eventTypes ...EventType) (<-chan *Event, error)
	Close() error
}

// NopPublisher drops everything. Used when Redis is disabled.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, *Event) error { return nil }

func (NopPublisher) Subscribe(context.Context, ...EventType) (<-chan *Event, error) {
	ch := make(chan *Event)
	close(ch)
	return ch, nil
}

func (NopPublisher) Close() error { return nil }

// TaskCreated builds the event for a freshly submitted task.
func TaskCreated(t *model.Task) *Event {
	return NewEvent(EventTaskCreated, map[string]interface{}{
		"task_id":  t.ID,
		"type":     t.TaskType,
		"priority": t.Priority,
	})
}

// TaskAssigned builds the event for a task placed on a device.
func TaskAssigned(taskID int64, deviceID, strategy string) *Event {
	return NewEvent(EventTaskAssigned, map[string]interface{}{
		"task_id":   taskID,
		"device_id": deviceID,
		"strategy":  strategy,
	})
}

// TaskStarted builds the event for a task entering execution.
func TaskStarted(taskID int64, deviceID string) *Event {
	return NewEvent(EventTaskStarted, map[string]interface{}{
		"task_id":   taskID,
		"device_id": deviceID,
	})
}

// TaskCompleted builds the event for a successful finish.
func TaskCompleted(taskID int64, deviceID string) *Event {
	return NewEvent(EventTaskCompleted, map[string]interface{}{
		"task_id":   taskID,
		"device_id": deviceID,
	})
}

// TaskFailed builds the event for a failed attempt. exhausted reports
// whether the retry budget is spent.
func TaskFailed(taskID int64, deviceID, errMsg string, exhausted bool) *Event {
	return NewEvent(EventTaskFailed, map[string]interface{}{
		"task_id":   taskID,
		"device_id": deviceID,
		"error":     errMsg,
		"exhausted": exhausted,
	})
}

// TaskReleased builds the event for a task returned to the queue.
func TaskReleased(taskID int64, reason string) *Event {
	return NewEvent(EventTaskReleased, map[string]interface{}{
		"task_id": taskID,
		"reason":  reason,
	})
}

// DeviceRegistered builds the event for a device joining the grid.
func DeviceRegistered(d *model.Device) *Event {
	return NewEvent(EventDeviceRegistered, map[string]interface{}{
		"device_id":   d.DeviceID,
		"device_type": d.DeviceType,
	})
}

// DeviceOffline builds the event for a device dropped by the heartbeat
// sweep.
func DeviceOffline(deviceID string, released int64) *Event {
	return NewEvent(EventDeviceOffline, map[string]interface{}{
		"device_id":      deviceID,
		"tasks_released": released,
	})
}
