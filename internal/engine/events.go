package engine

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/cmoretti/conductor/pkg/models"
)

// EventType names what happened to a task.
type EventType string

const (
	EventTaskSubmitted EventType = "task_submitted"
	EventTaskStarted   EventType = "task_started"
	EventTaskWaiting   EventType = "task_waiting"
	EventTaskResumed   EventType = "task_resumed"
	EventTaskBlocked   EventType = "task_blocked"
	EventTaskTerminal  EventType = "task_terminal"
	EventWatchdogKill  EventType = "watchdog_kill"
)

// Event is one engine lifecycle notification for the status surface.
type Event struct {
	// Type names what happened.
	Type EventType
	// TaskID is the task the event is about.
	TaskID int64
	// Status is the task's status after the event.
	Status models.TaskStatus
	// Detail carries a human-readable note (result, error, reason).
	Detail string
	// Time is when the event was emitted.
	Time time.Time
}

// Emitter delivers engine events to subscribers over a bounded
// channel. A slow subscriber costs at most a short stall per event
// before the event is dropped and counted.
type Emitter struct {
	events       chan Event
	droppedCount atomic.Uint64
}

// NewEmitter creates an Emitter with the given buffer size.
func NewEmitter(bufferSize int) *Emitter {
	return &Emitter{
		events: make(chan Event, bufferSize),
	}
}

// Emit sends an event to the events channel.
// If the channel is full, it tries with a timeout before dropping the event.
func (e *Emitter) Emit(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	select {
	case e.events <- event:
		return
	default:
	}

	// Give the receiver a short window to drain before dropping.
	select {
	case e.events <- event:
	case <-time.After(100 * time.Millisecond):
		count := e.droppedCount.Add(1)
		if count%10 == 1 {
			log.Printf("[engine] WARNING: event channel full, dropped event (total dropped: %d): type=%s task=%d",
				count, event.Type, event.TaskID)
		}
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *Emitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns a read-only channel of events for subscribers.
func (e *Emitter) Events() <-chan Event {
	return e.events
}

// Close closes the events channel. Call only after the engine stopped.
func (e *Emitter) Close() {
	close(e.events)
}
