// Package stream projects live pipeline progress to consumers without the
// engine knowing anything about transport.
package stream

import "time"

// EventType tags a run event.
type EventType string

const (
	EventStageChanged   EventType = "stage_changed"
	EventAgentStarted   EventType = "agent_started"
	EventAgentCompleted EventType = "agent_completed"
	EventError          EventType = "error"
)

// Event is one progress update for a run.
type Event struct {
	Type         EventType `json:"type"`
	Stage        string    `json:"stage,omitempty"`
	ActiveStages []string  `json:"active_stages,omitempty"`
	Agent        string    `json:"agent,omitempty"`
	DurationMs   int64     `json:"duration_ms,omitempty"`
	Message      string    `json:"message,omitempty"`
}

// Events is the callback set the engine invokes at stage boundaries. Any
// field may be nil and the whole struct may be nil; the engine tolerates a
// missing collaborator.
type Events struct {
	OnStageChanged   func(stage string, activeStages []string)
	OnAgentStarted   func(name, stage string)
	OnAgentCompleted func(name, stage string, took time.Duration)
	OnError          func(message string)
}

func (e *Events) StageChanged(stage string, active []string) {
	if e != nil && e.OnStageChanged != nil {
		e.OnStageChanged(stage, active)
	}
}

func (e *Events) AgentStarted(name, stage string) {
	if e != nil && e.OnAgentStarted != nil {
		e.OnAgentStarted(name, stage)
	}
}

func (e *Events) AgentCompleted(name, stage string, took time.Duration) {
	if e != nil && e.OnAgentCompleted != nil {
		e.OnAgentCompleted(name, stage, took)
	}
}

func (e *Events) Error(message string) {
	if e != nil && e.OnError != nil {
		e.OnError(message)
	}
}

// BrokerEvents adapts a Broker channel into the callback set. Sends are
// non-blocking; a slow consumer drops events rather than stalling the run.
func BrokerEvents(ch chan<- Event) *Events {
	send := func(ev Event) {
		select {
		case ch <- ev:
		default:
		}
	}
	return &Events{
		OnStageChanged: func(stage string, active []string) {
			send(Event{Type: EventStageChanged, Stage: stage, ActiveStages: active})
		},
		OnAgentStarted: func(name, stage string) {
			send(Event{Type: EventAgentStarted, Agent: name, Stage: stage})
		},
		OnAgentCompleted: func(name, stage string, took time.Duration) {
			send(Event{Type: EventAgentCompleted, Agent: name, Stage: stage, DurationMs: took.Milliseconds()})
		},
		OnError: func(message string) {
			send(Event{Type: EventError, Message: message})
		},
	}
}
