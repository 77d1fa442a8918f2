package pipeline

import (
	"encoding/json"
	"strings"
)

// EventType classifies one pipeline progress event.
type EventType string

const (
	// TypeStatus is a pipeline heartbeat with a human-readable message.
	TypeStatus EventType = "status"
	// TypeNode marks a generation stage starting or finishing.
	TypeNode EventType = "node"
	// TypeArtifact carries a finished artifact reference.
	TypeArtifact EventType = "artifact"
	// TypeError is a terminal pipeline failure.
	TypeError EventType = "error"
	// TypeMessage is an untyped frame with no declared event name.
	TypeMessage EventType = "message"
)

// Node names emitted by the generation pipeline.
const (
	NodeResearcher = "Researcher"
	NodePlanner    = "Planner"
	NodeCoder      = "Coder"
	NodeDesigner   = "Designer"
	NodeReviewer   = "Reviewer"
)

// Node phases emitted by the generation pipeline.
const (
	PhaseStart = "start"
	PhaseEnd   = "end"
)

// Status is a pipeline heartbeat payload.
type Status struct {
	Message   string `json:"message"`
	ProjectID string `json:"project_id"`
}

// Node reports one generation stage starting or finishing. Review carries
// the reviewer verdict on Reviewer end events.
type Node struct {
	Phase  string          `json:"phase"`
	Node   string          `json:"node"`
	Review json.RawMessage `json:"review,omitempty"`
}

// Artifact references one finished artifact by id and signed download URL.
type Artifact struct {
	ArtifactID string `json:"artifact_id"`
	SignedURL  string `json:"signed_url"`
}

// Failure is a terminal pipeline error payload.
type Failure struct {
	Message string `json:"message"`
}

// Event is one typed pipeline progress event. Exactly one of the payload
// fields matching Type is set; Raw always holds the frame's data verbatim.
type Event struct {
	Type     EventType
	Status   *Status
	Node     *Node
	Artifact *Artifact
	Failure  *Failure
	Raw      string
}

// Parse maps a decoded frame onto a typed event. A payload that is not
// valid JSON for the declared event name degrades to the raw string with
// the frame's type preserved.
func Parse(frame Frame) Event {
	event := Event{
		Type: EventType(strings.TrimSpace(frame.Event)),
		Raw:  frame.Data,
	}

	switch event.Type {
	case TypeStatus:
		var status Status
		if json.Unmarshal([]byte(frame.Data), &status) == nil {
			event.Status = &status
		}
	case TypeNode:
		var node Node
		if json.Unmarshal([]byte(frame.Data), &node) == nil {
			event.Node = &node
		}
	case TypeArtifact:
		var artifact Artifact
		if json.Unmarshal([]byte(frame.Data), &artifact) == nil {
			event.Artifact = &artifact
		}
	case TypeError:
		var failure Failure
		if json.Unmarshal([]byte(frame.Data), &failure) == nil {
			event.Failure = &failure
		} else {
			event.Failure = &Failure{Message: frame.Data}
		}
	case "":
		event.Type = TypeMessage
	}

	return event
}
