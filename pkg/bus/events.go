// Package bus broadcasts engine events to subscribers.
//
// Events are typed structs with a `type` discriminator on the wire.
// Each subscriber owns a bounded queue; a subscriber that falls behind
// loses oldest events and sees a first-class lag marker on its next
// delivery, which signals that a history refetch is needed.
package bus

import "encoding/json"

// Event is implemented by every broadcast payload.
type Event interface {
	EventType() string
}

// Workflow events.

type WorkflowCreated struct {
	WorkflowID string `json:"workflowId"`
	Title      string `json:"title"`
	Status     string `json:"status"`
}

func (WorkflowCreated) EventType() string { return "workflow:created" }

type WorkflowStageChanged struct {
	WorkflowID string `json:"workflowId"`
	NewStage   string `json:"newStage"`
	SessionID  string `json:"sessionId,omitempty"`
}

func (WorkflowStageChanged) EventType() string { return "workflow:stage_changed" }

type WorkflowApprovalNeeded struct {
	WorkflowID   string `json:"workflowId"`
	ArtifactType string `json:"artifactType"`
}

func (WorkflowApprovalNeeded) EventType() string { return "workflow:approval_needed" }

type WorkflowCompleted struct {
	WorkflowID string `json:"workflowId"`
}

func (WorkflowCompleted) EventType() string { return "workflow:completed" }

type WorkflowError struct {
	WorkflowID string `json:"workflowId"`
	Error      string `json:"error"`
}

func (WorkflowError) EventType() string { return "workflow:error" }

// Session events.

type SessionStarted struct {
	SessionID   string `json:"sessionId"`
	ContextType string `json:"contextType"`
	ContextID   string `json:"contextId"`
	AgentRole   string `json:"agentRole"`
}

func (SessionStarted) EventType() string { return "session:started" }

type SessionCompleted struct {
	SessionID string `json:"sessionId"`
}

func (SessionCompleted) EventType() string { return "session:completed" }

type SessionError struct {
	SessionID string `json:"sessionId"`
	Error     string `json:"error"`
}

func (SessionError) EventType() string { return "session:error" }

// Turn events.

type TurnStarted struct {
	SessionID string `json:"sessionId"`
	TurnID    string `json:"turnId"`
	Role      string `json:"role"`
}

func (TurnStarted) EventType() string { return "turn:started" }

type TurnMessageDelta struct {
	SessionID    string `json:"sessionId"`
	TurnID       string `json:"turnId"`
	SegmentIndex int    `json:"segmentIndex"`
	Delta        string `json:"delta"`
}

func (TurnMessageDelta) EventType() string { return "turn:message_delta" }

type TurnSegmentComplete struct {
	SessionID    string `json:"sessionId"`
	TurnID       string `json:"turnId"`
	SegmentIndex int    `json:"segmentIndex"`
	Content      string `json:"content"`
}

func (TurnSegmentComplete) EventType() string { return "turn:segment_complete" }

type TurnThoughtDelta struct {
	SessionID string `json:"sessionId"`
	TurnID    string `json:"turnId"`
	Delta     string `json:"delta"`
}

func (TurnThoughtDelta) EventType() string { return "turn:thought_delta" }

type TurnToolStarted struct {
	SessionID string         `json:"sessionId"`
	TurnID    string         `json:"turnId"`
	ToolID    string         `json:"toolId"`
	Index     int            `json:"index"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input"`
}

func (TurnToolStarted) EventType() string { return "turn:tool_started" }

type TurnToolCompleted struct {
	SessionID string `json:"sessionId"`
	TurnID    string `json:"turnId"`
	ToolID    string `json:"toolId"`
	Output    string `json:"output"`
	Success   bool   `json:"success"`
}

func (TurnToolCompleted) EventType() string { return "turn:tool_completed" }

type TurnCompleted struct {
	SessionID string  `json:"sessionId"`
	TurnID    string  `json:"turnId"`
	Cost      float64 `json:"cost"`
}

func (TurnCompleted) EventType() string { return "turn:completed" }

// Question events.

type Question struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type QuestionsAsked struct {
	WorkflowID    string     `json:"workflowId"`
	SessionID     string     `json:"sessionId"`
	TurnID        string     `json:"turnId"`
	QuestionSetID string     `json:"questionSetId"`
	Questions     []Question `json:"questions"`
}

func (QuestionsAsked) EventType() string { return "questions:asked" }

type QuestionsAnswered struct {
	QuestionSetID string            `json:"questionSetId"`
	SessionID     string            `json:"sessionId"`
	Answers       map[string]string `json:"answers"`
	Comment       string            `json:"comment,omitempty"`
}

func (QuestionsAnswered) EventType() string { return "questions:answered" }

type QuestionsSubmitted struct {
	SessionID string `json:"sessionId"`
	TurnID    string `json:"turnId"`
	Comment   string `json:"comment,omitempty"`
}

func (QuestionsSubmitted) EventType() string { return "questions:submitted" }

// Shell approval events.

type ShellApprovalNeeded struct {
	ApprovalID string `json:"approvalId"`
	WorkflowID string `json:"workflowId"`
	SessionID  string `json:"sessionId"`
	Command    string `json:"command"`
	Reason     string `json:"reason"`
	AgentRole  string `json:"agentRole,omitempty"`
}

func (ShellApprovalNeeded) EventType() string { return "shell:approval_needed" }

type ShellApprovalResolved struct {
	ApprovalID string `json:"approvalId"`
	WorkflowID string `json:"workflowId"`
	SessionID  string `json:"sessionId"`
	Command    string `json:"command"`
	Approved   bool   `json:"approved"`
}

func (ShellApprovalResolved) EventType() string { return "shell:approval_resolved" }

// Credential prompt events.

type CredentialPromptNeeded struct {
	PromptID   string `json:"promptId"`
	WorkflowID string `json:"workflowId"`
	SessionID  string `json:"sessionId"`
	Prompt     string `json:"prompt"`
}

func (CredentialPromptNeeded) EventType() string { return "credential:prompt_needed" }

type CredentialPromptResolved struct {
	PromptID string `json:"promptId"`
	Provided bool   `json:"provided"`
}

func (CredentialPromptResolved) EventType() string { return "credential:prompt_resolved" }

// Marshal serializes an event with its `type` discriminator merged into
// the payload object.
func Marshal(e Event) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage)
	}
	typeJSON, _ := json.Marshal(e.EventType())
	fields["type"] = typeJSON

	return json.Marshal(fields)
}
