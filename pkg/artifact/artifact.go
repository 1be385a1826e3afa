// Package artifact defines the typed stage outputs (ScopeCard,
// ResearchCard, Plan, ReviewCard) and the store that enforces the
// approval-gate invariants over them.
package artifact

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/autarch-dev/autarch/pkg/store"
)

// Type aliases re-exported so callers need not import pkg/store for
// the artifact vocabulary.
const (
	TypeScopeCard    = store.ArtifactScopeCard
	TypeResearchCard = store.ArtifactResearchCard
	TypePlan         = store.ArtifactPlan
	TypeReviewCard   = store.ArtifactReviewCard

	StatusPending  = store.ArtifactPending
	StatusApproved = store.ArtifactApproved
	StatusDenied   = store.ArtifactDenied
)

// ScopeCard is the scoping stage output.
type ScopeCard struct {
	Title         string   `json:"title"`
	Summary       string   `json:"summary"`
	InScope       []string `json:"inScope"`
	OutOfScope    []string `json:"outOfScope"`
	OpenQuestions []string `json:"openQuestions"`
}

// Finding is one research result inside a ResearchCard.
type Finding struct {
	Topic     string   `json:"topic"`
	Detail    string   `json:"detail"`
	Resources []string `json:"resources"`
}

// ResearchCard is the researching stage output.
type ResearchCard struct {
	Summary  string    `json:"summary"`
	Findings []Finding `json:"findings"`
}

// PlanStep is one unit of execution work; each step becomes a pulse.
type PlanStep struct {
	Title  string   `json:"title"`
	Detail string   `json:"detail"`
	Paths  []string `json:"paths"`
}

// Plan is the planning stage output. Synthesized plans are generated
// by the quick path from an approved scope and carry no turn id.
type Plan struct {
	Summary     string     `json:"summary"`
	Steps       []PlanStep `json:"steps"`
	Synthesized bool       `json:"synthesized"`
}

// ReviewCard is the review stage output. Its comments persist as
// separate rows; Comments here carries them through submission.
type ReviewCard struct {
	Summary  string          `json:"summary"`
	Verdict  string          `json:"verdict"`
	Comments []ReviewComment `json:"comments,omitempty"`
}

// ReviewComment severities.
const (
	SeverityHigh   = "High"
	SeverityMedium = "Medium"
	SeverityLow    = "Low"
)

// ReviewComment statuses.
const (
	CommentOpen      = "open"
	CommentFixed     = "fixed"
	CommentDismissed = "dismissed"
)

// ReviewComment is one review finding. Type is line, file or review.
type ReviewComment struct {
	ID          string `json:"id,omitempty"`
	Type        string `json:"type"`
	FilePath    string `json:"filePath,omitempty"`
	LineStart   int    `json:"lineStart,omitempty"`
	LineEnd     int    `json:"lineEnd,omitempty"`
	Category    string `json:"category"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
	Status      string `json:"status,omitempty"`
}

// Record is a typed view over a stored artifact row.
type Record struct {
	ID         string
	WorkflowID string
	TurnID     string
	Type       string
	Status     string
	Body       json.RawMessage
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func recordFromRow(row *store.Artifact) *Record {
	return &Record{
		ID:         row.ID,
		WorkflowID: row.WorkflowID,
		TurnID:     row.TurnID,
		Type:       row.Type,
		Status:     row.Status,
		Body:       json.RawMessage(row.Body),
		CreatedAt:  row.CreatedAt,
		UpdatedAt:  row.UpdatedAt,
	}
}

// DecodeScopeCard parses a record body as a ScopeCard.
func DecodeScopeCard(r *Record) (*ScopeCard, error) {
	return decodeBody[ScopeCard](r, TypeScopeCard)
}

// DecodeResearchCard parses a record body as a ResearchCard.
func DecodeResearchCard(r *Record) (*ResearchCard, error) {
	return decodeBody[ResearchCard](r, TypeResearchCard)
}

// DecodePlan parses a record body as a Plan.
func DecodePlan(r *Record) (*Plan, error) {
	return decodeBody[Plan](r, TypePlan)
}

// DecodeReviewCard parses a record body as a ReviewCard.
func DecodeReviewCard(r *Record) (*ReviewCard, error) {
	return decodeBody[ReviewCard](r, TypeReviewCard)
}

func decodeBody[T any](r *Record, want string) (*T, error) {
	if r.Type != want {
		return nil, fmt.Errorf("artifact: %s is a %s, not a %s", r.ID, r.Type, want)
	}
	var body T
	if err := json.Unmarshal(r.Body, &body); err != nil {
		return nil, fmt.Errorf("artifact: decode %s body: %w", r.ID, err)
	}
	return &body, nil
}
