package artifacttool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/autarch-dev/autarch/pkg/artifact"
	"github.com/autarch-dev/autarch/pkg/tool"
)

// ReviewCommentArgs is one review finding.
type ReviewCommentArgs struct {
	Type        string `json:"type" jsonschema:"required,enum=line,enum=file,enum=review,description=Granularity of the comment"`
	FilePath    string `json:"file_path" jsonschema:"description=File the comment applies to (line and file comments)"`
	LineStart   int    `json:"line_start" jsonschema:"description=First line of the range (line comments)"`
	LineEnd     int    `json:"line_end" jsonschema:"description=Last line of the range (line comments)"`
	Category    string `json:"category" jsonschema:"required,description=Kind of issue such as correctness or style"`
	Severity    string `json:"severity" jsonschema:"required,enum=High,enum=Medium,enum=Low"`
	Description string `json:"description" jsonschema:"required,description=What is wrong and what to do about it"`
}

func (a ReviewCommentArgs) toComment() artifact.ReviewComment {
	return artifact.ReviewComment{
		Type:        a.Type,
		FilePath:    a.FilePath,
		LineStart:   a.LineStart,
		LineEnd:     a.LineEnd,
		Category:    a.Category,
		Severity:    a.Severity,
		Description: a.Description,
	}
}

// CompleteReviewArgs mirrors the ReviewCard shape.
type CompleteReviewArgs struct {
	Summary  string              `json:"summary" jsonschema:"required,description=Overall assessment of the change"`
	Verdict  string              `json:"verdict" jsonschema:"required,enum=approve,enum=request_changes,description=Final review verdict"`
	Comments []ReviewCommentArgs `json:"comments" jsonschema:"description=Individual findings; empty for a clean approve"`
}

// CompleteReview persists a pending ReviewCard with its comments. The
// coordinator calls it after synthesizing the sub-review findings.
type CompleteReview struct {
	artifacts *artifact.Store
	schema    map[string]any
}

func NewCompleteReview(artifacts *artifact.Store) *CompleteReview {
	return &CompleteReview{artifacts: artifacts, schema: tool.MustSchemaFor[CompleteReviewArgs]()}
}

func (t *CompleteReview) Definition() tool.Definition {
	return tool.Definition{
		Name:        "complete_review",
		Description: "Submit the synthesized review card for user approval. Call exactly once, after all sub-reviews are in.",
		Schema:      t.schema,
	}
}

func (t *CompleteReview) RequiresApproval() bool { return false }

func (t *CompleteReview) Execute(ctx context.Context, tc *tool.Context, rawArgs map[string]any) (tool.Result, error) {
	var args CompleteReviewArgs
	if err := tool.DecodeArgs(rawArgs, &args); err != nil {
		return tool.Errorf("invalid arguments: %v", err), nil
	}
	if args.Verdict != "approve" && args.Verdict != "request_changes" {
		return tool.Errorf("verdict must be approve or request_changes"), nil
	}
	card := &artifact.ReviewCard{Summary: args.Summary, Verdict: args.Verdict}
	for _, c := range args.Comments {
		card.Comments = append(card.Comments, c.toComment())
	}
	rec, err := t.artifacts.Submit(ctx, tc.WorkflowID, tc.TurnID, artifact.TypeReviewCard, card)
	if err != nil {
		return tool.Result{}, err
	}
	return artifactResult(rec, "review card"), nil
}

// SubmitSubReviewArgs is one worker's slice of the review.
type SubmitSubReviewArgs struct {
	Focus    string              `json:"focus" jsonschema:"required,description=The aspect this sub-review covered"`
	Summary  string              `json:"summary" jsonschema:"required,description=Findings summary for this aspect"`
	Comments []ReviewCommentArgs `json:"comments" jsonschema:"description=Findings for this aspect; empty when clean"`
}

// SubReviewReport is what a sub-review worker hands back to the
// coordinator. It is never persisted as an artifact; only the
// coordinator's synthesized ReviewCard is.
type SubReviewReport struct {
	Focus    string                   `json:"focus"`
	Summary  string                   `json:"summary"`
	Comments []artifact.ReviewComment `json:"comments,omitempty"`
}

// SubmitSubReview ends a sub-review worker turn. The findings travel
// back through the result content as JSON.
type SubmitSubReview struct {
	schema map[string]any
}

func NewSubmitSubReview() *SubmitSubReview {
	return &SubmitSubReview{schema: tool.MustSchemaFor[SubmitSubReviewArgs]()}
}

func (t *SubmitSubReview) Definition() tool.Definition {
	return tool.Definition{
		Name:        "submit_sub_review",
		Description: "Report this sub-review's findings to the review coordinator. Call exactly once, when your aspect is fully reviewed.",
		Schema:      t.schema,
	}
}

func (t *SubmitSubReview) RequiresApproval() bool { return false }

func (t *SubmitSubReview) Execute(_ context.Context, _ *tool.Context, rawArgs map[string]any) (tool.Result, error) {
	var args SubmitSubReviewArgs
	if err := tool.DecodeArgs(rawArgs, &args); err != nil {
		return tool.Errorf("invalid arguments: %v", err), nil
	}
	if args.Focus == "" || args.Summary == "" {
		return tool.Errorf("focus and summary are required"), nil
	}
	report := SubReviewReport{Focus: args.Focus, Summary: args.Summary}
	for _, c := range args.Comments {
		report.Comments = append(report.Comments, c.toComment())
	}
	raw, err := json.Marshal(report)
	if err != nil {
		return tool.Result{}, fmt.Errorf("marshal sub-review report: %w", err)
	}
	return tool.Result{
		Success:  true,
		Content:  string(raw),
		Metadata: map[string]any{tool.MetaSubReviewComplete: true},
	}, nil
}
