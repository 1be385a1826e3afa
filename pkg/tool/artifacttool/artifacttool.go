// Package artifacttool provides the stage-output tools. Each submit
// tool persists a pending artifact bound to the current turn and
// signals the runtime through result metadata so the workflow machine
// can raise the approval gate.
package artifacttool

import (
	"context"
	"fmt"

	"github.com/autarch-dev/autarch/pkg/artifact"
	"github.com/autarch-dev/autarch/pkg/tool"
)

// All returns the artifact tools backed by the given store. The
// session runtime hands each role its subset via the registry.
func All(artifacts *artifact.Store) []tool.Tool {
	return []tool.Tool{
		NewSubmitScope(artifacts),
		NewSubmitResearch(artifacts),
		NewCreatePlan(artifacts),
		NewCompleteReview(artifacts),
		NewSubmitSubReview(),
	}
}

func artifactResult(rec *artifact.Record, noun string) tool.Result {
	return tool.Result{
		Success: true,
		Content: fmt.Sprintf("%s submitted for approval (%s)", noun, rec.ID),
		Metadata: map[string]any{
			tool.MetaArtifactID:   rec.ID,
			tool.MetaArtifactType: rec.Type,
		},
	}
}

// SubmitScopeArgs mirrors the ScopeCard shape.
type SubmitScopeArgs struct {
	Title         string   `json:"title" jsonschema:"required,description=Short workflow title"`
	Summary       string   `json:"summary" jsonschema:"required,description=What this workflow will accomplish and why"`
	InScope       []string `json:"in_scope" jsonschema:"required,description=Concrete items this workflow covers"`
	OutOfScope    []string `json:"out_of_scope" jsonschema:"description=Explicitly excluded items"`
	OpenQuestions []string `json:"open_questions" jsonschema:"description=Unresolved questions to surface to the user"`
}

// SubmitScope persists a pending ScopeCard and ends the scoping turn.
type SubmitScope struct {
	artifacts *artifact.Store
	schema    map[string]any
}

func NewSubmitScope(artifacts *artifact.Store) *SubmitScope {
	return &SubmitScope{artifacts: artifacts, schema: tool.MustSchemaFor[SubmitScopeArgs]()}
}

func (t *SubmitScope) Definition() tool.Definition {
	return tool.Definition{
		Name:        "submit_scope",
		Description: "Submit the finished scope card for user approval. Call exactly once, when scoping is complete.",
		Schema:      t.schema,
	}
}

func (t *SubmitScope) RequiresApproval() bool { return false }

func (t *SubmitScope) Execute(ctx context.Context, tc *tool.Context, rawArgs map[string]any) (tool.Result, error) {
	var args SubmitScopeArgs
	if err := tool.DecodeArgs(rawArgs, &args); err != nil {
		return tool.Errorf("invalid arguments: %v", err), nil
	}
	if args.Title == "" || args.Summary == "" {
		return tool.Errorf("title and summary are required"), nil
	}
	card := &artifact.ScopeCard{
		Title:         args.Title,
		Summary:       args.Summary,
		InScope:       args.InScope,
		OutOfScope:    args.OutOfScope,
		OpenQuestions: args.OpenQuestions,
	}
	rec, err := t.artifacts.Submit(ctx, tc.WorkflowID, tc.TurnID, artifact.TypeScopeCard, card)
	if err != nil {
		return tool.Result{}, err
	}
	return artifactResult(rec, "scope card"), nil
}

// SubmitResearchArgs mirrors the ResearchCard shape.
type SubmitResearchArgs struct {
	Summary  string        `json:"summary" jsonschema:"required,description=Overall research summary"`
	Findings []FindingArgs `json:"findings" jsonschema:"required,description=Individual research findings"`
}

// FindingArgs is one research finding.
type FindingArgs struct {
	Topic     string   `json:"topic" jsonschema:"required,description=What this finding is about"`
	Detail    string   `json:"detail" jsonschema:"required,description=What was learned"`
	Resources []string `json:"resources" jsonschema:"description=Files or references backing the finding"`
}

// SubmitResearch persists a pending ResearchCard.
type SubmitResearch struct {
	artifacts *artifact.Store
	schema    map[string]any
}

func NewSubmitResearch(artifacts *artifact.Store) *SubmitResearch {
	return &SubmitResearch{artifacts: artifacts, schema: tool.MustSchemaFor[SubmitResearchArgs]()}
}

func (t *SubmitResearch) Definition() tool.Definition {
	return tool.Definition{
		Name:        "submit_research",
		Description: "Submit the finished research card for user approval. Call exactly once, when research is complete.",
		Schema:      t.schema,
	}
}

func (t *SubmitResearch) RequiresApproval() bool { return false }

func (t *SubmitResearch) Execute(ctx context.Context, tc *tool.Context, rawArgs map[string]any) (tool.Result, error) {
	var args SubmitResearchArgs
	if err := tool.DecodeArgs(rawArgs, &args); err != nil {
		return tool.Errorf("invalid arguments: %v", err), nil
	}
	if args.Summary == "" {
		return tool.Errorf("summary is required"), nil
	}
	card := &artifact.ResearchCard{Summary: args.Summary}
	for _, f := range args.Findings {
		card.Findings = append(card.Findings, artifact.Finding{
			Topic:     f.Topic,
			Detail:    f.Detail,
			Resources: f.Resources,
		})
	}
	rec, err := t.artifacts.Submit(ctx, tc.WorkflowID, tc.TurnID, artifact.TypeResearchCard, card)
	if err != nil {
		return tool.Result{}, err
	}
	return artifactResult(rec, "research card"), nil
}

// CreatePlanArgs mirrors the Plan shape.
type CreatePlanArgs struct {
	Summary string         `json:"summary" jsonschema:"required,description=What the plan achieves overall"`
	Steps   []PlanStepArgs `json:"steps" jsonschema:"required,description=Ordered execution steps; each step becomes one pulse"`
}

// PlanStepArgs is one plan step.
type PlanStepArgs struct {
	Title  string   `json:"title" jsonschema:"required,description=Short step title"`
	Detail string   `json:"detail" jsonschema:"required,description=What the step changes and how"`
	Paths  []string `json:"paths" jsonschema:"description=Files the step is expected to touch"`
}

// CreatePlan persists a pending Plan.
type CreatePlan struct {
	artifacts *artifact.Store
	schema    map[string]any
}

func NewCreatePlan(artifacts *artifact.Store) *CreatePlan {
	return &CreatePlan{artifacts: artifacts, schema: tool.MustSchemaFor[CreatePlanArgs]()}
}

func (t *CreatePlan) Definition() tool.Definition {
	return tool.Definition{
		Name:        "create_plan",
		Description: "Submit the finished execution plan for user approval. Call exactly once, when planning is complete.",
		Schema:      t.schema,
	}
}

func (t *CreatePlan) RequiresApproval() bool { return false }

func (t *CreatePlan) Execute(ctx context.Context, tc *tool.Context, rawArgs map[string]any) (tool.Result, error) {
	var args CreatePlanArgs
	if err := tool.DecodeArgs(rawArgs, &args); err != nil {
		return tool.Errorf("invalid arguments: %v", err), nil
	}
	if len(args.Steps) == 0 {
		return tool.Errorf("a plan needs at least one step"), nil
	}
	plan := &artifact.Plan{Summary: args.Summary}
	for _, s := range args.Steps {
		plan.Steps = append(plan.Steps, artifact.PlanStep{
			Title:  s.Title,
			Detail: s.Detail,
			Paths:  s.Paths,
		})
	}
	rec, err := t.artifacts.Submit(ctx, tc.WorkflowID, tc.TurnID, artifact.TypePlan, plan)
	if err != nil {
		return tool.Result{}, err
	}
	return artifactResult(rec, "plan"), nil
}
