// Package workflow implements the gated state machine over workflow
// stages: approvals, the quick path, rewinds, and the stage-boundary
// timeline derived from approved artifacts.
package workflow

import (
	"fmt"

	"github.com/autarch-dev/autarch/pkg/artifact"
	"github.com/autarch-dev/autarch/pkg/role"
	"github.com/autarch-dev/autarch/pkg/store"
)

// Stage is a workflow lifecycle stage. Values match the persisted
// workflow status strings.
type Stage string

const (
	StageBacklog     Stage = store.WorkflowBacklog
	StageScoping     Stage = store.WorkflowScoping
	StageResearching Stage = store.WorkflowResearching
	StagePlanning    Stage = store.WorkflowPlanning
	StageInProgress  Stage = store.WorkflowInProgress
	StageReview      Stage = store.WorkflowReview
	StageDone        Stage = store.WorkflowDone
)

// stageRank orders stages totally; backlog precedes scoping.
var stageRank = map[Stage]int{
	StageBacklog:     0,
	StageScoping:     1,
	StageResearching: 2,
	StagePlanning:    3,
	StageInProgress:  4,
	StageReview:      5,
	StageDone:        6,
}

// stageOrder is the canonical progression after backlog.
var stageOrder = []Stage{
	StageScoping,
	StageResearching,
	StagePlanning,
	StageInProgress,
	StageReview,
	StageDone,
}

// ParseStage validates a stage string.
func ParseStage(s string) (Stage, error) {
	stage := Stage(s)
	if _, ok := stageRank[stage]; !ok {
		return "", fmt.Errorf("workflow: unknown stage %q", s)
	}
	return stage, nil
}

// Rank returns the total order position of a stage.
func Rank(s Stage) int { return stageRank[s] }

// Before reports whether a precedes b in the canonical order.
func Before(a, b Stage) bool { return stageRank[a] < stageRank[b] }

func (s Stage) String() string { return string(s) }

// StageRole maps a stage to the agent role that works it. Backlog and
// done have no role.
func StageRole(s Stage) (role.Role, bool) {
	switch s {
	case StageScoping:
		return role.Scoping, true
	case StageResearching:
		return role.Research, true
	case StagePlanning:
		return role.Planning, true
	case StageInProgress:
		return role.Execution, true
	case StageReview:
		return role.Review, true
	}
	return "", false
}

// StageArtifact returns the artifact type a stage terminates with, or
// empty when the stage has no gate artifact of its own. in_progress
// ends through the pulse loop, not a gate.
func StageArtifact(s Stage) string {
	switch s {
	case StageScoping:
		return artifact.TypeScopeCard
	case StageResearching:
		return artifact.TypeResearchCard
	case StagePlanning:
		return artifact.TypePlan
	case StageReview:
		return artifact.TypeReviewCard
	}
	return ""
}

// artifactStage is the inverse of StageArtifact.
func artifactStage(artifactType string) (Stage, bool) {
	switch artifactType {
	case artifact.TypeScopeCard:
		return StageScoping, true
	case artifact.TypeResearchCard:
		return StageResearching, true
	case artifact.TypePlan:
		return StagePlanning, true
	case artifact.TypeReviewCard:
		return StageReview, true
	}
	return "", false
}

// nextStage returns the first non-skipped stage after current.
func nextStage(current Stage, skipped []string) Stage {
	skip := make(map[Stage]bool, len(skipped))
	for _, s := range skipped {
		skip[Stage(s)] = true
	}
	rank := stageRank[current]
	for _, s := range stageOrder {
		if stageRank[s] > rank && !skip[s] {
			return s
		}
	}
	return StageDone
}

// rewindTargets are the stages a workflow may be rewound to.
var rewindTargets = map[Stage]bool{
	StageResearching: true,
	StagePlanning:    true,
	StageInProgress:  true,
	StageReview:      true,
}
