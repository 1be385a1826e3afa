package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autarch-dev/autarch/pkg/role"
)

func TestParseStageValidatesInput(t *testing.T) {
	s, err := ParseStage("in_progress")
	require.NoError(t, err)
	assert.Equal(t, StageInProgress, s)

	_, err = ParseStage("shipping")
	require.Error(t, err)
}

func TestStageOrdering(t *testing.T) {
	assert.True(t, Before(StageBacklog, StageScoping))
	assert.True(t, Before(StageScoping, StageResearching))
	assert.True(t, Before(StageInProgress, StageReview))
	assert.False(t, Before(StageDone, StageReview))
}

func TestNextStageSkipsSkipped(t *testing.T) {
	assert.Equal(t, StageResearching, nextStage(StageScoping, nil))
	assert.Equal(t, StageInProgress, nextStage(StageScoping, []string{"researching", "planning"}))
	assert.Equal(t, StagePlanning, nextStage(StageResearching, nil))
	assert.Equal(t, StageDone, nextStage(StageReview, nil))
}

func TestStageRoles(t *testing.T) {
	r, ok := StageRole(StageScoping)
	require.True(t, ok)
	assert.Equal(t, role.Scoping, r)

	r, ok = StageRole(StageInProgress)
	require.True(t, ok)
	assert.Equal(t, role.Execution, r)

	_, ok = StageRole(StageDone)
	assert.False(t, ok)
}

func TestStageArtifactRoundTrip(t *testing.T) {
	for _, s := range []Stage{StageScoping, StageResearching, StagePlanning, StageReview} {
		at := StageArtifact(s)
		require.NotEmpty(t, at)
		back, ok := artifactStage(at)
		require.True(t, ok)
		assert.Equal(t, s, back)
	}
	assert.Empty(t, StageArtifact(StageInProgress))
}
