package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelLow, ParseLevel("LOW"))
	assert.Equal(t, LevelHigh, ParseLevel(" high "))
	assert.Equal(t, LevelMedium, ParseLevel("medium"))
	assert.Equal(t, LevelMedium, ParseLevel("critical"))
	assert.Equal(t, LevelMedium, ParseLevel(""))
}

func TestLevelForScore(t *testing.T) {
	tests := []struct {
		score int
		want  Level
	}{
		{0, LevelLow},
		{29, LevelLow},
		{30, LevelMedium},
		{69, LevelMedium},
		{70, LevelHigh},
		{100, LevelHigh},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LevelForScore(tt.score), "score %d", tt.score)
	}
}

func TestLevelRank(t *testing.T) {
	assert.Less(t, LevelLow.Rank(), LevelMedium.Rank())
	assert.Less(t, LevelMedium.Rank(), LevelHigh.Rank())
}

func TestNormalize(t *testing.T) {
	a := Assessment{Score: 140, Level: "SEVERE"}.Normalize()
	assert.Equal(t, 100, a.Score)
	assert.Equal(t, LevelMedium, a.Level)
	assert.NotNil(t, a.Reasons)
	assert.NotNil(t, a.Recommendations)

	assert.Equal(t, 0, Assessment{Score: -5, Level: LevelLow}.Normalize().Score)
}

func TestClone_IsDeep(t *testing.T) {
	a := Assessment{Reasons: []string{"one"}}
	b := a.Clone()
	b.Reasons[0] = "changed"
	assert.Equal(t, "one", a.Reasons[0])
}

func TestReasonSummary(t *testing.T) {
	a := Assessment{Reasons: []string{"Large amount", "anomaly: new recipient"}}
	assert.Equal(t, "Large amount; anomaly: new recipient", a.ReasonSummary())
}
