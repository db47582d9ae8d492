package health

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/commsengine/internal/model"
)

func TestScore_SaturatedAlpha(t *testing.T) {
	h := Score(model.ChannelInput{ID: "alpha", Label: "Alpha", MembershipCount: 6, Intensity: 0.82})

	assert.Equal(t, model.DisciplineSaturated, h.Discipline)
	assert.Equal(t, model.ChannelDirectiveRerouteMonitor, h.Directive)
	assert.Equal(t, 58, h.QualityPct)
	assert.Equal(t, 116, h.LatencyMs)
	assert.True(t, IsDegraded(h))
}

func TestClassify_Thresholds(t *testing.T) {
	tests := []struct {
		intensity float64
		want      model.Discipline
	}{
		{0, model.DisciplineClear},
		{0.41, model.DisciplineClear},
		{0.42, model.DisciplineBusy},
		{0.71, model.DisciplineBusy},
		{0.72, model.DisciplineSaturated},
		{1, model.DisciplineSaturated},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.intensity), "intensity=%v", tt.intensity)
	}
	assert.Equal(t, model.ChannelDirectiveLimitNonEssential, DirectiveFor(model.DisciplineBusy))
	assert.Equal(t, model.ChannelDirectiveNormal, DirectiveFor(model.DisciplineClear))
}

func TestScore_MissingFiguresUseSafeDefaults(t *testing.T) {
	h := Score(model.ChannelInput{ID: "quiet"})
	assert.Equal(t, "quiet", h.Label)
	assert.Equal(t, 99, h.QualityPct)
	assert.Equal(t, 18, h.LatencyMs)
	assert.Equal(t, model.DisciplineClear, h.Discipline)
}

func TestScore_ClampsExtremes(t *testing.T) {
	h := Score(model.ChannelInput{ID: "mob", MembershipCount: 500, Intensity: 7})
	assert.Equal(t, 36, h.QualityPct)
	assert.Equal(t, 220, h.LatencyMs)
	assert.Equal(t, 1.0, h.Intensity)
}

func TestCompute_SkipsDuplicatesAndBlankIDs(t *testing.T) {
	out := Compute([]model.ChannelInput{
		{ID: "alpha", MembershipCount: 1},
		{ID: ""},
		{ID: "alpha", MembershipCount: 40},
		{ID: "bravo"},
	})
	require.Len(t, out, 2)
	assert.Equal(t, "alpha", out[0].ChannelID)
	assert.Equal(t, 1, out[0].MembershipCount)
	assert.Equal(t, "bravo", out[1].ChannelID)
	assert.Empty(t, Compute(nil))
}

func TestScore_BoundedForAllInputs(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("quality and latency stay in range", prop.ForAll(
		func(members int, intensity float64) bool {
			h := Score(model.ChannelInput{ID: "x", MembershipCount: members, Intensity: intensity})
			return h.QualityPct >= 36 && h.QualityPct <= 99 &&
				h.LatencyMs >= 18 && h.LatencyMs <= 220 &&
				h.Intensity >= 0 && h.Intensity <= 1
		},
		gen.IntRange(-50, 1000),
		gen.Float64Range(-5, 5),
	))

	properties.TestingRun(t)
}
