package incident

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/commsengine/internal/health"
	"github.com/msageha/commsengine/internal/model"
)

var testNow = time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

func ago(d time.Duration) string {
	return testNow.Add(-d).Format(time.RFC3339)
}

func testSnapshot() ([]model.ChannelHealth, []model.Event) {
	hs := health.Compute([]model.ChannelInput{
		{ID: "alpha", Label: "Alpha", MembershipCount: 6, Intensity: 0.82},
		{ID: "bravo", Label: "Bravo", MembershipCount: 2, Intensity: 0.5},
		{ID: "charlie", Label: "Charlie", MembershipCount: 1, Intensity: 0.1},
	})
	events := []model.Event{
		{ID: "e1", ChannelID: "alpha", EventType: "DOWNED", CreatedAt: ago(2 * time.Minute)},
		{ID: "e2", ChannelID: "bravo", EventType: "contact", CreatedAt: ago(1 * time.Minute)},
		{ID: "e3", ChannelID: "bravo", EventType: "HOLD", CreatedAt: ago(3 * time.Minute)},
		{ID: "e4", ChannelID: "bravo", EventType: "ROGER", CreatedAt: ago(1 * time.Minute)},
		{ID: "e5", ChannelID: "alpha", EventType: "EXTRACT", CreatedAt: ago(30 * time.Minute)},
		{ID: "e1", ChannelID: "alpha", EventType: "DOWNED", CreatedAt: ago(2 * time.Minute)},
	}
	return hs, events
}

func ids(cs []model.IncidentCandidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}

func TestBuildCandidates_DerivesAndOrders(t *testing.T) {
	hs, events := testSnapshot()
	got := BuildCandidates(hs, events, testNow, 10*time.Minute)

	assert.Equal(t, []string{
		"event:e1",     // CRITICAL
		"health:alpha", // HIGH, stamped now
		"event:e2",     // HIGH, 1m ago
		"health:bravo", // MED, now
		"event:e3",     // MED, 3m ago
	}, ids(got))

	byID := map[string]model.IncidentCandidate{}
	for _, c := range got {
		byID[c.ID] = c
	}
	assert.Equal(t, model.PriorityHigh, byID["health:alpha"].Priority)
	assert.Equal(t, model.PriorityMed, byID["health:bravo"].Priority)
	assert.Equal(t, model.IncidentSourceEvent, byID["event:e2"].Source)
	assert.Equal(t, "CONTACT", byID["event:e2"].Title)
}

func TestBuildCandidates_LowQualityClearChannel(t *testing.T) {
	hs := []model.ChannelHealth{{ChannelID: "x", Label: "X", Discipline: model.DisciplineClear, QualityPct: 81}}
	got := BuildCandidates(hs, nil, testNow, 10*time.Minute)
	require.Len(t, got, 1)
	assert.Equal(t, model.PriorityMed, got[0].Priority)

	hs[0].QualityPct = 59
	got = BuildCandidates(hs, nil, testNow, 10*time.Minute)
	assert.Equal(t, model.PriorityHigh, got[0].Priority)

	hs[0].QualityPct = 82
	assert.Empty(t, BuildCandidates(hs, nil, testNow, 10*time.Minute))
}

func TestBuildCandidates_Idempotent(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	types := []string{"DOWNED", "EXTRACT", "CONTACT", "HOLD", "ROGER", "MOVE_OUT", "REVIVE"}

	properties.Property("ids and priorities do not depend on call order", prop.ForAll(
		func(typeIdx []int, intensities []float64) bool {
			var channels []model.ChannelInput
			for i, in := range intensities {
				channels = append(channels, model.ChannelInput{ID: fmt.Sprintf("c%d", i), MembershipCount: i, Intensity: in})
			}
			var events []model.Event
			for i, ti := range typeIdx {
				events = append(events, model.Event{
					ID:        fmt.Sprintf("e%d", i),
					ChannelID: fmt.Sprintf("c%d", i%3),
					EventType: types[ti%len(types)],
					CreatedAt: ago(time.Duration(i%15) * time.Minute),
				})
			}
			hs := health.Compute(channels)
			a := BuildCandidates(hs, events, testNow, 10*time.Minute)
			b := BuildCandidates(hs, events, testNow, 10*time.Minute)
			if len(a) != len(b) {
				return false
			}
			for i := range a {
				if a[i].ID != b[i].ID || a[i].Priority != b[i].Priority {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 100)),
		gen.SliceOf(gen.Float64Range(0, 1)),
	))

	properties.TestingRun(t)
}

func TestNormalizeFirstSeen(t *testing.T) {
	earlier := testNow.Add(-20 * time.Minute)
	candidates := []model.IncidentCandidate{
		{ID: "health:alpha", CreatedAt: testNow},
		{ID: "health:bravo", CreatedAt: testNow},
		{ID: "event:e1", CreatedAt: testNow.Add(-2 * time.Minute)},
	}
	prev := map[string]time.Time{
		"health:alpha": earlier,
		"event:e1":     testNow,
		"health:gone":  earlier,
	}

	got := NormalizeFirstSeen(candidates, prev)

	assert.Equal(t, map[string]time.Time{
		"health:alpha": earlier,
		"health:bravo": testNow,
		"event:e1":     testNow.Add(-2 * time.Minute),
	}, got)
	assert.Contains(t, prev, "health:gone", "prev must not be mutated")

	stamped := StampFirstSeen(candidates, got)
	assert.Equal(t, earlier, stamped[0].CreatedAt)
	assert.Equal(t, testNow, stamped[1].CreatedAt)
	assert.Equal(t, testNow, candidates[0].CreatedAt, "candidates must not be mutated")
}

func TestNormalizeStatusByID(t *testing.T) {
	candidates := []model.IncidentCandidate{{ID: "health:alpha"}, {ID: "event:e1"}}
	prev := map[string]model.IncidentStatus{
		"health:alpha": model.IncidentStatusAcked,
		"event:gone":   model.IncidentStatusAssigned,
	}

	got := NormalizeStatusByID(candidates, prev)

	assert.Equal(t, map[string]model.IncidentStatus{
		"health:alpha": model.IncidentStatusAcked,
		"event:e1":     model.IncidentStatusNew,
	}, got)
	assert.Contains(t, prev, "event:gone", "prev must not be mutated")
}

func TestApplyTransition_RejectsIllegalWithoutMutating(t *testing.T) {
	statuses := map[string]model.IncidentStatus{"inc-a": model.IncidentStatusNew}

	_, err := ApplyTransition(statuses, "inc-a", model.IncidentStatusResolved)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIllegalTransition))
	assert.Equal(t, model.IncidentStatusNew, statuses["inc-a"])

	next, err := ApplyTransition(statuses, "inc-a", model.IncidentStatusAcked)
	require.NoError(t, err)
	assert.Equal(t, model.IncidentStatusAcked, next["inc-a"])
	assert.Equal(t, model.IncidentStatusNew, statuses["inc-a"])

	_, err = ApplyTransition(statuses, "inc-missing", model.IncidentStatusAcked)
	assert.True(t, errors.Is(err, ErrUnknownIncident))
}

func TestSort_UnresolvedFirst(t *testing.T) {
	records := []model.IncidentRecord{
		{IncidentCandidate: model.IncidentCandidate{ID: "r1", Priority: model.PriorityCritical, CreatedAt: testNow}, Status: model.IncidentStatusResolved},
		{IncidentCandidate: model.IncidentCandidate{ID: "n-med", Priority: model.PriorityMed, CreatedAt: testNow}, Status: model.IncidentStatusNew},
		{IncidentCandidate: model.IncidentCandidate{ID: "n-high-old", Priority: model.PriorityHigh, CreatedAt: testNow.Add(-time.Minute)}, Status: model.IncidentStatusNew},
		{IncidentCandidate: model.IncidentCandidate{ID: "n-high-new", Priority: model.PriorityHigh, CreatedAt: testNow}, Status: model.IncidentStatusNew},
		{IncidentCandidate: model.IncidentCandidate{ID: "a1", Priority: model.PriorityCritical, CreatedAt: testNow}, Status: model.IncidentStatusAcked},
	}

	got := Sort(records)

	var order []string
	for _, r := range got {
		order = append(order, r.ID)
	}
	assert.Equal(t, []string{"n-high-new", "n-high-old", "n-med", "a1", "r1"}, order)
	assert.Equal(t, "r1", records[0].ID, "input must keep its order")
}

func TestRecords_DefaultsToNew(t *testing.T) {
	got := Records([]model.IncidentCandidate{{ID: "a"}, {ID: "b"}}, map[string]model.IncidentStatus{"b": model.IncidentStatusAssigned})
	require.Len(t, got, 2)
	assert.Equal(t, model.IncidentStatusNew, got[0].Status)
	assert.Equal(t, model.IncidentStatusAssigned, got[1].Status)
}
