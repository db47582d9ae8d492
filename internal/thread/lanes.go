// Package thread aggregates channel health, incidents and directive traffic into per-channel
// lanes and detects cross-channel discipline problems.
package thread

import (
	"sort"
	"strings"
	"time"

	"github.com/msageha/commsengine/internal/model"
)

const (
	DefaultLaneCap = 18

	// Lanes for channels that only appear in events or incidents start from this baseline.
	synthesizedQualityPct = 70

	rerouteQualityPct    = 55
	restrictDirectiveVol = 4
)

// laneRule maps aggregated lane counters to a next action. Rules are evaluated in order
// and the first match wins.
type laneRule struct {
	name   string
	match  func(model.DirectiveThreadLane) bool
	action model.NextAction
}

var laneRules = []laneRule{
	{"critical", func(l model.DirectiveThreadLane) bool { return l.CriticalCount > 0 }, model.NextActionAck},
	{"unresolved", func(l model.DirectiveThreadLane) bool { return l.UnresolvedCount > 0 }, model.NextActionAssign},
	{"low_quality", func(l model.DirectiveThreadLane) bool { return l.QualityPct < rerouteQualityPct }, model.NextActionReroute},
	{"directive_volume", func(l model.DirectiveThreadLane) bool { return l.DirectiveVolume >= restrictDirectiveVol }, model.NextActionRestrict},
}

// NextAction resolves a lane's next action from its counters.
func NextAction(l model.DirectiveThreadLane) model.NextAction {
	for _, r := range laneRules {
		if r.match(l) {
			return r.action
		}
	}
	return model.NextActionCheckIn
}

// BuildLanes seeds one lane per channel, folds in unresolved incidents and in-window directive
// traffic, then orders lanes by urgency and truncates to laneCap (DefaultLaneCap when <= 0).
func BuildLanes(
	health []model.ChannelHealth,
	incidents []model.IncidentRecord,
	events []model.Event,
	now time.Time,
	window time.Duration,
	laneCap int,
) []model.DirectiveThreadLane {
	if laneCap <= 0 {
		laneCap = DefaultLaneCap
	}

	lanes := make(map[string]*model.DirectiveThreadLane)
	var order []string
	lane := func(channelID string) *model.DirectiveThreadLane {
		if l, ok := lanes[channelID]; ok {
			return l
		}
		l := &model.DirectiveThreadLane{
			ID:          model.LaneID(channelID),
			ChannelID:   channelID,
			Label:       channelID,
			QualityPct:  synthesizedQualityPct,
			Synthesized: true,
		}
		lanes[channelID] = l
		order = append(order, channelID)
		return l
	}

	for _, h := range health {
		if h.ChannelID == "" {
			continue
		}
		if _, ok := lanes[h.ChannelID]; ok {
			continue
		}
		l := lane(h.ChannelID)
		l.Label = h.Label
		l.QualityPct = h.QualityPct
		l.Synthesized = false
	}

	for _, inc := range incidents {
		channelID := strings.TrimSpace(inc.ChannelID)
		if channelID == "" {
			continue
		}
		l := lane(channelID)
		if inc.Status != model.IncidentStatusResolved {
			l.UnresolvedCount++
			if inc.Priority == model.PriorityCritical {
				l.CriticalCount++
			}
		}
		if inc.Source == model.IncidentSourceEvent && inc.CreatedAt.After(l.LastActivity) {
			l.LastActivity = inc.CreatedAt
		}
	}

	seenEvents := make(map[string]bool)
	for _, e := range events {
		channelID := strings.TrimSpace(e.ChannelID)
		if channelID == "" {
			continue
		}
		if e.ID != "" {
			if seenEvents[e.ID] {
				continue
			}
			seenEvents[e.ID] = true
		}
		ts := e.Time()
		if !model.InWindow(ts, now, window) {
			continue
		}
		l := lane(channelID)
		if model.IsDirectiveEventType(e.EventType) {
			l.DirectiveVolume++
		}
		if ts.After(l.LastActivity) {
			l.LastActivity = ts
		}
	}

	out := make([]model.DirectiveThreadLane, 0, len(order))
	for _, id := range order {
		l := lanes[id]
		l.NextAction = NextAction(*l)
		out = append(out, *l)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.CriticalCount != b.CriticalCount {
			return a.CriticalCount > b.CriticalCount
		}
		if a.UnresolvedCount != b.UnresolvedCount {
			return a.UnresolvedCount > b.UnresolvedCount
		}
		if a.DirectiveVolume != b.DirectiveVolume {
			return a.DirectiveVolume > b.DirectiveVolume
		}
		return a.LastActivity.After(b.LastActivity)
	})

	if len(out) > laneCap {
		out = out[:laneCap]
	}
	return out
}
