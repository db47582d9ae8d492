// Package incident derives incident candidates from channel health and the event stream,
// and manages the caller-owned status map that tracks their lifecycle.
package incident

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/msageha/commsengine/internal/model"
)

var (
	ErrIllegalTransition = errors.New("illegal incident transition")
	ErrUnknownIncident   = errors.New("unknown incident")
)

// Below this quality a CLEAR channel still raises a health incident.
const healthIncidentQualityPct = 82

// Below this quality a health incident is raised at HIGH.
const highPriorityQualityPct = 60

var eventPriority = map[string]model.Priority{
	model.EventDowned:       model.PriorityCritical,
	model.EventExtract:      model.PriorityCritical,
	model.EventContact:      model.PriorityHigh,
	model.EventThreatUpdate: model.PriorityHigh,
	model.EventRevive:       model.PriorityHigh,
	model.EventHold:         model.PriorityMed,
	model.EventClearComms:   model.PriorityMed,
}

// EventPriority maps an event type to an incident priority. ok is false for types that never raise incidents.
func EventPriority(eventType string) (model.Priority, bool) {
	p, ok := eventPriority[strings.ToUpper(strings.TrimSpace(eventType))]
	return p, ok
}

// BuildCandidates derives incident candidates. Ids depend only on the underlying channel or
// event, so calling it twice on the same input yields identical ids and priorities.
// Health-driven candidates are stamped with now; see StampFirstSeen for carrying their age.
func BuildCandidates(health []model.ChannelHealth, events []model.Event, now time.Time, window time.Duration) []model.IncidentCandidate {
	var out []model.IncidentCandidate
	seen := make(map[string]bool)

	for _, h := range health {
		if h.Discipline == model.DisciplineClear && h.QualityPct >= healthIncidentQualityPct {
			continue
		}
		id := model.HealthIncidentID(h.ChannelID)
		if seen[id] {
			continue
		}
		seen[id] = true

		priority := model.PriorityMed
		if h.Discipline == model.DisciplineSaturated || h.QualityPct < highPriorityQualityPct {
			priority = model.PriorityHigh
		}
		out = append(out, model.IncidentCandidate{
			ID:        id,
			Source:    model.IncidentSourceHealth,
			ChannelID: h.ChannelID,
			Title:     fmt.Sprintf("%s degraded", h.Label),
			Detail:    fmt.Sprintf("discipline=%s quality=%d%% latency=%dms", h.Discipline, h.QualityPct, h.LatencyMs),
			Priority:  priority,
			CreatedAt: now,
		})
	}

	for _, e := range events {
		priority, ok := EventPriority(e.EventType)
		if !ok || strings.TrimSpace(e.ID) == "" {
			continue
		}
		ts := e.Time()
		if !model.InWindow(ts, now, window) {
			continue
		}
		id := model.EventIncidentID(e.ID)
		if seen[id] {
			continue
		}
		seen[id] = true

		out = append(out, model.IncidentCandidate{
			ID:        id,
			Source:    model.IncidentSourceEvent,
			ChannelID: e.ChannelID,
			Title:     strings.ToUpper(e.EventType),
			Detail:    eventDetail(e),
			Priority:  priority,
			CreatedAt: ts,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if pa, pb := model.PriorityRank(a.Priority), model.PriorityRank(b.Priority); pa != pb {
			return pa > pb
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out
}

func eventDetail(e model.Event) string {
	if note := e.PayloadString("note"); note != "" {
		return note
	}
	if e.AuthorID != "" {
		return fmt.Sprintf("reported by %s on %s", e.AuthorID, e.ChannelID)
	}
	return fmt.Sprintf("reported on %s", e.ChannelID)
}

// NormalizeStatusByID returns a fresh status map holding exactly the current candidate ids.
// New ids start at NEW; ids that are no longer derived are dropped. prev is not modified.
func NormalizeStatusByID(candidates []model.IncidentCandidate, prev map[string]model.IncidentStatus) map[string]model.IncidentStatus {
	out := make(map[string]model.IncidentStatus, len(candidates))
	for _, c := range candidates {
		status, ok := prev[c.ID]
		if !ok || !model.IsKnownIncidentStatus(status) {
			status = model.IncidentStatusNew
		}
		out[c.ID] = status
	}
	return out
}

// NormalizeFirstSeen returns when each current candidate was first observed. A known id keeps
// the earlier of its recorded stamp and the candidate's own timestamp; ids that are no longer
// derived are dropped. prev is not modified.
func NormalizeFirstSeen(candidates []model.IncidentCandidate, prev map[string]time.Time) map[string]time.Time {
	out := make(map[string]time.Time, len(candidates))
	for _, c := range candidates {
		seen := c.CreatedAt
		if p, ok := prev[c.ID]; ok && !p.IsZero() && (seen.IsZero() || p.Before(seen)) {
			seen = p
		}
		out[c.ID] = seen
	}
	return out
}

// StampFirstSeen returns a copy of candidates dated by firstSeen, so a condition that persists
// across evaluations ages instead of being re-created each time.
func StampFirstSeen(candidates []model.IncidentCandidate, firstSeen map[string]time.Time) []model.IncidentCandidate {
	out := make([]model.IncidentCandidate, len(candidates))
	for i, c := range candidates {
		if t, ok := firstSeen[c.ID]; ok && !t.IsZero() {
			c.CreatedAt = t
		}
		out[i] = c
	}
	return out
}

// ApplyTransition checks the guard and returns a copy of statusByID with id moved to to.
// statusByID is never mutated, so a rejected transition leaves the caller's state intact.
func ApplyTransition(statusByID map[string]model.IncidentStatus, id string, to model.IncidentStatus) (map[string]model.IncidentStatus, error) {
	from, ok := statusByID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIncident, id)
	}
	if !model.IsKnownIncidentStatus(to) || !model.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s %s → %s", ErrIllegalTransition, id, from, to)
	}
	out := make(map[string]model.IncidentStatus, len(statusByID))
	for k, v := range statusByID {
		out[k] = v
	}
	out[id] = to
	return out, nil
}

// Records joins candidates with their statuses. Missing statuses read as NEW.
func Records(candidates []model.IncidentCandidate, statusByID map[string]model.IncidentStatus) []model.IncidentRecord {
	out := make([]model.IncidentRecord, 0, len(candidates))
	for _, c := range candidates {
		status, ok := statusByID[c.ID]
		if !ok {
			status = model.IncidentStatusNew
		}
		out = append(out, model.IncidentRecord{IncidentCandidate: c, Status: status})
	}
	return out
}

// Sort returns records ordered for display: unresolved work first, then priority, then newest.
func Sort(records []model.IncidentRecord) []model.IncidentRecord {
	out := make([]model.IncidentRecord, len(records))
	copy(out, records)
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if sa, sb := model.IncidentStatusRank(a.Status), model.IncidentStatusRank(b.Status); sa != sb {
			return sa < sb
		}
		if pa, pb := model.PriorityRank(a.Priority), model.PriorityRank(b.Priority); pa != pb {
			return pa > pb
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out
}
