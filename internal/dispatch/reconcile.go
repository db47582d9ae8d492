// Package dispatch reconciles outbound directive dispatches against the event log and incident state.
package dispatch

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/commsengine/internal/model"
)

const DefaultCap = 12

// Promotion describes one status change made during reconciliation.
type Promotion struct {
	DispatchID string               `yaml:"dispatch_id" json:"dispatchId"`
	From       model.DispatchStatus `yaml:"from" json:"from"`
	To         model.DispatchStatus `yaml:"to" json:"to"`
	Rule       string               `yaml:"rule" json:"rule"` // persisted, incident_ack, incident_assign, incident_resolve, channel_ack
	EventID    string               `yaml:"event_id,omitempty" json:"eventId,omitempty"`
}

// Result is the reconciled dispatch list plus the promotions that produced it.
type Result struct {
	Records    []model.DispatchRecord
	Promotions []Promotion
}

// incidentRules lists, per incident directive, the linked incident statuses that confirm it.
var incidentRules = map[string]struct {
	rule      string
	confirmed map[model.IncidentStatus]bool
}{
	model.DirectiveIncidentAck: {"incident_ack", map[model.IncidentStatus]bool{
		model.IncidentStatusAcked:    true,
		model.IncidentStatusAssigned: true,
		model.IncidentStatusResolved: true,
	}},
	model.DirectiveIncidentAssign: {"incident_assign", map[model.IncidentStatus]bool{
		model.IncidentStatusAssigned: true,
		model.IncidentStatusResolved: true,
	}},
	model.DirectiveIncidentResolve: {"incident_resolve", map[model.IncidentStatus]bool{
		model.IncidentStatusResolved: true,
	}},
}

// Reconcile promotes each dispatch as far as the visible evidence allows. It is idempotent
// and replayable: running it again over the same or a larger event set never lowers a status.
//
// QUEUED becomes PERSISTED once any event carries payload.dispatchId equal to the dispatch id.
// PERSISTED becomes ACKED when the linked incident has reached the status the directive asks
// for, or, for dispatches that name no incident, when an acknowledgment event (ROGER, WILCO,
// CLEAR_COMMS) appears on the same channel at or after issue time. A dispatch whose linked
// incident is not visible stays PERSISTED.
func Reconcile(dispatches []model.DispatchRecord, events []model.Event, incidents []model.IncidentRecord, limit int) Result {
	if limit <= 0 {
		limit = DefaultCap
	}

	persistEvent := latestEventByDispatchID(events)
	incidentStatus := make(map[string]model.IncidentStatus, len(incidents))
	for _, inc := range incidents {
		incidentStatus[inc.ID] = inc.Status
	}
	acksByChannel := make(map[string][]model.Event)
	for _, e := range events {
		if model.IsAcknowledgmentEventType(e.EventType) {
			acksByChannel[e.ChannelID] = append(acksByChannel[e.ChannelID], e)
		}
	}
	for _, acks := range acksByChannel {
		sort.Slice(acks, func(i, j int) bool { return model.EventLess(acks[i], acks[j]) })
	}

	var res Result
	seen := make(map[string]bool, len(dispatches))
	for _, d := range dispatches {
		if d.DispatchID == "" || seen[d.DispatchID] {
			continue
		}
		seen[d.DispatchID] = true

		switch d.Status {
		case model.DispatchStatusQueued, model.DispatchStatusPersisted, model.DispatchStatusAcked:
		default:
			d.Status = model.DispatchStatusQueued
		}
		before := d.Status

		if e, ok := persistEvent[d.DispatchID]; ok {
			if d.PersistedEventID == "" {
				d.PersistedEventID = e.ID
			}
			if d.Status == model.DispatchStatusQueued {
				d.Status = model.DispatchStatusPersisted
				res.Promotions = append(res.Promotions, Promotion{DispatchID: d.DispatchID, From: before, To: d.Status, Rule: "persisted", EventID: e.ID})
			}
		}

		if d.Status == model.DispatchStatusPersisted {
			if rule, eventID, ok := acknowledged(d, incidentStatus, acksByChannel); ok {
				res.Promotions = append(res.Promotions, Promotion{DispatchID: d.DispatchID, From: d.Status, To: model.DispatchStatusAcked, Rule: rule, EventID: eventID})
				d.Status = model.DispatchStatusAcked
			}
		}

		d.Status = model.MaxDispatchStatus(before, d.Status)
		if d.LaneID == "" && d.ChannelID != "" {
			d.LaneID = model.LaneID(d.ChannelID)
		}
		res.Records = append(res.Records, d)
	}

	sort.SliceStable(res.Records, func(i, j int) bool {
		a, b := res.Records[i], res.Records[j]
		if a.IssuedAtMs != b.IssuedAtMs {
			return a.IssuedAtMs > b.IssuedAtMs
		}
		return a.DispatchID < b.DispatchID
	})
	if len(res.Records) > limit {
		res.Records = res.Records[:limit]
	}
	return res
}

func acknowledged(d model.DispatchRecord, incidentStatus map[string]model.IncidentStatus, acksByChannel map[string][]model.Event) (string, string, bool) {
	directive := strings.ToUpper(strings.TrimSpace(d.Directive))
	if r, ok := incidentRules[directive]; ok && d.IncidentID != "" {
		status, visible := incidentStatus[d.IncidentID]
		if visible && r.confirmed[status] {
			return r.rule, "", true
		}
		return "", "", false
	}

	issued := time.UnixMilli(d.IssuedAtMs)
	for _, e := range acksByChannel[d.ChannelID] {
		ts := e.Time()
		if ts.IsZero() || ts.Before(issued) {
			continue
		}
		return "channel_ack", e.ID, true
	}
	return "", "", false
}

// latestEventByDispatchID indexes events carrying payload.dispatchId, keeping the most recent per id.
func latestEventByDispatchID(events []model.Event) map[string]model.Event {
	out := make(map[string]model.Event)
	for _, e := range events {
		id := e.PayloadString("dispatchId")
		if id == "" {
			continue
		}
		if prev, ok := out[id]; !ok || model.EventLess(prev, e) {
			out[id] = e
		}
	}
	return out
}

// Issue mints a QUEUED dispatch for a directive sent to a channel.
func Issue(channelID, directive, eventType, incidentID string, now time.Time) model.DispatchRecord {
	return model.DispatchRecord{
		DispatchID: "dsp_" + uuid.NewString(),
		ChannelID:  channelID,
		LaneID:     model.LaneID(channelID),
		Directive:  strings.ToUpper(strings.TrimSpace(directive)),
		EventType:  strings.ToUpper(strings.TrimSpace(eventType)),
		IncidentID: incidentID,
		IssuedAtMs: now.UnixMilli(),
		Status:     model.DispatchStatusQueued,
	}
}
