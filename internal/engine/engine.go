// Package engine runs one snapshot through every scoring and reconciliation stage.
package engine

import (
	"time"

	"github.com/msageha/commsengine/internal/dispatch"
	"github.com/msageha/commsengine/internal/health"
	"github.com/msageha/commsengine/internal/incident"
	"github.com/msageha/commsengine/internal/inference"
	"github.com/msageha/commsengine/internal/model"
	"github.com/msageha/commsengine/internal/thread"
)

// Result is everything derived from one snapshot. StatusByID and FirstSeenByID are the
// normalized incident bookkeeping the caller should keep for the next call (see State).
type Result struct {
	EvaluatedAt   time.Time                       `yaml:"evaluated_at" json:"evaluatedAt"`
	Health        []model.ChannelHealth           `yaml:"health" json:"health"`
	Incidents     []model.IncidentRecord          `yaml:"incidents" json:"incidents"`
	StatusByID    map[string]model.IncidentStatus `yaml:"status_by_id" json:"statusById"`
	FirstSeenByID map[string]time.Time            `yaml:"first_seen_by_id" json:"firstSeenById"`
	Lanes         []model.DirectiveThreadLane     `yaml:"lanes" json:"lanes"`
	Alerts        []model.DisciplineAlert         `yaml:"alerts" json:"alerts"`
	Dispatches    []model.DispatchRecord          `yaml:"dispatches" json:"dispatches"`
	Promotions    []dispatch.Promotion            `yaml:"promotions,omitempty" json:"promotions,omitempty"`
	Surface       inference.CommandSurface        `yaml:"surface" json:"surface"`
}

// State returns the bookkeeping to pass to the next Evaluate.
func (r Result) State() State {
	return State{StatusByID: r.StatusByID, FirstSeenByID: r.FirstSeenByID}
}

// Evaluate is pure: it reads snap and prev and never mutates either.
func Evaluate(snap model.Snapshot, prev State, cfg model.Config, now time.Time) Result {
	cfg = cfg.WithDefaults()
	window := time.Duration(cfg.Engine.WindowMinutes) * time.Minute

	channels := health.Compute(snap.Channels)
	candidates, next := deriveIncidents(channels, snap.Events, prev, now, window)
	records := incident.Sort(incident.Records(candidates, next.StatusByID))

	lanes := thread.BuildLanes(channels, records, snap.Events, now, window, cfg.Engine.LaneCap)
	alerts := thread.DetectAlerts(thread.AlertInput{
		Events:               snap.Events,
		Incidents:            records,
		ActiveSpeakers:       snap.ActiveSpeakers,
		DegradedChannelCount: health.CountDegraded(channels),
		Now:                  now,
		Window:               window,
		StaleAfter:           time.Duration(cfg.Engine.StaleIncidentMinutes) * time.Minute,
		Cap:                  cfg.Engine.AlertCap,
	})

	reconciled := dispatch.Reconcile(snap.Dispatches, snap.Events, records, cfg.Engine.DispatchCap)

	surface := inference.BuildCommandSurface(InferenceInput(snap, cfg, now))

	return Result{
		EvaluatedAt:   now,
		Health:        channels,
		Incidents:     records,
		StatusByID:    next.StatusByID,
		FirstSeenByID: next.FirstSeenByID,
		Lanes:         lanes,
		Alerts:        alerts,
		Dispatches:    reconciled.Records,
		Promotions:    reconciled.Promotions,
		Surface:       surface,
	}
}

// deriveIncidents builds the current candidates, dated by when each was first seen, and the
// normalized bookkeeping for them.
func deriveIncidents(channels []model.ChannelHealth, events []model.Event, prev State, now time.Time, window time.Duration) ([]model.IncidentCandidate, State) {
	candidates := incident.BuildCandidates(channels, events, now, window)
	firstSeen := incident.NormalizeFirstSeen(candidates, prev.FirstSeenByID)
	return incident.StampFirstSeen(candidates, firstSeen), State{
		StatusByID:    incident.NormalizeStatusByID(candidates, prev.StatusByID),
		FirstSeenByID: firstSeen,
	}
}

// InferenceInput maps a snapshot and the inference config onto an inference request.
func InferenceInput(snap model.Snapshot, cfg model.Config, now time.Time) inference.Input {
	return inference.Input{
		Zones:            snap.ControlZones,
		Callouts:         snap.Callouts,
		Intel:            snap.Intel,
		Comms:            snap.Comms,
		Mode:             cfg.Inference.AcquisitionMode,
		StrictCompliance: cfg.Inference.StrictCompliance,
		Policy:           inference.PolicyFromConfig(cfg.Inference.Policy, cfg.Inference.Confirmation),
		HighLoadPct:      cfg.Inference.HighLoadPct,
		Now:              now,
	}
}

// Transition re-derives the incident set from snap, then applies one guarded status change.
// The returned State is the new caller-owned state; on error prev is still authoritative.
func Transition(snap model.Snapshot, prev State, id string, to model.IncidentStatus, cfg model.Config, now time.Time) (State, model.IncidentStatus, error) {
	cfg = cfg.WithDefaults()
	window := time.Duration(cfg.Engine.WindowMinutes) * time.Minute
	_, current := deriveIncidents(health.Compute(snap.Channels), snap.Events, prev, now, window)
	next, err := incident.ApplyTransition(current.StatusByID, id, to)
	if err != nil {
		return State{}, "", err
	}
	return State{StatusByID: next, FirstSeenByID: current.FirstSeenByID}, current.StatusByID[id], nil
}
