package model

import "fmt"

type IncidentStatus string

const (
	IncidentStatusNew      IncidentStatus = "NEW"
	IncidentStatusAcked    IncidentStatus = "ACKED"
	IncidentStatusAssigned IncidentStatus = "ASSIGNED"
	IncidentStatusResolved IncidentStatus = "RESOLVED"
)

type DispatchStatus string

const (
	DispatchStatusQueued    DispatchStatus = "QUEUED"
	DispatchStatusPersisted DispatchStatus = "PERSISTED"
	DispatchStatusAcked     DispatchStatus = "ACKED"
)

// IncidentStatuses lists every incident status in lifecycle order.
var IncidentStatuses = []IncidentStatus{
	IncidentStatusNew,
	IncidentStatusAcked,
	IncidentStatusAssigned,
	IncidentStatusResolved,
}

var incidentStatusRank = map[IncidentStatus]int{
	IncidentStatusNew:      0,
	IncidentStatusAcked:    1,
	IncidentStatusAssigned: 2,
	IncidentStatusResolved: 3,
}

var dispatchStatusRank = map[DispatchStatus]int{
	DispatchStatusQueued:    0,
	DispatchStatusPersisted: 1,
	DispatchStatusAcked:     2,
}

// Incident transitions: NEW → ACKED → (ASSIGNED →) RESOLVED. Nothing leaves RESOLVED.
var validIncidentTransitions = map[IncidentStatus]map[IncidentStatus]bool{
	IncidentStatusNew: {
		IncidentStatusAcked: true,
	},
	IncidentStatusAcked: {
		IncidentStatusAssigned: true,
		IncidentStatusResolved: true,
	},
	IncidentStatusAssigned: {
		IncidentStatusResolved: true,
	},
}

func IsKnownIncidentStatus(s IncidentStatus) bool {
	_, ok := incidentStatusRank[s]
	return ok
}

// IncidentStatusRank orders statuses so unresolved work sorts first. Unknown statuses rank as NEW.
func IncidentStatusRank(s IncidentStatus) int {
	return incidentStatusRank[s]
}

// DispatchStatusRank orders dispatch statuses; reconciliation never lowers a record's rank.
func DispatchStatusRank(s DispatchStatus) int {
	return dispatchStatusRank[s]
}

// CanTransition reports whether an incident may move from one status to another.
// Same-status moves are always legal no-ops. The guard never mutates anything; callers
// must check it before touching their status map.
func CanTransition(from, to IncidentStatus) bool {
	if from == to {
		return true
	}
	return validIncidentTransitions[from][to]
}

func ValidateIncidentTransition(from, to IncidentStatus) error {
	if !IsKnownIncidentStatus(to) {
		return fmt.Errorf("unknown incident status %q", to)
	}
	if from == IncidentStatusResolved && to != IncidentStatusResolved {
		return fmt.Errorf("cannot transition from terminal incident status %q", from)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid incident transition: %q → %q", from, to)
	}
	return nil
}

// MaxDispatchStatus returns whichever status is further along.
func MaxDispatchStatus(a, b DispatchStatus) DispatchStatus {
	if DispatchStatusRank(b) > DispatchStatusRank(a) {
		return b
	}
	return a
}
