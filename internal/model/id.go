package model

import (
	"fmt"
	"strings"
)

const (
	healthIncidentPrefix = "health:"
	eventIncidentPrefix  = "event:"
)

// HealthIncidentID derives the incident id for a degraded channel. The same channel always
// yields the same id, so re-deriving candidates is idempotent.
func HealthIncidentID(channelID string) string {
	return healthIncidentPrefix + channelID
}

// EventIncidentID derives the incident id for a notable event.
func EventIncidentID(eventID string) string {
	return eventIncidentPrefix + eventID
}

// ParseIncidentID splits an incident id into its source and underlying channel or event id.
func ParseIncidentID(id string) (IncidentSource, string, error) {
	switch {
	case strings.HasPrefix(id, healthIncidentPrefix) && len(id) > len(healthIncidentPrefix):
		return IncidentSourceHealth, strings.TrimPrefix(id, healthIncidentPrefix), nil
	case strings.HasPrefix(id, eventIncidentPrefix) && len(id) > len(eventIncidentPrefix):
		return IncidentSourceEvent, strings.TrimPrefix(id, eventIncidentPrefix), nil
	default:
		return "", "", fmt.Errorf("invalid incident id: %q", id)
	}
}
