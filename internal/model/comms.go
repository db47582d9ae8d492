// Package model defines the records exchanged between the comms engine, its snapshot source and its callers.
package model

import (
	"strings"
	"time"
)

type Discipline string

const (
	DisciplineClear     Discipline = "CLEAR"
	DisciplineBusy      Discipline = "BUSY"
	DisciplineSaturated Discipline = "SATURATED"
)

type ChannelDirective string

const (
	ChannelDirectiveNormal            ChannelDirective = "NORMAL"
	ChannelDirectiveLimitNonEssential ChannelDirective = "LIMIT_NON_ESSENTIAL"
	ChannelDirectiveRerouteMonitor    ChannelDirective = "REROUTE_MONITOR"
)

type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityMed      Priority = "MED"
)

var priorityRank = map[Priority]int{
	PriorityMed:      1,
	PriorityHigh:     2,
	PriorityCritical: 3,
}

func PriorityRank(p Priority) int {
	return priorityRank[p]
}

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     1,
	SeverityWarning:  2,
	SeverityCritical: 3,
}

func SeverityRank(s Severity) int {
	return severityRank[s]
}

// Event types carried on the comms stream.
const (
	EventDowned       = "DOWNED"
	EventExtract      = "EXTRACT"
	EventContact      = "CONTACT"
	EventThreatUpdate = "THREAT_UPDATE"
	EventRevive       = "REVIVE"
	EventHold         = "HOLD"
	EventClearComms   = "CLEAR_COMMS"
	EventMoveOut      = "MOVE_OUT"
	EventSelfCheck    = "SELF_CHECK"
	EventRoger        = "ROGER"
	EventWilco        = "WILCO"
)

// Directive tokens that appear in event payloads.
const (
	DirectiveRerouteTraffic       = "REROUTE_TRAFFIC"
	DirectiveRestrictNonEssential = "RESTRICT_NON_ESSENTIAL"
	DirectiveIncidentAck          = "INCIDENT_ACK"
	DirectiveIncidentAssign       = "INCIDENT_ASSIGN"
	DirectiveIncidentResolve      = "INCIDENT_RESOLVE"
)

var directiveEventTypes = map[string]bool{
	EventMoveOut:    true,
	EventHold:       true,
	EventSelfCheck:  true,
	EventRoger:      true,
	EventWilco:      true,
	EventClearComms: true,
}

var acknowledgmentEventTypes = map[string]bool{
	EventRoger:      true,
	EventWilco:      true,
	EventClearComms: true,
}

func IsDirectiveEventType(t string) bool {
	return directiveEventTypes[strings.ToUpper(t)]
}

func IsAcknowledgmentEventType(t string) bool {
	return acknowledgmentEventTypes[strings.ToUpper(t)]
}

// Event is one append-only record from the comms stream. The engine never mutates events.
type Event struct {
	ID         string         `yaml:"id" json:"id"`
	ChannelID  string         `yaml:"channel_id" json:"channelId"`
	EventType  string         `yaml:"event_type" json:"eventType"`
	AuthorID   string         `yaml:"author_id,omitempty" json:"authorId,omitempty"`
	Payload    map[string]any `yaml:"payload,omitempty" json:"payload,omitempty"`
	Confidence float64        `yaml:"confidence,omitempty" json:"confidence,omitempty"`
	TTLSeconds int            `yaml:"ttl_seconds,omitempty" json:"ttlSeconds,omitempty"`
	CreatedAt  string         `yaml:"created_at" json:"createdAt"`
}

// Time parses CreatedAt. Unparseable values yield the zero time.
func (e Event) Time() time.Time {
	return ParseTimestamp(e.CreatedAt)
}

// PayloadString returns a payload value as a trimmed string, or "" when absent or not a string.
func (e Event) PayloadString(key string) string {
	if e.Payload == nil {
		return ""
	}
	s, ok := e.Payload[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

// DirectiveToken is the uppercased payload directive, falling back to the event type.
func (e Event) DirectiveToken() string {
	if d := e.PayloadString("directive"); d != "" {
		return strings.ToUpper(d)
	}
	return strings.ToUpper(strings.TrimSpace(e.EventType))
}

func ParseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	return time.Time{}
}

// EventLess orders events by creation time, then id.
func EventLess(a, b Event) bool {
	ta, tb := a.Time(), b.Time()
	if !ta.Equal(tb) {
		return ta.Before(tb)
	}
	return a.ID < b.ID
}

// InWindow reports whether ts lies within window before now. Future timestamps count as in-window.
func InWindow(ts, now time.Time, window time.Duration) bool {
	if ts.IsZero() {
		return false
	}
	return !ts.Before(now.Add(-window))
}

type ChannelInput struct {
	ID              string  `yaml:"id" json:"id"`
	Label           string  `yaml:"label" json:"label"`
	MembershipCount int     `yaml:"membership_count" json:"membershipCount"`
	Intensity       float64 `yaml:"intensity" json:"intensity"`
}

type ChannelHealth struct {
	ChannelID       string           `yaml:"channel_id" json:"channelId"`
	Label           string           `yaml:"label" json:"label"`
	MembershipCount int              `yaml:"membership_count" json:"membershipCount"`
	Intensity       float64          `yaml:"intensity" json:"intensity"`
	QualityPct      int              `yaml:"quality_pct" json:"qualityPct"`
	LatencyMs       int              `yaml:"latency_ms" json:"latencyMs"`
	Discipline      Discipline       `yaml:"discipline" json:"discipline"`
	Directive       ChannelDirective `yaml:"directive" json:"directive"`
}

type IncidentSource string

const (
	IncidentSourceHealth IncidentSource = "health"
	IncidentSourceEvent  IncidentSource = "event"
)

type IncidentCandidate struct {
	ID        string         `yaml:"id" json:"id"`
	Source    IncidentSource `yaml:"source" json:"source"`
	ChannelID string         `yaml:"channel_id" json:"channelId"`
	Title     string         `yaml:"title" json:"title"`
	Detail    string         `yaml:"detail" json:"detail"`
	Priority  Priority       `yaml:"priority" json:"priority"`
	CreatedAt time.Time      `yaml:"created_at" json:"createdAt"`
}

type IncidentRecord struct {
	IncidentCandidate `yaml:",inline"`
	Status            IncidentStatus `yaml:"status" json:"status"`
}

type NextAction string

const (
	NextActionAck      NextAction = "ACK"
	NextActionAssign   NextAction = "ASSIGN"
	NextActionRestrict NextAction = "RESTRICT"
	NextActionReroute  NextAction = "REROUTE"
	NextActionCheckIn  NextAction = "CHECKIN"
)

type DirectiveThreadLane struct {
	ID              string     `yaml:"id" json:"id"`
	ChannelID       string     `yaml:"channel_id" json:"channelId"`
	Label           string     `yaml:"label" json:"label"`
	QualityPct      int        `yaml:"quality_pct" json:"qualityPct"`
	Synthesized     bool       `yaml:"synthesized,omitempty" json:"synthesized,omitempty"`
	UnresolvedCount int        `yaml:"unresolved_count" json:"unresolvedCount"`
	CriticalCount   int        `yaml:"critical_count" json:"criticalCount"`
	DirectiveVolume int        `yaml:"directive_volume" json:"directiveVolume"`
	LastActivity    time.Time  `yaml:"last_activity" json:"lastActivity"`
	NextAction      NextAction `yaml:"next_action" json:"nextAction"`
}

type DisciplineAlert struct {
	ID       string   `yaml:"id" json:"id"`
	Severity Severity `yaml:"severity" json:"severity"`
	Title    string   `yaml:"title" json:"title"`
	Detail   string   `yaml:"detail" json:"detail"`
}

type DispatchRecord struct {
	DispatchID       string         `yaml:"dispatch_id" json:"dispatchId"`
	ChannelID        string         `yaml:"channel_id" json:"channelId"`
	LaneID           string         `yaml:"lane_id" json:"laneId"`
	Directive        string         `yaml:"directive" json:"directive"`
	EventType        string         `yaml:"event_type" json:"eventType"`
	IncidentID       string         `yaml:"incident_id,omitempty" json:"incidentId,omitempty"`
	IssuedAtMs       int64          `yaml:"issued_at_ms" json:"issuedAtMs"`
	Status           DispatchStatus `yaml:"status" json:"status"`
	PersistedEventID string         `yaml:"persisted_event_id,omitempty" json:"persistedEventId,omitempty"`
}

func LaneID(channelID string) string {
	return "lane:" + channelID
}
