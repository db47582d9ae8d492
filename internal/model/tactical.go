package model

type ZoneState string

const (
	ZoneStateHeld      ZoneState = "HELD"
	ZoneStateContested ZoneState = "CONTESTED"
	ZoneStateLost      ZoneState = "LOST"
	ZoneStateNeutral   ZoneState = "NEUTRAL"
)

type ControlZone struct {
	ID          string    `yaml:"id" json:"id"`
	Name        string    `yaml:"name" json:"name"`
	State       ZoneState `yaml:"state" json:"state"`
	SignalCount int       `yaml:"signal_count" json:"signalCount"`
}

type CalloutSeverity string

const (
	CalloutCritical CalloutSeverity = "CRITICAL"
	CalloutHigh     CalloutSeverity = "HIGH"
	CalloutMed      CalloutSeverity = "MED"
	CalloutLow      CalloutSeverity = "LOW"
)

// Callout is a tactical report whose weight depends on how its evidence was acquired.
type Callout struct {
	ID             string          `yaml:"id" json:"id"`
	ChannelID      string          `yaml:"channel_id" json:"channelId"`
	Severity       CalloutSeverity `yaml:"severity" json:"severity"`
	EvidenceSource string          `yaml:"evidence_source" json:"evidenceSource"`
	Confirmed      bool            `yaml:"confirmed" json:"confirmed"`
	CreatedAt      string          `yaml:"created_at" json:"createdAt"`
}

type IntelObject struct {
	ID          string `yaml:"id" json:"id"`
	Kind        string `yaml:"kind" json:"kind"`
	SignalCount int    `yaml:"signal_count" json:"signalCount"`
	UpdatedAt   string `yaml:"updated_at" json:"updatedAt"`
	TTLSeconds  int    `yaml:"ttl_seconds" json:"ttlSeconds"`
}

type NetStatus struct {
	ID         string `yaml:"id" json:"id"`
	Degraded   bool   `yaml:"degraded" json:"degraded"`
	QualityPct int    `yaml:"quality_pct" json:"qualityPct"`
}

type CommsOverlay struct {
	Nets                 []NetStatus `yaml:"nets" json:"nets"`
	ProjectedLoadPct     float64     `yaml:"projected_load_pct" json:"projectedLoadPct"`
	PendingSpeakRequests int         `yaml:"pending_speak_requests" json:"pendingSpeakRequests"`
}

// Snapshot is the periodic input document supplied by the data-access layer.
// Any field may be empty; every consumer tolerates missing and duplicated rows.
type Snapshot struct {
	Channels       []ChannelInput   `yaml:"channels" json:"channels"`
	Events         []Event          `yaml:"events" json:"events"`
	ControlZones   []ControlZone    `yaml:"control_zones" json:"controlZones"`
	Intel          []IntelObject    `yaml:"intel" json:"intel"`
	Callouts       []Callout        `yaml:"callouts" json:"callouts"`
	Comms          CommsOverlay     `yaml:"comms" json:"comms"`
	Dispatches     []DispatchRecord `yaml:"dispatches" json:"dispatches"`
	ActiveSpeakers int              `yaml:"active_speakers" json:"activeSpeakers"`
}
