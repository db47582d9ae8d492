// Package inference estimates command risk and confidence from control zones, the comms overlay
// and intel, after gating callouts through the acquisition policy.
package inference

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/msageha/commsengine/internal/model"
)

// Calibration constants. They are preserved exactly for behavioral compatibility.
const (
	zoneContestedWeight = 28
	zoneSignalWeight    = 3
	zoneSignalCap       = 20
	commsDegradedWeight = 24
	commsCriticalWeight = 22
	commsHighWeight     = 8
	intelStaleWeight    = 22
	intelSignalWeight   = 2
	intelSignalCap      = 12

	factorWeightZones = 0.30
	factorWeightComms = 0.32
	factorWeightIntel = 0.18
	factorWeightTempo = 0.20

	riskContested = 14
	riskDegraded  = 12
	riskCritical  = 16
	riskHigh      = 5
	riskStale     = 8
	riskLoad      = 0.18

	confidenceBase        = 34
	confidencePerEvidence = 4
	confidenceEvidenceCap = 56
	confidenceStale       = 6
	confidenceDegraded    = 5
	confidenceFloor       = 8
	confidenceCeiling     = 96

	degradedNetQualityPct = 60
	defaultIntelTTL       = 5 * time.Minute
	defaultHighLoadPct    = 70
	maxActions            = 5
)

type Tier string

const (
	TierNow   Tier = "NOW"
	TierNext  Tier = "NEXT"
	TierWatch Tier = "WATCH"
)

// Input is one inference request.
type Input struct {
	Zones    []model.ControlZone
	Callouts []model.Callout
	Intel    []model.IntelObject
	Comms    model.CommsOverlay

	Mode             string
	StrictCompliance *bool             // nil: strict only under MANUAL_ONLY
	Policy           AcquisitionPolicy // DefaultPolicy when nil
	HighLoadPct      float64           // defaultHighLoadPct when zero
	Now              time.Time         // zero: every intel object reads as stale
}

type Factor struct {
	ID           string  `yaml:"id" json:"id"`
	Label        string  `yaml:"label" json:"label"`
	Value        int     `yaml:"value" json:"value"`
	Weight       float64 `yaml:"weight" json:"weight"`
	Contribution float64 `yaml:"contribution" json:"contribution"`
}

type Action struct {
	ID     string `yaml:"id" json:"id"`
	Tier   Tier   `yaml:"tier" json:"tier"`
	Label  string `yaml:"label" json:"label"`
	Reason string `yaml:"reason" json:"reason"`
}

// ComplianceDiagnostics reports exactly which callouts were excluded from scoring and why.
type ComplianceDiagnostics struct {
	Mode               string         `yaml:"mode" json:"mode"`
	Strict             bool           `yaml:"strict" json:"strict"`
	TotalCallouts      int            `yaml:"total_callouts" json:"totalCallouts"`
	TrustedCallouts    int            `yaml:"trusted_callouts" json:"trustedCallouts"`
	DroppedUntrusted   int            `yaml:"dropped_untrusted" json:"droppedUntrusted"`
	DroppedUnconfirmed int            `yaml:"dropped_unconfirmed" json:"droppedUnconfirmed"`
	DroppedBySource    map[string]int `yaml:"dropped_by_source,omitempty" json:"droppedBySource,omitempty"`
	Notes              []string       `yaml:"notes,omitempty" json:"notes,omitempty"`
}

type Snapshot struct {
	CommandRiskScore      int                   `yaml:"command_risk_score" json:"commandRiskScore"`
	ConfidenceScore       int                   `yaml:"confidence_score" json:"confidenceScore"`
	Factors               []Factor              `yaml:"factors" json:"factors"`
	PrioritizedActions    []Action              `yaml:"prioritized_actions" json:"prioritizedActions"`
	Recommendations       []string              `yaml:"recommendations" json:"recommendations"`
	ComplianceDiagnostics ComplianceDiagnostics `yaml:"compliance_diagnostics" json:"complianceDiagnostics"`
}

// counts are the raw figures every score, action and alert is derived from.
type counts struct {
	contested       int
	zoneSignals     int
	zonesWithSignal int
	degradedNets    int
	critical        int
	high            int
	trusted         int
	staleIntel      int
	freshIntel      int
	intelSignals    int
	loadPct         float64
	highLoadPct     float64
	pendingSpeak    int
}

// Infer computes the inference snapshot. It is pure: identical input gives identical output.
func Infer(in Input) Snapshot {
	c, diag := tally(in)

	factors := []Factor{
		factor("zones", "Control zones", c.contested*zoneContestedWeight+min(c.zoneSignals*zoneSignalWeight, zoneSignalCap), factorWeightZones),
		factor("comms", "Comms integrity", c.degradedNets*commsDegradedWeight+c.critical*commsCriticalWeight+c.high*commsHighWeight, factorWeightComms),
		factor("intel", "Intel freshness", c.staleIntel*intelStaleWeight+min(c.intelSignals*intelSignalWeight, intelSignalCap), factorWeightIntel),
		factor("tempo", "Projected tempo", round(c.loadPct), factorWeightTempo),
	}

	risk := clamp(round(
		float64(c.contested*riskContested+c.degradedNets*riskDegraded+c.critical*riskCritical+c.high*riskHigh+c.staleIntel*riskStale)+
			c.loadPct*riskLoad), 0, 100)

	evidence := c.trusted + c.freshIntel + c.zonesWithSignal
	confidence := clamp(
		confidenceBase+min(evidence*confidencePerEvidence, confidenceEvidenceCap)-c.staleIntel*confidenceStale-c.degradedNets*confidenceDegraded,
		confidenceFloor, confidenceCeiling)

	actions := prioritize(c)
	recs := make([]string, 0, len(actions))
	for _, a := range actions {
		recs = append(recs, a.Reason)
	}

	return Snapshot{
		CommandRiskScore:      risk,
		ConfidenceScore:       confidence,
		Factors:               factors,
		PrioritizedActions:    actions,
		Recommendations:       recs,
		ComplianceDiagnostics: diag,
	}
}

// IsStrict reports whether evidence gating applies for a mode and optional override.
func IsStrict(mode string, override *bool) bool {
	if override != nil {
		return *override
	}
	return norm(mode) == ModeManualOnly
}

func tally(in Input) (counts, ComplianceDiagnostics) {
	policy := in.Policy
	if policy == nil {
		policy = DefaultPolicy()
	}
	mode := norm(in.Mode)
	if mode == "" {
		mode = ModeManualOnly
	}
	now := in.Now

	c := counts{
		loadPct:      clampFloat(in.Comms.ProjectedLoadPct, 0, 100),
		highLoadPct:  in.HighLoadPct,
		pendingSpeak: max(in.Comms.PendingSpeakRequests, 0),
	}
	if c.highLoadPct <= 0 {
		c.highLoadPct = defaultHighLoadPct
	}

	seenZones := make(map[string]bool)
	for _, z := range in.Zones {
		if z.ID != "" {
			if seenZones[z.ID] {
				continue
			}
			seenZones[z.ID] = true
		}
		if model.ZoneState(strings.ToUpper(string(z.State))) == model.ZoneStateContested {
			c.contested++
		}
		if z.SignalCount > 0 {
			c.zoneSignals += z.SignalCount
			c.zonesWithSignal++
		}
	}

	for _, n := range in.Comms.Nets {
		if n.Degraded || (n.QualityPct > 0 && n.QualityPct < degradedNetQualityPct) {
			c.degradedNets++
		}
	}

	for _, obj := range in.Intel {
		if obj.SignalCount > 0 {
			c.intelSignals += obj.SignalCount
		}
		ttl := time.Duration(obj.TTLSeconds) * time.Second
		if ttl <= 0 {
			ttl = defaultIntelTTL
		}
		updated := model.ParseTimestamp(obj.UpdatedAt)
		if updated.IsZero() || now.IsZero() || now.Sub(updated) > ttl {
			c.staleIntel++
		} else {
			c.freshIntel++
		}
	}

	diag := ComplianceDiagnostics{
		Mode:   mode,
		Strict: IsStrict(mode, in.StrictCompliance),
	}
	seenCallouts := make(map[string]bool)
	for _, co := range in.Callouts {
		if co.ID != "" {
			if seenCallouts[co.ID] {
				continue
			}
			seenCallouts[co.ID] = true
		}
		diag.TotalCallouts++
		if diag.Strict {
			if err := Admit(policy, mode, co.EvidenceSource, co.Confirmed); err != nil {
				var pe *PolicyError
				if !errors.As(err, &pe) {
					continue
				}
				if pe.Code == CodeConfirmationRequired {
					diag.DroppedUnconfirmed++
				} else {
					diag.DroppedUntrusted++
				}
				if diag.DroppedBySource == nil {
					diag.DroppedBySource = make(map[string]int)
				}
				source := pe.Source
				if source == "" {
					source = "UNKNOWN"
				}
				diag.DroppedBySource[source]++
				continue
			}
		}
		diag.TrustedCallouts++
		switch model.CalloutSeverity(strings.ToUpper(string(co.Severity))) {
		case model.CalloutCritical:
			c.critical++
		case model.CalloutHigh:
			c.high++
		}
	}
	c.trusted = diag.TrustedCallouts

	if diag.DroppedUntrusted > 0 {
		diag.Notes = append(diag.Notes, fmt.Sprintf("%d callout(s) excluded: evidence source not allowed under %s", diag.DroppedUntrusted, mode))
	}
	if diag.DroppedUnconfirmed > 0 {
		diag.Notes = append(diag.Notes, fmt.Sprintf("%d callout(s) excluded: confirmation required under %s", diag.DroppedUnconfirmed, mode))
	}
	if len(diag.DroppedBySource) > 0 {
		sources := make([]string, 0, len(diag.DroppedBySource))
		for s := range diag.DroppedBySource {
			sources = append(sources, s)
		}
		sort.Strings(sources)
		for _, s := range sources {
			diag.Notes = append(diag.Notes, fmt.Sprintf("dropped %s=%d", s, diag.DroppedBySource[s]))
		}
	}
	return c, diag
}

type actionRule struct {
	match func(counts) bool
	build func(counts) Action
}

// actionRules are evaluated top to bottom; every matching rule contributes one action.
var actionRules = []actionRule{
	{
		func(c counts) bool { return c.critical > 0 },
		func(c counts) Action {
			return Action{"stabilize-speaking-lane", TierNow, "Stabilize speaking lane", fmt.Sprintf("%d critical callout(s) competing for the speaking lane", c.critical)}
		},
	},
	{
		func(c counts) bool { return c.degradedNets > 0 },
		func(c counts) Action {
			return Action{"rebalance-nets", TierNow, "Rebalance degraded nets", fmt.Sprintf("%d net(s) degraded", c.degradedNets)}
		},
	},
	{
		func(c counts) bool { return c.contested > 0 },
		func(c counts) Action {
			return Action{"refresh-recon", TierNext, "Refresh recon on contested zones", fmt.Sprintf("%d zone(s) contested", c.contested)}
		},
	},
	{
		func(c counts) bool { return c.staleIntel > 0 },
		func(c counts) Action {
			return Action{"revalidate-intel", TierNext, "Revalidate stale intel", fmt.Sprintf("%d intel object(s) past their TTL", c.staleIntel)}
		},
	},
	{
		func(c counts) bool { return c.loadPct >= c.highLoadPct },
		func(c counts) Action {
			return Action{"pre-stage-overflow", TierWatch, "Pre-stage overflow net", fmt.Sprintf("projected comms load %d%%", round(c.loadPct))}
		},
	},
}

var fallbackAction = Action{"maintain-cadence", TierWatch, "Maintain cadence", "no pressure signals above threshold"}

func prioritize(c counts) []Action {
	var out []Action
	for _, r := range actionRules {
		if r.match(c) {
			out = append(out, r.build(c))
		}
	}
	if len(out) == 0 {
		out = append(out, fallbackAction)
	}
	if len(out) > maxActions {
		out = out[:maxActions]
	}
	return out
}

func factor(id, label string, raw int, weight float64) Factor {
	v := clamp(raw, 0, 100)
	return Factor{
		ID:           id,
		Label:        label,
		Value:        v,
		Weight:       weight,
		Contribution: math.Round(float64(v)*weight*100) / 100,
	}
}

func round(x float64) int {
	return int(math.Floor(x + 0.5))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
