package inference

import (
	"fmt"
	"sort"

	"github.com/msageha/commsengine/internal/model"
)

const pendingSpeakThreshold = 3

type SurfaceAlert struct {
	ID       string         `yaml:"id" json:"id"`
	Severity model.Severity `yaml:"severity" json:"severity"`
	Title    string         `yaml:"title" json:"title"`
	Detail   string         `yaml:"detail" json:"detail"`
}

type Macro struct {
	ID     string `yaml:"id" json:"id"`
	Label  string `yaml:"label" json:"label"`
	Reason string `yaml:"reason" json:"reason"`
}

// CommandSurface is the operator-facing summary layered on top of the inference snapshot.
type CommandSurface struct {
	Inference Snapshot       `yaml:"inference" json:"inference"`
	Alerts    []SurfaceAlert `yaml:"alerts" json:"alerts"`
	Macros    []Macro        `yaml:"macros" json:"macros"`
}

type surfaceRule struct {
	alert func(counts) (SurfaceAlert, bool)
	macro Macro
}

// surfaceRules are independently thresholded; each firing rule adds its alert and proposes its macro.
var surfaceRules = []surfaceRule{
	{
		alert: func(c counts) (SurfaceAlert, bool) {
			if c.critical < 1 {
				return SurfaceAlert{}, false
			}
			return SurfaceAlert{"surface:critical-callouts", model.SeverityCritical, "Critical Callouts", fmt.Sprintf("%d trusted critical callout(s)", c.critical)}, true
		},
		macro: Macro{"macro:ptt-discipline", "Enforce PTT discipline", "clear the speaking lane for priority traffic"},
	},
	{
		alert: func(c counts) (SurfaceAlert, bool) {
			switch {
			case c.degradedNets >= 2:
				return SurfaceAlert{"surface:degraded-nets", model.SeverityCritical, "Degraded Nets", fmt.Sprintf("%d nets degraded", c.degradedNets)}, true
			case c.degradedNets == 1:
				return SurfaceAlert{"surface:degraded-nets", model.SeverityWarning, "Degraded Nets", "1 net degraded"}, true
			}
			return SurfaceAlert{}, false
		},
		macro: Macro{"macro:net-rebalance", "Rebalance nets", "shift members off degraded nets"},
	},
	{
		alert: func(c counts) (SurfaceAlert, bool) {
			if c.contested < 1 {
				return SurfaceAlert{}, false
			}
			return SurfaceAlert{"surface:contested-zones", model.SeverityWarning, "Contested Zones", fmt.Sprintf("%d zone(s) contested", c.contested)}, true
		},
		macro: Macro{"macro:recon-sweep", "Recon sweep", "refresh eyes on contested zones"},
	},
	{
		alert: func(c counts) (SurfaceAlert, bool) {
			switch {
			case c.staleIntel >= 2:
				return SurfaceAlert{"surface:stale-intel", model.SeverityWarning, "Stale Intel", fmt.Sprintf("%d intel objects past TTL", c.staleIntel)}, true
			case c.staleIntel == 1:
				return SurfaceAlert{"surface:stale-intel", model.SeverityInfo, "Stale Intel", "1 intel object past TTL"}, true
			}
			return SurfaceAlert{}, false
		},
		macro: Macro{"macro:intel-refresh", "Refresh intel", "revalidate stale intel before acting on it"},
	},
	{
		alert: func(c counts) (SurfaceAlert, bool) {
			if c.pendingSpeak < pendingSpeakThreshold {
				return SurfaceAlert{}, false
			}
			return SurfaceAlert{"surface:speak-queue", model.SeverityWarning, "Speak Requests Backlog", fmt.Sprintf("%d pending speak requests", c.pendingSpeak)}, true
		},
		macro: Macro{"macro:ptt-discipline", "Enforce PTT discipline", "drain the speak request queue in priority order"},
	},
}

// BuildCommandSurface runs inference and layers alerts and macro recommendations on the same
// gated counts. Macros are deduplicated by id; the first occurrence wins.
func BuildCommandSurface(in Input) CommandSurface {
	c, _ := tally(in)
	surface := CommandSurface{Inference: Infer(in)}

	seenMacros := make(map[string]bool)
	for _, r := range surfaceRules {
		alert, ok := r.alert(c)
		if !ok {
			continue
		}
		surface.Alerts = append(surface.Alerts, alert)
		if seenMacros[r.macro.ID] {
			continue
		}
		seenMacros[r.macro.ID] = true
		surface.Macros = append(surface.Macros, r.macro)
	}

	sort.SliceStable(surface.Alerts, func(i, j int) bool {
		return model.SeverityRank(surface.Alerts[i].Severity) > model.SeverityRank(surface.Alerts[j].Severity)
	})
	return surface
}
