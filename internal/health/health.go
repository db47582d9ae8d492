// Package health projects raw channel traffic figures into bounded health scores.
package health

import (
	"math"
	"strings"

	"github.com/msageha/commsengine/internal/model"
)

const (
	saturatedIntensity = 0.72
	busyIntensity      = 0.42

	minQualityPct = 36
	maxQualityPct = 99
	minLatencyMs  = 18
	maxLatencyMs  = 220

	// degradedQualityPct marks a channel as degraded for alerting and incident priority.
	degradedQualityPct = 60
)

// Compute derives health for every channel. Duplicate ids keep the first occurrence;
// rows without an id are skipped. Missing figures read as zero.
func Compute(channels []model.ChannelInput) []model.ChannelHealth {
	out := make([]model.ChannelHealth, 0, len(channels))
	seen := make(map[string]bool, len(channels))
	for _, ch := range channels {
		id := strings.TrimSpace(ch.ID)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, Score(ch))
	}
	return out
}

// Score is the pure per-channel projection.
func Score(ch model.ChannelInput) model.ChannelHealth {
	members := ch.MembershipCount
	if members < 0 {
		members = 0
	}
	intensity := clampFloat(ch.Intensity, 0, 1)
	label := strings.TrimSpace(ch.Label)
	if label == "" {
		label = ch.ID
	}

	discipline := Classify(intensity)
	return model.ChannelHealth{
		ChannelID:       ch.ID,
		Label:           label,
		MembershipCount: members,
		Intensity:       intensity,
		QualityPct:      clampInt(Round(99-float64(members)*1.6-intensity*38), minQualityPct, maxQualityPct),
		LatencyMs:       clampInt(Round(18+float64(members)*3.2+intensity*96), minLatencyMs, maxLatencyMs),
		Discipline:      discipline,
		Directive:       DirectiveFor(discipline),
	}
}

func Classify(intensity float64) model.Discipline {
	switch {
	case intensity >= saturatedIntensity:
		return model.DisciplineSaturated
	case intensity >= busyIntensity:
		return model.DisciplineBusy
	default:
		return model.DisciplineClear
	}
}

func DirectiveFor(d model.Discipline) model.ChannelDirective {
	switch d {
	case model.DisciplineSaturated:
		return model.ChannelDirectiveRerouteMonitor
	case model.DisciplineBusy:
		return model.ChannelDirectiveLimitNonEssential
	default:
		return model.ChannelDirectiveNormal
	}
}

// IsDegraded reports whether a channel counts toward degraded-channel totals.
func IsDegraded(h model.ChannelHealth) bool {
	return h.Discipline == model.DisciplineSaturated || h.QualityPct < degradedQualityPct
}

// CountDegraded counts degraded channels.
func CountDegraded(hs []model.ChannelHealth) int {
	n := 0
	for _, h := range hs {
		if IsDegraded(h) {
			n++
		}
	}
	return n
}

// Round rounds half away from zero for positives, matching the calibration of the scores.
func Round(x float64) int {
	return int(math.Floor(x + 0.5))
}

func clampInt(v, lo, hi int) int {
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
