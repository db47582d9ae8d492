package inference

import (
	"fmt"
	"strings"
)

// Acquisition modes.
const (
	ModeManualOnly   = "MANUAL_ONLY"
	ModePTTConfirmed = "PTT_CONFIRMED"
	ModeAssisted     = "ASSISTED"
	ModeOpen         = "OPEN"
)

// Evidence sources.
const (
	SourceManualEntry       = "MANUAL_ENTRY"
	SourceVoicePTTConfirmed = "VOICE_PTT_CONFIRMED"
	SourceVoiceTranscript   = "VOICE_TRANSCRIPT"
	SourceAutoDetect        = "AUTO_DETECT"
	SourceExternalFeed      = "EXTERNAL_FEED"
)

// Policy error codes.
const (
	CodeSourceBlocked        = "ACQ_SOURCE_BLOCKED"
	CodeConfirmationRequired = "ACQ_CONFIRMATION_REQUIRED"
)

// AcquisitionPolicy decides which evidence sources are trusted under an acquisition mode.
// It is configuration, swappable without touching scoring.
type AcquisitionPolicy interface {
	IsSourceAllowed(mode, source string) bool
	RequiresConfirmation(mode, source string) bool
}

// PolicyError is returned when evidence is rejected by the acquisition policy.
// Callers surface it as a user-facing rejection; retrying cannot succeed.
type PolicyError struct {
	Code   string
	Mode   string
	Source string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("%s: source %q not admissible under mode %q", e.Code, e.Source, e.Mode)
}

// TablePolicy is an AcquisitionPolicy backed by mode → source tables.
type TablePolicy struct {
	allowed  map[string]map[string]bool
	confirms map[string]map[string]bool
}

// DefaultPolicy returns the built-in acquisition tables.
func DefaultPolicy() *TablePolicy {
	return NewTablePolicy(
		map[string][]string{
			ModeManualOnly:   {SourceManualEntry},
			ModePTTConfirmed: {SourceManualEntry, SourceVoicePTTConfirmed},
			ModeAssisted:     {SourceManualEntry, SourceVoicePTTConfirmed, SourceVoiceTranscript, SourceAutoDetect},
			ModeOpen:         {SourceManualEntry, SourceVoicePTTConfirmed, SourceVoiceTranscript, SourceAutoDetect, SourceExternalFeed},
		},
		map[string][]string{
			ModePTTConfirmed: {SourceVoicePTTConfirmed},
		},
	)
}

// NewTablePolicy builds a policy from mode → allowed sources and mode → sources needing confirmation.
// Keys and values are matched case-insensitively.
func NewTablePolicy(allowed, confirmation map[string][]string) *TablePolicy {
	return &TablePolicy{
		allowed:  toSet(allowed),
		confirms: toSet(confirmation),
	}
}

// PolicyFromConfig returns DefaultPolicy unless the config supplies its own allow table.
func PolicyFromConfig(allowed, confirmation map[string][]string) *TablePolicy {
	if len(allowed) == 0 {
		return DefaultPolicy()
	}
	return NewTablePolicy(allowed, confirmation)
}

func toSet(in map[string][]string) map[string]map[string]bool {
	out := make(map[string]map[string]bool, len(in))
	for mode, sources := range in {
		set := make(map[string]bool, len(sources))
		for _, s := range sources {
			set[norm(s)] = true
		}
		out[norm(mode)] = set
	}
	return out
}

func norm(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func (p *TablePolicy) IsSourceAllowed(mode, source string) bool {
	return p.allowed[norm(mode)][norm(source)]
}

func (p *TablePolicy) RequiresConfirmation(mode, source string) bool {
	return p.confirms[norm(mode)][norm(source)]
}

// Admit checks one piece of evidence against the policy and returns a *PolicyError when it
// must be rejected.
func Admit(policy AcquisitionPolicy, mode, source string, confirmed bool) error {
	if !policy.IsSourceAllowed(mode, source) {
		return &PolicyError{Code: CodeSourceBlocked, Mode: norm(mode), Source: norm(source)}
	}
	if policy.RequiresConfirmation(mode, source) && !confirmed {
		return &PolicyError{Code: CodeConfirmationRequired, Mode: norm(mode), Source: norm(source)}
	}
	return nil
}
