package thread

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/msageha/commsengine/internal/model"
)

const (
	DefaultAlertCap         = 6
	DefaultStaleIncidentAge = 10 * time.Minute

	voiceCollisionSpeakers = 3
)

// AlertInput is everything the discipline detectors look at for one evaluation.
type AlertInput struct {
	Events               []model.Event
	Incidents            []model.IncidentRecord
	ActiveSpeakers       int
	DegradedChannelCount int
	Now                  time.Time
	Window               time.Duration
	StaleAfter           time.Duration // DefaultStaleIncidentAge when zero
	Cap                  int           // DefaultAlertCap when zero
}

type directiveKey struct {
	channelID string
	token     string
}

// DetectAlerts runs the discipline detectors over the in-window event stream and the current
// incident records. Each detected condition yields at most one alert per call.
func DetectAlerts(in AlertInput) []model.DisciplineAlert {
	staleAfter := in.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleIncidentAge
	}
	limit := in.Cap
	if limit <= 0 {
		limit = DefaultAlertCap
	}

	counts := make(map[directiveKey]int)
	var keyOrder []directiveKey
	tokensByChannel := make(map[string]map[string]bool)
	seen := make(map[string]bool)

	for _, e := range in.Events {
		if e.ID != "" {
			if seen[e.ID] {
				continue
			}
			seen[e.ID] = true
		}
		if !model.InWindow(e.Time(), in.Now, in.Window) {
			continue
		}
		if e.PayloadString("directive") == "" && !model.IsDirectiveEventType(e.EventType) {
			continue
		}
		channelID := strings.TrimSpace(e.ChannelID)
		token := e.DirectiveToken()
		if token == "" {
			continue
		}
		k := directiveKey{channelID: channelID, token: token}
		if counts[k] == 0 {
			keyOrder = append(keyOrder, k)
		}
		counts[k]++
		if tokensByChannel[channelID] == nil {
			tokensByChannel[channelID] = make(map[string]bool)
		}
		tokensByChannel[channelID][token] = true
	}

	var alerts []model.DisciplineAlert

	for _, k := range keyOrder {
		n := counts[k]
		if n < 2 {
			continue
		}
		severity := model.SeverityWarning
		if n >= 3 {
			severity = model.SeverityCritical
		}
		alerts = append(alerts, model.DisciplineAlert{
			ID:       fmt.Sprintf("dup:%s:%s", k.channelID, k.token),
			Severity: severity,
			Title:    "Duplicate Directive Pattern",
			Detail:   fmt.Sprintf("%s issued %d times on %s within the window", k.token, n, k.channelID),
		})
	}

	for channelID, tokens := range tokensByChannel {
		if tokens[model.DirectiveRerouteTraffic] && tokens[model.DirectiveRestrictNonEssential] {
			alerts = append(alerts, model.DisciplineAlert{
				ID:       "conflict:" + channelID,
				Severity: model.SeverityWarning,
				Title:    "Conflicting Lane Orders",
				Detail:   fmt.Sprintf("%s received both %s and %s", channelID, model.DirectiveRerouteTraffic, model.DirectiveRestrictNonEssential),
			})
		}
	}

	staleCount, staleCritical := 0, false
	for _, inc := range in.Incidents {
		if inc.Status == model.IncidentStatusResolved || inc.CreatedAt.IsZero() {
			continue
		}
		if in.Now.Sub(inc.CreatedAt) <= staleAfter {
			continue
		}
		staleCount++
		if inc.Priority == model.PriorityCritical {
			staleCritical = true
		}
	}
	if staleCount > 0 {
		severity := model.SeverityWarning
		if staleCritical {
			severity = model.SeverityCritical
		}
		alerts = append(alerts, model.DisciplineAlert{
			ID:       "stale:incidents",
			Severity: severity,
			Title:    "Stale Incident Backlog",
			Detail:   fmt.Sprintf("%d unresolved incident(s) older than %d minutes", staleCount, int(staleAfter.Minutes())),
		})
	}

	if in.ActiveSpeakers >= voiceCollisionSpeakers && in.DegradedChannelCount > 0 {
		alerts = append(alerts, model.DisciplineAlert{
			ID:       "voice:collision",
			Severity: model.SeverityWarning,
			Title:    "Voice Collision Risk",
			Detail:   fmt.Sprintf("%d active speakers with %d degraded channel(s)", in.ActiveSpeakers, in.DegradedChannelCount),
		})
	}

	sort.Slice(alerts, func(i, j int) bool {
		a, b := alerts[i], alerts[j]
		if ra, rb := model.SeverityRank(a.Severity), model.SeverityRank(b.Severity); ra != rb {
			return ra > rb
		}
		if a.Title != b.Title {
			return a.Title < b.Title
		}
		return a.ID < b.ID
	})
	if len(alerts) > limit {
		alerts = alerts[:limit]
	}
	return alerts
}
