package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/msageha/commsengine/internal/model"
	"github.com/msageha/commsengine/internal/syncqueue"
)

const (
	StatusNamespace = "incident_status"
	// StatusSchemaVersion 1 stored the bare status map; 2 adds first-seen stamps.
	StatusSchemaVersion = 2
)

// State is the incident bookkeeping a caller carries between evaluations. Both maps are
// keyed by incident id and hold exactly the ids derived by the last evaluation.
type State struct {
	StatusByID    map[string]model.IncidentStatus
	FirstSeenByID map[string]time.Time
}

// Equal reports whether s and o hold the same statuses and stamps.
func (s State) Equal(o State) bool {
	return maps.Equal(s.StatusByID, o.StatusByID) &&
		maps.EqualFunc(s.FirstSeenByID, o.FirstSeenByID, time.Time.Equal)
}

type stateDocument struct {
	Status    map[string]string    `json:"status"`
	FirstSeen map[string]time.Time `json:"first_seen,omitempty"`
}

// LoadState reads the incident state for scope. A missing store or key yields an empty
// state; entries with unknown statuses are dropped. Version 1 documents load without stamps.
func LoadState(ctx context.Context, q *syncqueue.Queue, scope string) (State, error) {
	out := State{
		StatusByID:    make(map[string]model.IncidentStatus),
		FirstSeenByID: make(map[string]time.Time),
	}
	st, err := q.Load(ctx, StatusNamespace, scope)
	if err != nil {
		return out, err
	}
	if st == nil {
		return out, nil
	}

	var doc stateDocument
	switch {
	case st.SchemaVersion > StatusSchemaVersion:
		return out, fmt.Errorf("incident status schema %d is newer than supported %d", st.SchemaVersion, StatusSchemaVersion)
	case st.SchemaVersion <= 1:
		err = json.Unmarshal(st.State, &doc.Status)
	default:
		err = json.Unmarshal(st.State, &doc)
	}
	if err != nil {
		return out, fmt.Errorf("decode incident status: %w", err)
	}

	for id, s := range doc.Status {
		status := model.IncidentStatus(s)
		if !model.IsKnownIncidentStatus(status) {
			continue
		}
		out.StatusByID[id] = status
		if t, ok := doc.FirstSeen[id]; ok && !t.IsZero() {
			out.FirstSeenByID[id] = t
		}
	}
	return out, nil
}

// SaveState enqueues the incident state for scope. Like every queue write it is best-effort.
func SaveState(q *syncqueue.Queue, scope string, s State) bool {
	doc := stateDocument{
		Status:    make(map[string]string, len(s.StatusByID)),
		FirstSeen: make(map[string]time.Time, len(s.FirstSeenByID)),
	}
	for id, status := range s.StatusByID {
		doc.Status[id] = string(status)
	}
	for id, t := range s.FirstSeenByID {
		doc.FirstSeen[id] = t.UTC()
	}
	return q.Enqueue(StatusNamespace, scope, StatusSchemaVersion, doc, 0)
}
