package model

import "testing"

func TestCanTransition_SameStatusAlwaysLegal(t *testing.T) {
	for _, s := range IncidentStatuses {
		t.Run(string(s), func(t *testing.T) {
			if !CanTransition(s, s) {
				t.Errorf("CanTransition(%q, %q) = false, want true", s, s)
			}
		})
	}
}

func TestCanTransition_Table(t *testing.T) {
	tests := []struct {
		from, to IncidentStatus
		want     bool
	}{
		{IncidentStatusNew, IncidentStatusAcked, true},
		{IncidentStatusNew, IncidentStatusAssigned, false},
		{IncidentStatusNew, IncidentStatusResolved, false},
		{IncidentStatusAcked, IncidentStatusAssigned, true},
		{IncidentStatusAcked, IncidentStatusResolved, true},
		{IncidentStatusAcked, IncidentStatusNew, false},
		{IncidentStatusAssigned, IncidentStatusResolved, true},
		{IncidentStatusAssigned, IncidentStatusAcked, false},
		{IncidentStatusResolved, IncidentStatusNew, false},
		{IncidentStatusResolved, IncidentStatusAcked, false},
		{IncidentStatusResolved, IncidentStatusAssigned, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestValidateIncidentTransition(t *testing.T) {
	if err := ValidateIncidentTransition(IncidentStatusNew, IncidentStatusAcked); err != nil {
		t.Errorf("NEW→ACKED: unexpected error %v", err)
	}
	if err := ValidateIncidentTransition(IncidentStatusNew, IncidentStatusResolved); err == nil {
		t.Error("NEW→RESOLVED: expected error")
	}
	if err := ValidateIncidentTransition(IncidentStatusResolved, IncidentStatusAcked); err == nil {
		t.Error("RESOLVED→ACKED: expected error")
	}
	if err := ValidateIncidentTransition(IncidentStatusNew, "BOGUS"); err == nil {
		t.Error("unknown target: expected error")
	}
}

func TestMaxDispatchStatus(t *testing.T) {
	if got := MaxDispatchStatus(DispatchStatusAcked, DispatchStatusQueued); got != DispatchStatusAcked {
		t.Errorf("got %s, want ACKED", got)
	}
	if got := MaxDispatchStatus(DispatchStatusQueued, DispatchStatusPersisted); got != DispatchStatusPersisted {
		t.Errorf("got %s, want PERSISTED", got)
	}
}
