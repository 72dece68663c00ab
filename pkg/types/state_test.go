package types_test

import (
	"testing"

	"github.com/scrypster/engram/pkg/types"
)

func TestTerminalStates(t *testing.T) {
	for _, s := range []types.ItemState{types.StatePromoted, types.StateArchived, types.StatePurged} {
		if !s.IsTerminal() {
			t.Errorf("Expected %s to be terminal", s)
		}
	}
	if types.StateWorking.IsTerminal() {
		t.Error("working must not be terminal")
	}
}

func TestValidStateTransitions(t *testing.T) {
	valid := []struct{ from, to types.ItemState }{
		{types.StateWorking, types.StateWorking},
		{types.StateWorking, types.StatePromoted},
		{types.StateWorking, types.StateArchived},
		{types.StateWorking, types.StatePurged},
		{"", types.StateWorking},
		{types.StatePromoted, types.StatePurged},
	}
	for _, tt := range valid {
		if !types.IsValidStateTransition(tt.from, tt.to) {
			t.Errorf("Expected %q -> %q to be valid", tt.from, tt.to)
		}
	}
}

func TestInvalidStateTransitions(t *testing.T) {
	invalid := []struct{ from, to types.ItemState }{
		{types.StateArchived, types.StateWorking},
		{types.StatePurged, types.StateWorking},
		{types.StatePromoted, types.StateWorking},
		{types.StatePromoted, types.StateArchived},
	}
	for _, tt := range invalid {
		if types.IsValidStateTransition(tt.from, tt.to) {
			t.Errorf("Expected %q -> %q to be invalid", tt.from, tt.to)
		}
	}
}
