package models

import "testing"

func TestCanTransitionAllowsOnlyStateMachineEdges(t *testing.T) {
	allowed := []struct{ from, to OrderStatus }{
		{OrderStatusPending, OrderStatusPaid},
		{OrderStatusPending, OrderStatusFailed},
		{OrderStatusPaid, OrderStatusProcessing},
		{OrderStatusPaid, OrderStatusFailed},
		{OrderStatusProcessing, OrderStatusCompleted},
		{OrderStatusProcessing, OrderStatusFailed},
		{OrderStatusProcessing, OrderStatusPaid}, // retry rollback
	}

	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s → %s to be allowed", tc.from, tc.to)
		}
	}
}

func TestCanTransitionRejectsJumps(t *testing.T) {
	forbidden := []struct{ from, to OrderStatus }{
		{OrderStatusPending, OrderStatusCompleted},
		{OrderStatusPending, OrderStatusProcessing},
		{OrderStatusPaid, OrderStatusCompleted},
		{OrderStatusCompleted, OrderStatusProcessing},
		{OrderStatusCompleted, OrderStatusFailed},
		{OrderStatusFailed, OrderStatusPaid},
		{OrderStatusFailed, OrderStatusProcessing},
	}

	for _, tc := range forbidden {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s → %s to be rejected", tc.from, tc.to)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	if !OrderStatusCompleted.IsTerminal() || !OrderStatusFailed.IsTerminal() {
		t.Error("COMPLETED and FAILED must be terminal")
	}
	for _, s := range []OrderStatus{OrderStatusPending, OrderStatusPaid, OrderStatusProcessing} {
		if s.IsTerminal() {
			t.Errorf("%s must not be terminal", s)
		}
	}
}

func TestBGMCatalogHasDefaultTrack(t *testing.T) {
	found := false
	for _, track := range BGMCatalog {
		if track.ID == DefaultBGMTrack {
			found = true
		}
	}
	if !found {
		t.Errorf("default track %s missing from catalog", DefaultBGMTrack)
	}
}
