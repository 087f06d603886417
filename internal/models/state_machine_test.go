package models

import "testing"

func TestCanTransition_AllowedEdges(t *testing.T) {
	allowed := []struct {
		from OrderStatus
		to   OrderStatus
	}{
		{StatusCreated, StatusSentToBroker},
		{StatusCreated, StatusFailed},
		{StatusSentToBroker, StatusExecuted},
		{StatusSentToBroker, StatusFailed},
	}

	for _, tr := range allowed {
		if !CanTransition(tr.from, tr.to) {
			t.Errorf("transition %s -> %s should be allowed", tr.from, tr.to)
		}
	}
}

func TestCanTransition_ForbiddenEdges(t *testing.T) {
	forbidden := []struct {
		from OrderStatus
		to   OrderStatus
	}{
		{StatusCreated, StatusExecuted}, // must pass through SENT_TO_BROKER
		{StatusSentToBroker, StatusCreated},
		{StatusExecuted, StatusFailed},
		{StatusExecuted, StatusSentToBroker},
		{StatusFailed, StatusExecuted},
		{StatusFailed, StatusCreated},
		{StatusExecuted, StatusExecuted},
	}

	for _, tr := range forbidden {
		if CanTransition(tr.from, tr.to) {
			t.Errorf("transition %s -> %s should be rejected", tr.from, tr.to)
		}
	}
}

func TestCheckTransition_TerminalError(t *testing.T) {
	err := CheckTransition(StatusExecuted, StatusFailed)
	if err == nil {
		t.Fatal("terminal transition should return an error")
	}

	err = CheckTransition(StatusCreated, StatusSentToBroker)
	if err != nil {
		t.Fatalf("valid transition returned error: %v", err)
	}
}

func TestAllowedSources(t *testing.T) {
	from := AllowedSources(StatusFailed)
	if len(from) != 2 {
		t.Fatalf("expected 2 sources for FAILED, got %d", len(from))
	}

	seen := map[OrderStatus]bool{}
	for _, s := range from {
		seen[s] = true
	}
	if !seen[StatusCreated] || !seen[StatusSentToBroker] {
		t.Errorf("FAILED should be reachable from CREATED and SENT_TO_BROKER, got %v", from)
	}

	if got := AllowedSources(StatusCreated); len(got) != 0 {
		t.Errorf("nothing should transition into CREATED, got %v", got)
	}
}

func TestOrderStatus_Terminal(t *testing.T) {
	tests := []struct {
		status   OrderStatus
		terminal bool
	}{
		{StatusCreated, false},
		{StatusSentToBroker, false},
		{StatusExecuted, true},
		{StatusFailed, true},
	}

	for _, tt := range tests {
		if tt.status.Terminal() != tt.terminal {
			t.Errorf("%s: Terminal() = %v, want %v", tt.status, tt.status.Terminal(), tt.terminal)
		}
	}
}
