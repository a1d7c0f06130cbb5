package chat

import "testing"

func TestCanonicalIDCommutative(t *testing.T) {
	if CanonicalID("7", "12") != CanonicalID("12", "7") {
		t.Fatal("canonical id must not depend on argument order")
	}
	if got := CanonicalID("7", "12"); got != "12:7" {
		t.Fatalf("expected sorted pair \"12:7\", got %q", got)
	}
}

func TestCanonicalIDSelfChat(t *testing.T) {
	if got := CanonicalID("alice", "alice"); got != "alice:alice" {
		t.Fatalf("self conversation should be well-defined, got %q", got)
	}
}
