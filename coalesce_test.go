package turn

import "testing"

func TestCoalescerFlushesOnSentenceBoundary(t *testing.T) {
	store := newStore("m1")
	c := newCoalescer(store, HeuristicEstimator{}, 1024)

	c.add("Hello")
	if store.msg.Text != "" {
		t.Fatalf("text committed before a boundary: %q", store.msg.Text)
	}
	c.add(" world.")
	if store.msg.Text != "Hello world." {
		t.Fatalf("got %q, want %q", store.msg.Text, "Hello world.")
	}
	if c.pending() != 0 {
		t.Fatalf("pending = %d after flush", c.pending())
	}
}

func TestCoalescerFlushesOnNewline(t *testing.T) {
	store := newStore("m1")
	c := newCoalescer(store, HeuristicEstimator{}, 1024)

	c.add("item one\n")
	if store.msg.Text != "item one\n" {
		t.Fatalf("got %q", store.msg.Text)
	}
}

func TestCoalescerFlushesAtThreshold(t *testing.T) {
	store := newStore("m1")
	c := newCoalescer(store, HeuristicEstimator{}, 8)

	c.add("abc")
	c.add("defgh")
	if store.msg.Text != "abcdefgh" {
		t.Fatalf("threshold flush missing, got %q", store.msg.Text)
	}
}

func TestCoalescerEstimatesEveryDelta(t *testing.T) {
	store := newStore("m1")
	c := newCoalescer(store, HeuristicEstimator{}, 1024)

	c.add("four char chunks here")
	if store.msg.Usage.Estimated == 0 {
		t.Fatal("estimate not published for a buffered delta")
	}
	before := store.msg.Usage.Estimated
	c.add(" and some more text")
	if store.msg.Usage.Estimated <= before {
		t.Fatalf("estimate did not grow: %d -> %d", before, store.msg.Usage.Estimated)
	}
}

func TestCoalescerFlushIsIdempotent(t *testing.T) {
	store := newStore("m1")
	c := newCoalescer(store, HeuristicEstimator{}, 1024)

	c.add("tail")
	c.flush()
	c.flush()
	if store.msg.Text != "tail" {
		t.Fatalf("got %q", store.msg.Text)
	}
}

func TestHeuristicEstimator(t *testing.T) {
	e := HeuristicEstimator{}
	if got := e.Estimate(""); got != 0 {
		t.Fatalf("empty text: got %d", got)
	}
	if got := e.Estimate("abcd"); got != 1 {
		t.Fatalf("4 bytes: got %d, want 1", got)
	}
	if got := e.Estimate("abcde"); got != 2 {
		t.Fatalf("5 bytes: got %d, want 2", got)
	}
}
