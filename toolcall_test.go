package turn

import "testing"

func TestTrackerUpsertIsIdempotent(t *testing.T) {
	tr := newTracker()

	rec, created := tr.upsert(OutputItem{ID: "call_1", Kind: ToolFunction, Name: "get_weather"})
	if !created {
		t.Fatal("first upsert should create the record")
	}
	if rec.Status != ToolRunning {
		t.Fatalf("status = %q, want running", rec.Status)
	}

	again, created := tr.upsert(OutputItem{ID: "call_1", Kind: ToolFunction})
	if created {
		t.Fatal("duplicate upsert should be a no-op")
	}
	if again != rec {
		t.Fatal("duplicate upsert returned a different record")
	}
}

func TestTrackerArgumentStreaming(t *testing.T) {
	tr := newTracker()
	tr.upsert(OutputItem{ID: "call_1", Kind: ToolFunction})

	tr.addArgsDelta("call_1", `{"city":`)
	tr.addArgsDelta("call_1", `"Oslo"}`)
	tr.finalizeArgs("call_1", "")

	rec := tr.get("call_1")
	if rec.Arguments == "" {
		t.Fatal("arguments not committed")
	}
	// Streamed fragments join into one pretty-printed payload.
	want := "{\n  \"city\": \"Oslo\"\n}"
	if rec.Arguments != want {
		t.Fatalf("arguments = %q, want %q", rec.Arguments, want)
	}
}

func TestTrackerFinalizeArgsPrefersDonePayload(t *testing.T) {
	tr := newTracker()
	tr.upsert(OutputItem{ID: "call_1", Kind: ToolFunction})

	tr.addArgsDelta("call_1", `{"partial":tru`)
	tr.finalizeArgs("call_1", `{"city":"Oslo"}`)

	rec := tr.get("call_1")
	want := "{\n  \"city\": \"Oslo\"\n}"
	if rec.Arguments != want {
		t.Fatalf("arguments = %q, want %q", rec.Arguments, want)
	}
}

func TestTrackerFinishParsesStructuredError(t *testing.T) {
	tr := newTracker()
	tr.upsert(OutputItem{ID: "call_1", Kind: ToolMCP, ServerLabel: "gmail"})

	rec, applied := tr.finish(OutputItem{
		ID:     "call_1",
		Kind:   ToolMCP,
		Status: ItemFailed,
		Output: `{"type":"http_error","code":401,"message":"unauthorized"}`,
	})
	if !applied {
		t.Fatal("finish not applied")
	}
	if rec.Status != ToolFailed {
		t.Fatalf("status = %q", rec.Status)
	}
	if rec.Err == nil || rec.Err.Code != 401 || rec.Err.Message != "unauthorized" {
		t.Fatalf("error detail = %+v", rec.Err)
	}
}

func TestTrackerFinishIsTerminal(t *testing.T) {
	tr := newTracker()
	tr.upsert(OutputItem{ID: "call_1", Kind: ToolFunction})
	tr.finish(OutputItem{ID: "call_1", Kind: ToolFunction, Status: ItemCompleted, Output: "ok"})

	// A second done event must not resurrect or rewrite the record.
	rec, applied := tr.finish(OutputItem{ID: "call_1", Kind: ToolFunction, Status: ItemFailed})
	if applied {
		t.Fatal("terminal record transitioned again")
	}
	if rec.Status != ToolCompleted || rec.Output != "ok" {
		t.Fatalf("record mutated after terminal: %+v", rec)
	}
}

func TestTrackerApprovalHold(t *testing.T) {
	tr := newTracker()
	tr.upsert(OutputItem{ID: "call_1", Kind: ToolMCP})
	tr.hold("call_1")

	rec, applied := tr.finish(OutputItem{ID: "call_1", Kind: ToolMCP, Status: ItemCompleted, Output: "sent"})
	if applied {
		t.Fatal("held call completed without a decision")
	}
	if rec.Status != ToolRunning {
		t.Fatalf("status = %q, want running while held", rec.Status)
	}

	released := tr.release("call_1", true)
	if released.Status != ToolCompleted || released.Output != "sent" {
		t.Fatalf("held done not applied on approval: %+v", released)
	}
}

func TestTrackerHoldDoesNotBlockFailure(t *testing.T) {
	tr := newTracker()
	tr.upsert(OutputItem{ID: "call_1", Kind: ToolMCP})
	tr.hold("call_1")

	rec, applied := tr.finish(OutputItem{ID: "call_1", Kind: ToolMCP, Status: ItemFailed, Output: "boom"})
	if !applied {
		t.Fatal("failure must bypass the approval hold")
	}
	if rec.Status != ToolFailed {
		t.Fatalf("status = %q", rec.Status)
	}
}

func TestTrackerRejectFailsImmediately(t *testing.T) {
	tr := newTracker()
	tr.upsert(OutputItem{ID: "call_1", Kind: ToolMCP})
	tr.hold("call_1")

	rec := tr.release("call_1", false)
	if rec.Status != ToolFailed {
		t.Fatalf("status = %q, want failed after rejection", rec.Status)
	}
	if tr.pendingHolds() {
		t.Fatal("pendingHolds still true after release")
	}
}

func TestParseErrorText(t *testing.T) {
	cases := []struct {
		name   string
		text   string
		status ItemStatus
		want   *ToolErrorDetail
	}{
		{"completed item", "ok", ItemCompleted, nil},
		{"empty failure", "", ItemFailed, &ToolErrorDetail{Message: "tool call failed"}},
		{"plain text failure", "connection reset", ItemFailed, &ToolErrorDetail{Message: "connection reset"}},
		{
			"structured failure",
			`{"type":"http_error","code":429,"message":"rate limited"}`,
			ItemFailed,
			&ToolErrorDetail{Type: "http_error", Code: 429, Message: "rate limited"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := parseErrorText(tc.text, tc.status)
			if (got == nil) != (tc.want == nil) {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
			if got != nil && *got != *tc.want {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestPrettyJSONPassesThroughInvalid(t *testing.T) {
	if got := prettyJSON("not json"); got != "not json" {
		t.Fatalf("got %q", got)
	}
	if got := prettyJSON(""); got != "" {
		t.Fatalf("got %q", got)
	}
}

func TestFailureRegistry(t *testing.T) {
	reg := NewFailureRegistry()

	if !reg.Record("gmail", "k1") {
		t.Fatal("first failure should surface")
	}
	if reg.Record("gmail", "k1") {
		t.Fatal("identical repeat should be suppressed")
	}
	if !reg.Record("gmail", "k2") {
		t.Fatal("different failure should surface")
	}
	if !reg.Record("github", "k1") {
		t.Fatal("other servers are tracked independently")
	}

	reg.Clear("gmail")
	if !reg.Record("gmail", "k2") {
		t.Fatal("cleared server should surface the next failure")
	}
}
