package turn

import (
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
)

// ToolCallStatus is the lifecycle state of a tracked tool invocation.
type ToolCallStatus string

const (
	ToolPending   ToolCallStatus = "pending"
	ToolRunning   ToolCallStatus = "running"
	ToolCompleted ToolCallStatus = "completed"
	ToolFailed    ToolCallStatus = "failed"
)

// ToolCallRecord tracks one tool invocation item referenced by the stream.
// Transitions only move forward: pending -> running -> completed|failed.
type ToolCallRecord struct {
	ItemID      string
	Kind        ToolKind
	Status      ToolCallStatus
	Name        string
	ServerLabel string
	Arguments   string
	Output      string
	Err         *ToolErrorDetail

	argsBuf strings.Builder

	// approvalHold blocks the completed transition while a human decision
	// is outstanding. The final item is stashed and applied on release.
	approvalHold bool
	heldDone     *OutputItem
}

// tracker owns every ToolCallRecord for one session. It is only touched
// from the session goroutine.
type tracker struct {
	records map[string]*ToolCallRecord
	order   []string
}

func newTracker() *tracker {
	return &tracker{records: make(map[string]*ToolCallRecord)}
}

// upsert creates the record for an item id, or returns the existing one.
// Duplicate "added" events for the same id are no-ops.
func (t *tracker) upsert(item OutputItem) (*ToolCallRecord, bool) {
	if rec, ok := t.records[item.ID]; ok {
		return rec, false
	}
	rec := &ToolCallRecord{
		ItemID:      item.ID,
		Kind:        item.Kind,
		Status:      ToolRunning,
		Name:        item.Name,
		ServerLabel: item.ServerLabel,
	}
	t.records[item.ID] = rec
	t.order = append(t.order, item.ID)
	return rec, true
}

func (t *tracker) get(itemID string) *ToolCallRecord {
	return t.records[itemID]
}

func (t *tracker) addArgsDelta(itemID, delta string) {
	rec := t.records[itemID]
	if rec == nil || rec.done() {
		return
	}
	rec.argsBuf.WriteString(delta)
}

// finalizeArgs commits the streamed argument buffer as a pretty-printed
// payload. The done event's full argument string wins when present.
func (t *tracker) finalizeArgs(itemID, args string) {
	rec := t.records[itemID]
	if rec == nil || rec.done() {
		return
	}
	if args == "" {
		args = rec.argsBuf.String()
	}
	rec.Arguments = prettyJSON(args)
	rec.argsBuf.Reset()
}

// finish applies the item's terminal status. Returns the record and whether
// the transition was applied now (false when held for approval or already
// terminal).
func (t *tracker) finish(item OutputItem) (*ToolCallRecord, bool) {
	rec, _ := t.upsert(item)
	if rec.done() {
		return rec, false
	}
	if rec.approvalHold && item.Status != ItemFailed {
		held := item
		rec.heldDone = &held
		return rec, false
	}
	t.apply(rec, item)
	return rec, true
}

func (t *tracker) apply(rec *ToolCallRecord, item OutputItem) {
	if item.Name != "" {
		rec.Name = item.Name
	}
	if item.ServerLabel != "" {
		rec.ServerLabel = item.ServerLabel
	}
	if item.Arguments != "" {
		rec.Arguments = prettyJSON(item.Arguments)
	}
	rec.Output = item.Output
	rec.Err = toolErrorDetail(item)
	if rec.Err != nil || item.Status == ItemFailed {
		rec.Status = ToolFailed
		return
	}
	rec.Status = ToolCompleted
}

func (t *tracker) hold(itemID string) {
	if rec := t.records[itemID]; rec != nil && !rec.done() {
		rec.approvalHold = true
	}
}

// release lifts the approval hold. A rejected call fails immediately; an
// approved one completes now if its done event was already held, otherwise
// when that event arrives.
func (t *tracker) release(itemID string, approved bool) *ToolCallRecord {
	rec := t.records[itemID]
	if rec == nil || rec.done() {
		return rec
	}
	rec.approvalHold = false
	if !approved {
		rec.Status = ToolFailed
		rec.heldDone = nil
		return rec
	}
	if rec.heldDone != nil {
		item := *rec.heldDone
		rec.heldDone = nil
		t.apply(rec, item)
	}
	return rec
}

// pendingHolds reports whether any record is still gated on approval.
func (t *tracker) pendingHolds() bool {
	for _, rec := range t.records {
		if rec.approvalHold && !rec.done() {
			return true
		}
	}
	return false
}

func (r *ToolCallRecord) done() bool {
	return r.Status == ToolCompleted || r.Status == ToolFailed
}

// toolErrorDetail extracts a structured error from the item: an explicit
// detail object, or a structured/inline error string such as
// {"type":"http_error","code":401}.
func toolErrorDetail(item OutputItem) *ToolErrorDetail {
	if item.Error != nil {
		return item.Error
	}
	return parseErrorText(item.Output, item.Status)
}

func parseErrorText(text string, status ItemStatus) *ToolErrorDetail {
	if status != ItemFailed {
		return nil
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return &ToolErrorDetail{Message: "tool call failed"}
	}
	if gjson.Valid(text) {
		res := gjson.Parse(text)
		if res.IsObject() {
			return &ToolErrorDetail{
				Type:    res.Get("type").String(),
				Code:    int(res.Get("code").Int()),
				Message: res.Get("message").String(),
			}
		}
	}
	return &ToolErrorDetail{Message: text}
}

func prettyJSON(s string) string {
	if s == "" || !gjson.Valid(s) {
		return s
	}
	return strings.TrimSpace(string(pretty.Pretty([]byte(s))))
}

// FailureRegistry de-duplicates repeated identical failures per MCP server
// so the user is not spammed with the same notice. Process-wide and safe
// for concurrent use; a later success clears the key.
type FailureRegistry struct {
	mu   sync.Mutex
	keys map[string]string
}

func NewFailureRegistry() *FailureRegistry {
	return &FailureRegistry{keys: make(map[string]string)}
}

// Record notes a failure for the server. It returns true when this exact
// failure has not been shown yet and a notice should be surfaced.
func (r *FailureRegistry) Record(serverLabel, failureKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.keys[serverLabel] == failureKey {
		return false
	}
	r.keys[serverLabel] = failureKey
	return true
}

// Clear forgets recorded failures for the server after a success.
func (r *FailureRegistry) Clear(serverLabel string) {
	r.mu.Lock()
	delete(r.keys, serverLabel)
	r.mu.Unlock()
}
