package turn

import (
	"time"
)

// Role is the speaker role.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// TokenUsage tracks token accounting for one message. Estimated is derived
// locally while streaming and cleared once authoritative counts arrive.
type TokenUsage struct {
	Estimated int `json:"estimated,omitempty"`
	Input     int `json:"input,omitempty"`
	Output    int `json:"output,omitempty"`
	Total     int `json:"total,omitempty"`
}

// Image is a generated image attached to the message. Partial frames
// overwrite earlier ones for the same item.
type Image struct {
	ItemID   string `json:"item_id"`
	MimeType string `json:"mime_type,omitempty"`
	DataB64  string `json:"data_b64"`
	Final    bool   `json:"final,omitempty"`
}

// WebURL is a cited URL attached to the message.
type WebURL struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// Notice is a system-visible message surfaced to the user, scoped to one
// failure or remediation. Key de-duplicates repeats of the same notice.
type Notice struct {
	ID   string    `json:"id"`
	Key  string    `json:"key,omitempty"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// ApprovalStatus tracks a human authorization decision.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// ApprovalRequest is a human-in-the-loop gate for a specific tool call.
type ApprovalRequest struct {
	ID          string         `json:"id"`
	ItemID      string         `json:"item_id,omitempty"`
	ToolName    string         `json:"tool_name"`
	ServerLabel string         `json:"server_label,omitempty"`
	Arguments   string         `json:"arguments,omitempty"`
	Status      ApprovalStatus `json:"status"`
	Reason      string         `json:"reason,omitempty"`
}

// MessageState is the canonical record of one in-progress assistant message.
// It is mutated only on the goroutine that owns the session; everything else
// observes copies via Snapshot.
type MessageState struct {
	ID        string
	Role      Role
	Text      string
	Usage     TokenUsage
	Images    []Image
	Artifacts []Artifact
	WebURLs   []WebURL
	ToolsUsed map[ToolKind]bool
	Approvals []ApprovalRequest
	Notices   []Notice
}

// Snapshot is a consistent read-only copy of MessageState.
type Snapshot struct {
	ID        string
	Role      Role
	Text      string
	Usage     TokenUsage
	Images    []Image
	Artifacts []Artifact
	WebURLs   []WebURL
	ToolsUsed []ToolKind
	Approvals []ApprovalRequest
	Notices   []Notice
	Status    SessionStatus
}

// Store applies single-writer mutations to one MessageState and broadcasts
// snapshots to observers. Mutators must only be called from the session
// goroutine; background tasks hand results back through session effects.
type Store struct {
	msg    MessageState
	status SessionStatus
	frozen bool
	dirty  bool

	seenNotice map[string]bool
	subs       []chan Snapshot
}

func newStore(messageID string) *Store {
	return &Store{
		msg: MessageState{
			ID:        messageID,
			Role:      RoleAssistant,
			ToolsUsed: make(map[ToolKind]bool),
		},
		status:     StatusIdle,
		seenNotice: make(map[string]bool),
	}
}

func (st *Store) appendText(text string) {
	if st.frozen || text == "" {
		return
	}
	st.msg.Text += text
	st.dirty = true
}

func (st *Store) setEstimatedUsage(tokens int) {
	if st.frozen {
		return
	}
	st.msg.Usage.Estimated = tokens
	st.dirty = true
}

// setUsage records authoritative token counts and clears the local estimate.
func (st *Store) setUsage(u Usage) {
	if st.frozen {
		return
	}
	st.msg.Usage = TokenUsage{
		Input:  u.InputTokens,
		Output: u.OutputTokens,
		Total:  u.TotalTokens,
	}
	st.dirty = true
}

func (st *Store) appendImage(img Image) {
	if st.frozen {
		return
	}
	for i := range st.msg.Images {
		if st.msg.Images[i].ItemID == img.ItemID {
			st.msg.Images[i] = img
			st.dirty = true
			return
		}
	}
	st.msg.Images = append(st.msg.Images, img)
	st.dirty = true
}

func (st *Store) appendArtifact(a Artifact) {
	if st.frozen {
		return
	}
	st.msg.Artifacts = append(st.msg.Artifacts, a)
	st.dirty = true
}

func (st *Store) appendWebURL(u WebURL) {
	if st.frozen || u.URL == "" {
		return
	}
	for _, existing := range st.msg.WebURLs {
		if existing.URL == u.URL {
			return
		}
	}
	st.msg.WebURLs = append(st.msg.WebURLs, u)
	st.dirty = true
}

func (st *Store) markToolUsed(kind ToolKind) {
	if st.frozen || kind == "" {
		return
	}
	if !st.msg.ToolsUsed[kind] {
		st.msg.ToolsUsed[kind] = true
		st.dirty = true
	}
}

func (st *Store) addApproval(req ApprovalRequest) {
	if st.frozen {
		return
	}
	st.msg.Approvals = append(st.msg.Approvals, req)
	st.dirty = true
}

func (st *Store) resolveApproval(id string, status ApprovalStatus, reason string) bool {
	for i := range st.msg.Approvals {
		if st.msg.Approvals[i].ID != id {
			continue
		}
		if st.msg.Approvals[i].Status != ApprovalPending {
			return false
		}
		st.msg.Approvals[i].Status = status
		st.msg.Approvals[i].Reason = reason
		st.dirty = true
		return true
	}
	return false
}

// addNotice appends a notice unless one with the same non-empty key was
// already shown. Returns whether the notice was added.
func (st *Store) addNotice(n Notice) bool {
	if st.frozen {
		return false
	}
	if n.Key != "" {
		if st.seenNotice[n.Key] {
			return false
		}
		st.seenNotice[n.Key] = true
	}
	n.At = time.Now()
	st.msg.Notices = append(st.msg.Notices, n)
	st.dirty = true
	return true
}

func (st *Store) clearNoticeKey(key string) {
	delete(st.seenNotice, key)
}

func (st *Store) setStatus(s SessionStatus) {
	if st.status == StatusTerminal {
		return
	}
	if st.status != s {
		st.status = s
		st.dirty = true
	}
}

// touch forces the next publish to emit a snapshot even when nothing
// changed, refreshing observers from last known state.
func (st *Store) touch() {
	st.dirty = true
}

// freeze stops all further mutation. Called exactly once when the session
// reaches terminal.
func (st *Store) freeze() {
	st.frozen = true
}

func (st *Store) snapshot() Snapshot {
	tools := make([]ToolKind, 0, len(st.msg.ToolsUsed))
	for k := range st.msg.ToolsUsed {
		tools = append(tools, k)
	}
	// Artifact bytes get their own backing array so an observer writing
	// into a snapshot cannot reach the store's state.
	arts := make([]Artifact, len(st.msg.Artifacts))
	copy(arts, st.msg.Artifacts)
	for i := range arts {
		arts[i].Data = append([]byte(nil), arts[i].Data...)
	}
	return Snapshot{
		ID:        st.msg.ID,
		Role:      st.msg.Role,
		Text:      st.msg.Text,
		Usage:     st.msg.Usage,
		Images:    append([]Image(nil), st.msg.Images...),
		Artifacts: arts,
		WebURLs:   append([]WebURL(nil), st.msg.WebURLs...),
		ToolsUsed: tools,
		Approvals: append([]ApprovalRequest(nil), st.msg.Approvals...),
		Notices:   append([]Notice(nil), st.msg.Notices...),
		Status:    st.status,
	}
}

func (st *Store) subscribe() chan Snapshot {
	ch := make(chan Snapshot, 1)
	st.subs = append(st.subs, ch)
	return ch
}

// publish broadcasts the current snapshot to observers if anything changed
// since the last publish. Latest-wins: a slow observer only ever misses
// intermediate snapshots, never blocks the event loop.
func (st *Store) publish() {
	if !st.dirty {
		return
	}
	st.dirty = false
	snap := st.snapshot()
	for _, ch := range st.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func (st *Store) closeSubs() {
	for _, ch := range st.subs {
		close(ch)
	}
	st.subs = nil
}
