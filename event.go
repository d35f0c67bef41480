package turn

// EventKind represents normalized streaming event kinds.
type EventKind string

const (
	KindCreated         EventKind = "created"
	KindInProgress      EventKind = "in_progress"
	KindItemAdded       EventKind = "item_added"
	KindTextDelta       EventKind = "text_delta"
	KindTextDone        EventKind = "text_done"
	KindArgsDelta       EventKind = "args_delta"
	KindArgsDone        EventKind = "args_done"
	KindItemDone        EventKind = "item_done"
	KindImageProgress   EventKind = "image_progress"
	KindAnnotation      EventKind = "annotation"
	KindListTools       EventKind = "list_tools"
	KindApprovalRequest EventKind = "approval_request"
	KindCompleted       EventKind = "completed"
	KindIncomplete      EventKind = "incomplete"
	KindFailed          EventKind = "failed"
	KindError           EventKind = "error"
	KindUnknown         EventKind = "unknown"
)

// Envelope carries the bookkeeping fields present on every stream event.
// Seq is monotonically assigned by the backend but not assumed gap-free.
type Envelope struct {
	Seq        int64
	ResponseID string
}

// Event is a decoded stream event.
// It must never be stored in message state directly; handlers fold it in.
type Event interface {
	eventKind() EventKind
	envelope() Envelope
}

func (e Envelope) envelope() Envelope { return e }

// ToolKind identifies the integration behind a tool item.
type ToolKind string

const (
	ToolWebSearch       ToolKind = "web_search"
	ToolCodeInterpreter ToolKind = "code_interpreter"
	ToolImageGeneration ToolKind = "image_generation"
	ToolComputerUse     ToolKind = "computer_use"
	ToolMCP             ToolKind = "mcp"
	ToolFunction        ToolKind = "function"
)

// ItemStatus is the backend-reported status of an output item.
type ItemStatus string

const (
	ItemInProgress ItemStatus = "in_progress"
	ItemCompleted  ItemStatus = "completed"
	ItemFailed     ItemStatus = "failed"
	ItemIncomplete ItemStatus = "incomplete"
)

// ToolErrorDetail is the structured error attached to a failed tool item.
type ToolErrorDetail struct {
	Type    string
	Code    int
	Message string
}

// OutputItem describes one output item referenced by the stream.
// Kind is empty for plain message items.
type OutputItem struct {
	ID          string
	Kind        ToolKind
	Status      ItemStatus
	Name        string
	ServerLabel string
	Arguments   string
	Output      string
	Error       *ToolErrorDetail
}

// CreatedEvent opens a response. It carries the backend response id the
// session records for resumption.
type CreatedEvent struct {
	Envelope
	MessageID string
}

func (CreatedEvent) eventKind() EventKind { return KindCreated }

// InProgressEvent is a keepalive-style progress notice.
type InProgressEvent struct {
	Envelope
}

func (InProgressEvent) eventKind() EventKind { return KindInProgress }

// ItemAddedEvent announces a new output item.
type ItemAddedEvent struct {
	Envelope
	Item OutputItem
}

func (ItemAddedEvent) eventKind() EventKind { return KindItemAdded }

// TextDeltaEvent streams a fragment of assistant text.
type TextDeltaEvent struct {
	Envelope
	ItemID string
	Delta  string
}

func (TextDeltaEvent) eventKind() EventKind { return KindTextDelta }

// TextDoneEvent closes a text item with the full accumulated text.
type TextDoneEvent struct {
	Envelope
	ItemID string
	Text   string
}

func (TextDoneEvent) eventKind() EventKind { return KindTextDone }

// ArgsDeltaEvent streams a fragment of tool-call argument JSON.
type ArgsDeltaEvent struct {
	Envelope
	ItemID string
	Delta  string
}

func (ArgsDeltaEvent) eventKind() EventKind { return KindArgsDelta }

// ArgsDoneEvent closes argument streaming for a tool item.
type ArgsDoneEvent struct {
	Envelope
	ItemID    string
	Arguments string
}

func (ArgsDoneEvent) eventKind() EventKind { return KindArgsDone }

// ItemDoneEvent closes an output item with its final status and payload.
type ItemDoneEvent struct {
	Envelope
	Item OutputItem
}

func (ItemDoneEvent) eventKind() EventKind { return KindItemDone }

// ImageProgressEvent streams a partial or final generated image.
type ImageProgressEvent struct {
	Envelope
	ItemID  string
	B64Data string
	Index   int
	Final   bool
}

func (ImageProgressEvent) eventKind() EventKind { return KindImageProgress }

// AnnotationKind discriminates annotation payloads.
type AnnotationKind string

const (
	AnnotationContainerFile AnnotationKind = "container_file"
	AnnotationFile          AnnotationKind = "file"
	AnnotationURL           AnnotationKind = "url"
)

// AnnotationEvent attaches an out-of-band reference to the message:
// a generated file to resolve, or a cited URL.
type AnnotationEvent struct {
	Envelope
	Kind        AnnotationKind
	ItemID      string
	FileID      string
	Filename    string
	ContainerID string
	URL         string
	Title       string
}

func (AnnotationEvent) eventKind() EventKind { return KindAnnotation }

// ListToolsEvent reports the outcome of an MCP server tool listing.
type ListToolsEvent struct {
	Envelope
	ItemID      string
	ServerLabel string
	Status      ItemStatus
	Tools       []string
	Error       *ToolErrorDetail
	ErrorText   string
}

func (ListToolsEvent) eventKind() EventKind { return KindListTools }

// ApprovalRequestEvent asks for a human decision before an MCP tool runs.
type ApprovalRequestEvent struct {
	Envelope
	ApprovalID  string
	ItemID      string
	ToolName    string
	ServerLabel string
	Arguments   string
}

func (ApprovalRequestEvent) eventKind() EventKind { return KindApprovalRequest }

// Usage reports authoritative token accounting.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// CompletedEvent terminates a response successfully.
type CompletedEvent struct {
	Envelope
	Usage *Usage
}

func (CompletedEvent) eventKind() EventKind { return KindCompleted }

// IncompleteEvent terminates a response that stopped early (e.g. max tokens).
type IncompleteEvent struct {
	Envelope
	Reason string
	Usage  *Usage
}

func (IncompleteEvent) eventKind() EventKind { return KindIncomplete }

// FailedEvent terminates a response with a session-level failure.
type FailedEvent struct {
	Envelope
	Code    string
	Message string
}

func (FailedEvent) eventKind() EventKind { return KindFailed }

// ErrorEvent is an inline error notice from the backend.
type ErrorEvent struct {
	Envelope
	Code    string
	Message string
	Param   string
}

func (ErrorEvent) eventKind() EventKind { return KindError }

// UnknownEvent preserves events the engine does not understand.
// The dispatcher logs and drops them; new backend event types must not
// crash an in-flight session.
type UnknownEvent struct {
	Envelope
	Type string
	Raw  []byte
}

func (UnknownEvent) eventKind() EventKind { return KindUnknown }
