package turn

import (
	"encoding/base64"
	"fmt"
	"strconv"
)

type handlerFunc func(*Session, Event)

// handlers is the routing table from event kind to handler. Handlers run on
// the session goroutine and are the only writers to message state.
var handlers = map[EventKind]handlerFunc{
	KindCreated:         handleCreated,
	KindInProgress:      handleInProgress,
	KindItemAdded:       handleItemAdded,
	KindTextDelta:       handleTextDelta,
	KindTextDone:        handleTextDone,
	KindArgsDelta:       handleArgsDelta,
	KindArgsDone:        handleArgsDone,
	KindItemDone:        handleItemDone,
	KindImageProgress:   handleImageProgress,
	KindAnnotation:      handleAnnotation,
	KindListTools:       handleListTools,
	KindApprovalRequest: handleApprovalRequest,
	KindCompleted:       handleCompleted,
	KindIncomplete:      handleIncomplete,
	KindFailed:          handleFailed,
	KindError:           handleError,
}

// dispatch routes one event. Events carrying a response id other than the
// session's recorded one are dropped: after a reconnect the stale stream
// must not mutate this message.
func (s *Session) dispatch(ev Event) {
	env := ev.envelope()
	if env.Seq > 0 {
		s.seq = env.Seq
	}
	if env.ResponseID != "" {
		if s.lastResponseID == "" {
			s.lastResponseID = env.ResponseID
		} else if env.ResponseID != s.lastResponseID {
			s.log.Debug("dropping event from stale response",
				"kind", ev.eventKind(), "response_id", env.ResponseID, "want", s.lastResponseID)
			return
		}
	}

	h, ok := handlers[ev.eventKind()]
	if !ok {
		if u, isUnknown := ev.(UnknownEvent); isUnknown {
			s.log.Debug("dropping unknown event", "type", u.Type, "seq", u.Seq)
		} else {
			s.log.Debug("dropping unhandled event", "kind", ev.eventKind())
		}
		return
	}
	h(s, ev)
}

func handleCreated(s *Session, ev Event) {
	e := ev.(CreatedEvent)
	if e.MessageID != "" && e.MessageID != s.messageID {
		s.log.Debug("dropping event for foreign message", "message_id", e.MessageID)
		return
	}
	s.setStatus(StatusActive)
}

func handleInProgress(s *Session, _ Event) {
	s.setStatus(StatusActive)
}

func handleItemAdded(s *Session, ev Event) {
	e := ev.(ItemAddedEvent)
	if e.Item.Kind == "" {
		return
	}
	s.tracker.upsert(e.Item)
	s.store.markToolUsed(e.Item.Kind)
}

func handleTextDelta(s *Session, ev Event) {
	e := ev.(TextDeltaEvent)
	s.coalescer.add(e.Delta)
}

func handleTextDone(s *Session, ev Event) {
	e := ev.(TextDoneEvent)
	s.coalescer.flush()
	if e.Text != "" && e.Text != s.store.msg.Text {
		s.log.Debug("final text differs from accumulated deltas", "item_id", e.ItemID)
	}
}

func handleArgsDelta(s *Session, ev Event) {
	e := ev.(ArgsDeltaEvent)
	s.tracker.addArgsDelta(e.ItemID, e.Delta)
}

func handleArgsDone(s *Session, ev Event) {
	e := ev.(ArgsDoneEvent)
	s.tracker.finalizeArgs(e.ItemID, e.Arguments)
}

func handleItemDone(s *Session, ev Event) {
	e := ev.(ItemDoneEvent)
	if e.Item.Kind == "" {
		return
	}
	rec, applied := s.tracker.finish(e.Item)
	if !applied {
		return
	}

	switch {
	case rec.Status == ToolFailed:
		s.reportToolFailure(rec)
	case rec.Kind == ToolMCP:
		s.cfg.auth.MarkAuthorized(rec.ServerLabel)
	case rec.Kind == ToolComputerUse:
		s.startComputerFollowUp(rec)
	case rec.Kind == ToolImageGeneration && e.Item.Output != "":
		s.store.appendImage(Image{
			ItemID:   rec.ItemID,
			MimeType: "image/png",
			DataB64:  e.Item.Output,
			Final:    true,
		})
	}
}

// reportToolFailure surfaces a failed tool call as a scoped notice. A 401 or
// 403 from an MCP server additionally invalidates its cached authorization.
func (s *Session) reportToolFailure(rec *ToolCallRecord) {
	detail := rec.Err
	if detail == nil {
		detail = &ToolErrorDetail{Message: "tool call failed"}
	}
	if rec.Kind == ToolMCP && (detail.Code == 401 || detail.Code == 403) {
		s.cfg.auth.Invalidate(rec.ServerLabel)
	}

	text := (&ToolError{ItemID: rec.ItemID, Name: rec.Name, ServerLabel: rec.ServerLabel, Detail: detail}).Error()
	if hint := integrationHint(rec.ServerLabel, detail.Code); hint != "" {
		text += " " + hint
	}
	s.store.addNotice(Notice{
		ID:   rec.ItemID,
		Key:  failureKey(rec.ServerLabel, detail),
		Text: text,
	})
}

func handleImageProgress(s *Session, ev Event) {
	e := ev.(ImageProgressEvent)
	if e.B64Data == "" {
		return
	}
	if _, err := base64.StdEncoding.DecodeString(e.B64Data); err != nil {
		perr := &ProtocolError{Kind: KindImageProgress, Reason: "frame is not valid base64"}
		s.log.Debug("dropping malformed event", "item_id", e.ItemID, "err", perr)
		return
	}
	s.store.appendImage(Image{
		ItemID:   e.ItemID,
		MimeType: "image/png",
		DataB64:  e.B64Data,
		Final:    e.Final,
	})
	s.store.markToolUsed(ToolImageGeneration)
}

func handleAnnotation(s *Session, ev Event) {
	e := ev.(AnnotationEvent)
	switch e.Kind {
	case AnnotationURL:
		s.store.appendWebURL(WebURL{URL: e.URL, Title: e.Title})
	case AnnotationFile, AnnotationContainerFile:
		s.resolveArtifact(e)
	default:
		s.log.Debug("dropping annotation of unknown kind", "annotation_kind", e.Kind)
	}
}

func handleListTools(s *Session, ev Event) {
	e := ev.(ListToolsEvent)
	s.store.markToolUsed(ToolMCP)

	detail := e.Error
	if detail == nil && e.ErrorText != "" {
		detail = parseErrorText(e.ErrorText, ItemFailed)
	}
	if detail == nil && e.Status != ItemFailed {
		// Listing succeeded: clear the de-duplication key so a future
		// identical failure is surfaced again.
		s.cfg.mcpFailures.Clear(e.ServerLabel)
		s.store.clearNoticeKey("mcp_list_tools:" + e.ServerLabel)
		s.cfg.auth.MarkAuthorized(e.ServerLabel)
		return
	}
	if detail == nil {
		detail = &ToolErrorDetail{Message: "listing tools failed"}
	}
	if detail.Code == 401 || detail.Code == 403 {
		s.cfg.auth.Invalidate(e.ServerLabel)
	}
	if !s.cfg.mcpFailures.Record(e.ServerLabel, failureKey(e.ServerLabel, detail)) {
		return
	}

	text := fmt.Sprintf("Could not list tools from the %s server", e.ServerLabel)
	if detail.Message != "" {
		text += ": " + detail.Message
	} else if detail.Code != 0 {
		text += " (HTTP " + strconv.Itoa(detail.Code) + ")"
	}
	text += "."
	if hint := integrationHint(e.ServerLabel, detail.Code); hint != "" {
		text += " " + hint
	}
	s.store.addNotice(Notice{
		ID:   e.ItemID,
		Key:  "mcp_list_tools:" + e.ServerLabel,
		Text: text,
	})
}

func handleCompleted(s *Session, ev Event) {
	e := ev.(CompletedEvent)
	s.finalUsage = e.Usage
	s.streamDone = true
}

func handleIncomplete(s *Session, ev Event) {
	e := ev.(IncompleteEvent)
	s.finalUsage = e.Usage
	s.streamDone = true
	reason := e.Reason
	if reason == "" {
		reason = "the response stopped early"
	}
	s.store.addNotice(Notice{
		ID:   s.lastResponseID,
		Key:  "incomplete:" + reason,
		Text: "The response is incomplete: " + reason + ".",
	})
}

func handleFailed(s *Session, ev Event) {
	e := ev.(FailedEvent)
	s.streamErr = classifyFailure(e.Code, e.Message)
}

func handleError(s *Session, ev Event) {
	e := ev.(ErrorEvent)
	s.streamErr = classifyFailure(e.Code, e.Message)
}

func failureKey(serverLabel string, detail *ToolErrorDetail) string {
	return serverLabel + ":" + detail.Type + ":" + strconv.Itoa(detail.Code) + ":" + detail.Message
}
