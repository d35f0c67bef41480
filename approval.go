package turn

import (
	"github.com/google/uuid"
)

func handleApprovalRequest(s *Session, ev Event) {
	e := ev.(ApprovalRequestEvent)
	if _, exists := s.approvalItems[e.ApprovalID]; exists {
		return
	}
	s.approvalItems[e.ApprovalID] = e.ItemID

	s.store.addApproval(ApprovalRequest{
		ID:          e.ApprovalID,
		ItemID:      e.ItemID,
		ToolName:    e.ToolName,
		ServerLabel: e.ServerLabel,
		Arguments:   prettyJSON(e.Arguments),
		Status:      ApprovalPending,
	})

	// The associated tool call must not complete while the decision is
	// outstanding. Other events keep flowing.
	if e.ItemID != "" {
		s.tracker.upsert(OutputItem{
			ID:          e.ItemID,
			Kind:        ToolMCP,
			Name:        e.ToolName,
			ServerLabel: e.ServerLabel,
		})
		s.tracker.hold(e.ItemID)
		s.store.markToolUsed(ToolMCP)
	}
}

// ResolveApproval records a human decision for a pending approval request
// and forwards it to the backend so the gated tool call can resume. The
// first resolution wins; repeat calls return ErrApprovalResolved.
func (s *Session) ResolveApproval(approvalID string, approve bool, reason string) error {
	res := make(chan error, 1)

	fx := func() {
		itemID, known := s.approvalItems[approvalID]
		if !known {
			res <- ErrApprovalUnknown
			return
		}

		status := ApprovalApproved
		if !approve {
			status = ApprovalRejected
		}
		if !s.store.resolveApproval(approvalID, status, reason) {
			res <- ErrApprovalResolved
			return
		}

		rec := s.tracker.release(itemID, approve)
		if !approve && rec != nil {
			text := "You declined the " + rec.Name + " call"
			if rec.ServerLabel != "" {
				text += " on " + rec.ServerLabel
			}
			text += "."
			if reason != "" {
				text += " Reason: " + reason + "."
			}
			s.store.addNotice(Notice{ID: uuid.New().String(), Text: text})
		}
		res <- nil

		if s.req.Submitter != nil {
			s.bg.Add(1)
			go func() {
				defer s.bg.Done()
				if err := s.req.Submitter.SubmitApproval(s.ctx, approvalID, approve, reason); err != nil {
					s.log.Warn("submitting approval decision failed",
						"approval_id", approvalID, "err", err)
				}
			}()
		}
	}

	select {
	case s.effects <- fx:
	case <-s.done:
		return ErrSessionTerminal
	case <-s.ctx.Done():
		return ErrSessionTerminal
	}

	select {
	case err := <-res:
		return err
	case <-s.done:
		return ErrSessionTerminal
	}
}
