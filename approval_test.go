package turn_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inspirepan/turn"
	"github.com/inspirepan/turn/internal/testutil"
)

// waitApproval reads snapshots until the approval request appears.
func waitApproval(t *testing.T, s *turn.Session) turn.ApprovalRequest {
	t.Helper()
	deadline := time.After(testutil.DefaultTimeout)
	for {
		select {
		case snap, ok := <-s.Snapshots():
			if !ok {
				t.Fatal("snapshot stream closed before the approval request appeared")
			}
			if len(snap.Approvals) > 0 {
				return snap.Approvals[0]
			}
		case <-deadline:
			t.Fatal("approval request never surfaced")
		}
	}
}

func approvalEvents(transport *testutil.ChanTransport) {
	transport.Emit(turn.CreatedEvent{Envelope: env(1)})
	transport.Emit(turn.ApprovalRequestEvent{
		Envelope:    env(2),
		ApprovalID:  "ap_1",
		ItemID:      "mcp_1",
		ToolName:    "send_email",
		ServerLabel: "gmail",
		Arguments:   `{"to":"a@example.com"}`,
	})
}

func TestApproval_ApproveForwardsDecision(t *testing.T) {
	transport := testutil.NewChanTransport()
	submitter := testutil.NewFakeSubmitter()

	s, err := turn.Start(context.Background(), turn.TurnRequest{
		MessageID: "m1",
		Transport: transport,
		Submitter: submitter,
	})
	require.NoError(t, err)

	approvalEvents(transport)
	req := waitApproval(t, s)
	assert.Equal(t, "ap_1", req.ID)
	assert.Equal(t, turn.ApprovalPending, req.Status)
	assert.Equal(t, "send_email", req.ToolName)

	require.NoError(t, s.ResolveApproval("ap_1", true, ""))

	// The approved call completes on its done event.
	transport.Emit(turn.ItemDoneEvent{Envelope: env(3), Item: turn.OutputItem{
		ID: "mcp_1", Kind: turn.ToolMCP, Name: "send_email", ServerLabel: "gmail",
		Status: turn.ItemCompleted,
	}})
	transport.Emit(turn.CompletedEvent{Envelope: env(4)})
	transport.End(nil)

	final, err := testutil.MustWait(t, s)
	require.NoError(t, err)

	require.Len(t, final.Approvals, 1)
	assert.Equal(t, turn.ApprovalApproved, final.Approvals[0].Status)
	assert.Empty(t, final.Notices)

	calls := submitter.Approvals()
	require.Len(t, calls, 1)
	assert.Equal(t, "ap_1", calls[0].ApprovalID)
	assert.True(t, calls[0].Approve)
}

func TestApproval_HeldDoneAppliesOnApproval(t *testing.T) {
	transport := testutil.NewChanTransport()

	s, err := turn.Start(context.Background(), turn.TurnRequest{
		MessageID: "m1",
		Transport: transport,
	})
	require.NoError(t, err)

	approvalEvents(transport)
	waitApproval(t, s)

	// The done event lands while the decision is still outstanding; it must
	// not complete the call yet.
	transport.Emit(turn.ItemDoneEvent{Envelope: env(3), Item: turn.OutputItem{
		ID: "mcp_1", Kind: turn.ToolMCP, Status: turn.ItemCompleted, Output: "sent",
	}})

	require.NoError(t, s.ResolveApproval("ap_1", true, ""))

	transport.Emit(turn.CompletedEvent{Envelope: env(4)})
	transport.End(nil)

	final, err := testutil.MustWait(t, s)
	require.NoError(t, err)
	require.Len(t, final.Approvals, 1)
	assert.Equal(t, turn.ApprovalApproved, final.Approvals[0].Status)
}

func TestApproval_RejectSurfacesNotice(t *testing.T) {
	transport := testutil.NewChanTransport()
	submitter := testutil.NewFakeSubmitter()

	s, err := turn.Start(context.Background(), turn.TurnRequest{
		MessageID: "m1",
		Transport: transport,
		Submitter: submitter,
	})
	require.NoError(t, err)

	approvalEvents(transport)
	waitApproval(t, s)

	require.NoError(t, s.ResolveApproval("ap_1", false, "wrong recipient"))

	transport.Emit(turn.CompletedEvent{Envelope: env(3)})
	transport.End(nil)

	final, err := testutil.MustWait(t, s)
	require.NoError(t, err)

	require.Len(t, final.Approvals, 1)
	assert.Equal(t, turn.ApprovalRejected, final.Approvals[0].Status)
	assert.Equal(t, "wrong recipient", final.Approvals[0].Reason)

	require.Len(t, final.Notices, 1)
	assert.Contains(t, final.Notices[0].Text, "declined")
	assert.Contains(t, final.Notices[0].Text, "wrong recipient")

	calls := submitter.Approvals()
	require.Len(t, calls, 1)
	assert.False(t, calls[0].Approve)
}

func TestApproval_FirstResolutionWins(t *testing.T) {
	transport := testutil.NewChanTransport()

	s, err := turn.Start(context.Background(), turn.TurnRequest{
		MessageID: "m1",
		Transport: transport,
	})
	require.NoError(t, err)

	approvalEvents(transport)
	waitApproval(t, s)

	require.NoError(t, s.ResolveApproval("ap_1", true, ""))
	require.ErrorIs(t, s.ResolveApproval("ap_1", false, "changed my mind"), turn.ErrApprovalResolved)

	transport.Emit(turn.CompletedEvent{Envelope: env(3)})
	transport.End(nil)

	final, err := testutil.MustWait(t, s)
	require.NoError(t, err)
	assert.Equal(t, turn.ApprovalApproved, final.Approvals[0].Status)
}

func TestApproval_UnknownID(t *testing.T) {
	transport := testutil.NewChanTransport()

	s, err := turn.Start(context.Background(), turn.TurnRequest{
		MessageID: "m1",
		Transport: transport,
	})
	require.NoError(t, err)

	transport.Emit(turn.CreatedEvent{Envelope: env(1)})
	testutil.WaitStatus(t, s, turn.StatusActive, testutil.DefaultTimeout)

	require.ErrorIs(t, s.ResolveApproval("ap_missing", true, ""), turn.ErrApprovalUnknown)

	transport.End(nil)
	_, err = testutil.MustWait(t, s)
	require.NoError(t, err)
}

func TestApproval_AfterTerminal(t *testing.T) {
	transport := testutil.NewScriptedTransport(
		turn.CreatedEvent{Envelope: env(1)},
		turn.ApprovalRequestEvent{Envelope: env(2), ApprovalID: "ap_1", ItemID: "mcp_1", ToolName: "send_email"},
		turn.CompletedEvent{Envelope: env(3)},
	)
	s, err := turn.Start(context.Background(), turn.TurnRequest{MessageID: "m1", Transport: transport})
	require.NoError(t, err)

	_, err = testutil.MustWait(t, s)
	require.NoError(t, err)

	require.ErrorIs(t, s.ResolveApproval("ap_1", true, ""), turn.ErrSessionTerminal)
}

func TestApproval_DuplicateRequestIgnored(t *testing.T) {
	transport := testutil.NewScriptedTransport(
		turn.CreatedEvent{Envelope: env(1)},
		turn.ApprovalRequestEvent{Envelope: env(2), ApprovalID: "ap_1", ItemID: "mcp_1", ToolName: "send_email"},
		turn.ApprovalRequestEvent{Envelope: env(3), ApprovalID: "ap_1", ItemID: "mcp_1", ToolName: "send_email"},
		turn.CompletedEvent{Envelope: env(4)},
	)
	s, err := turn.Start(context.Background(), turn.TurnRequest{MessageID: "m1", Transport: transport})
	require.NoError(t, err)

	final, err := testutil.MustWait(t, s)
	require.NoError(t, err)
	assert.Len(t, final.Approvals, 1)
}
