// Package testutil provides common testing utilities for session tests.
package testutil

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/inspirepan/turn"
)

const DefaultTimeout = 5 * time.Second

// ScriptedTransport replays a fixed event sequence, then returns io.EOF or
// a configured terminal error. It implements turn.Transport.
type ScriptedTransport struct {
	mu     sync.Mutex
	events []turn.Event
	idx    int
	tail   error
	delay  time.Duration
	closed bool
}

func NewScriptedTransport(events ...turn.Event) *ScriptedTransport {
	return &ScriptedTransport{events: events}
}

// FailWith makes the transport end with err instead of io.EOF.
func (t *ScriptedTransport) FailWith(err error) *ScriptedTransport {
	t.tail = err
	return t
}

// WithDelay inserts a fixed pause before each event.
func (t *ScriptedTransport) WithDelay(d time.Duration) *ScriptedTransport {
	t.delay = d
	return t
}

func (t *ScriptedTransport) Next(ctx context.Context) (turn.Event, error) {
	t.mu.Lock()
	if t.idx >= len(t.events) {
		tail := t.tail
		t.mu.Unlock()
		if tail != nil {
			return nil, tail
		}
		return nil, io.EOF
	}
	ev := t.events[t.idx]
	t.idx++
	delay := t.delay
	t.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return ev, nil
}

func (t *ScriptedTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *ScriptedTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// ChanTransport feeds events from the test goroutine, so a test can
// interleave session calls with specific stream positions.
type ChanTransport struct {
	ch     chan turn.Event
	tail   chan error
	closed chan struct{}
	once   sync.Once
}

func NewChanTransport() *ChanTransport {
	return &ChanTransport{
		ch:     make(chan turn.Event, 64),
		tail:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

// Emit queues one event for delivery.
func (t *ChanTransport) Emit(ev turn.Event) { t.ch <- ev }

// End closes the stream. A nil err ends it cleanly (io.EOF).
func (t *ChanTransport) End(err error) {
	if err == nil {
		err = io.EOF
	}
	t.tail <- err
	close(t.ch)
}

func (t *ChanTransport) Next(ctx context.Context) (turn.Event, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case ev, ok := <-t.ch:
		if !ok {
			return nil, <-t.tail
		}
		return ev, nil
	}
}

func (t *ChanTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

func (t *ChanTransport) Closed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// FakeFetcher serves canned file content and counts fetches.
type FakeFetcher struct {
	mu             sync.Mutex
	Files          map[string][]byte
	ContainerFiles map[string][]byte
	Err            error
	calls          int
}

func NewFakeFetcher() *FakeFetcher {
	return &FakeFetcher{
		Files:          make(map[string][]byte),
		ContainerFiles: make(map[string][]byte),
	}
}

func (f *FakeFetcher) FetchContainerFile(_ context.Context, containerID, fileID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.Err != nil {
		return nil, f.Err
	}
	data, ok := f.ContainerFiles[containerID+"/"+fileID]
	if !ok {
		return nil, fmt.Errorf("container file %s/%s not found", containerID, fileID)
	}
	return data, nil
}

func (f *FakeFetcher) FetchFile(_ context.Context, fileID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.Err != nil {
		return nil, f.Err
	}
	data, ok := f.Files[fileID]
	if !ok {
		return nil, fmt.Errorf("file %s not found", fileID)
	}
	return data, nil
}

func (f *FakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// ApprovalCall records one submitted approval decision.
type ApprovalCall struct {
	ApprovalID string
	Approve    bool
	Reason     string
}

// OutputCall records one submitted tool output.
type OutputCall struct {
	ItemID string
	Output string
}

// FakeSubmitter records continuation submissions.
type FakeSubmitter struct {
	mu        sync.Mutex
	approvals []ApprovalCall
	outputs   []OutputCall
	Err       error
}

func NewFakeSubmitter() *FakeSubmitter { return &FakeSubmitter{} }

func (s *FakeSubmitter) SubmitApproval(_ context.Context, approvalID string, approve bool, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.approvals = append(s.approvals, ApprovalCall{approvalID, approve, reason})
	return nil
}

func (s *FakeSubmitter) SubmitToolOutput(_ context.Context, itemID, output string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.outputs = append(s.outputs, OutputCall{itemID, output})
	return nil
}

func (s *FakeSubmitter) Approvals() []ApprovalCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ApprovalCall(nil), s.approvals...)
}

func (s *FakeSubmitter) Outputs() []OutputCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]OutputCall(nil), s.outputs...)
}

// FakeReissuer hands out queued transports on retry.
type FakeReissuer struct {
	mu         sync.Mutex
	transports []turn.Transport
	calls      int
	LastRespID string
}

func NewFakeReissuer(transports ...turn.Transport) *FakeReissuer {
	return &FakeReissuer{transports: transports}
}

func (r *FakeReissuer) Reissue(_ context.Context, lastResponseID string) (turn.Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.LastRespID = lastResponseID
	if len(r.transports) == 0 {
		return nil, fmt.Errorf("no transport available")
	}
	t := r.transports[0]
	r.transports = r.transports[1:]
	return t, nil
}

func (r *FakeReissuer) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// WaitStatus polls until the session reaches the wanted status or the
// timeout elapses.
func WaitStatus(t *testing.T, s *turn.Session, want turn.SessionStatus, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.Status() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session never reached status %q (stuck at %q)", want, s.Status())
}

// MustWait waits for the session to end and fails the test on timeout.
func MustWait(t *testing.T, s *turn.Session) (turn.Snapshot, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()
	snap, err := s.Wait(ctx)
	if ctx.Err() != nil {
		t.Fatalf("session did not finish within %v", DefaultTimeout)
	}
	return snap, err
}
