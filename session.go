package turn

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of one streaming session.
type SessionStatus string

const (
	StatusIdle         SessionStatus = "idle"
	StatusActive       SessionStatus = "active"
	StatusAwaitingTool SessionStatus = "awaiting_tool_output"
	StatusRetrying     SessionStatus = "retrying"
	StatusTerminal     SessionStatus = "terminal"
)

// Session consumes one turn's event stream and owns its message state.
// All event handling happens on a single goroutine; background tasks hand
// results back as effects, so no two goroutines ever race on the state.
type Session struct {
	id        string
	messageID string
	cfg       config
	log       *slog.Logger
	req       TurnRequest

	store     *Store
	coalescer *coalescer
	tracker   *tracker

	// Owned by the session goroutine.
	lastResponseID string
	seq            int64
	attempts       int
	streamDone     bool
	streamErr      *SessionError
	finalUsage     *Usage
	continuations  int
	approvalItems  map[string]string
	artifactSeen   map[artifactKey]bool

	effects chan func()
	bg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	status    atomic.Value // SessionStatus
	snapshots chan Snapshot

	final    Snapshot
	finalErr error
}

func newSession(parent context.Context, req TurnRequest, cfg config) *Session {
	ctx, cancel := context.WithCancel(parent)
	store := newStore(req.MessageID)
	s := &Session{
		id:            uuid.New().String(),
		messageID:     req.MessageID,
		cfg:           cfg,
		log:           cfg.logger.With("session", req.MessageID),
		req:           req,
		store:         store,
		tracker:       newTracker(),
		approvalItems: make(map[string]string),
		artifactSeen:  make(map[artifactKey]bool),
		effects:       make(chan func(), 16),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
		snapshots:     store.subscribe(),
	}
	s.coalescer = newCoalescer(store, cfg.estimator, cfg.flushThreshold)
	s.status.Store(StatusIdle)
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Status returns the current lifecycle state.
func (s *Session) Status() SessionStatus { return s.status.Load().(SessionStatus) }

// Snapshots returns the observable snapshot stream. The channel carries the
// latest consistent snapshot and closes when the session ends.
func (s *Session) Snapshots() <-chan Snapshot { return s.snapshots }

// Done is closed when the session reaches terminal.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session ends and returns the frozen final snapshot.
func (s *Session) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case <-s.done:
		return s.final, s.finalErr
	}
}

// Cancel tears the session down: all outstanding background tasks are
// cancelled and the session becomes terminal. Safe to call multiple times.
func (s *Session) Cancel() {
	s.cancel()
}

func (s *Session) setStatus(st SessionStatus) {
	if s.Status() == StatusTerminal {
		return
	}
	s.status.Store(st)
	s.store.setStatus(st)
}

// post hands a mutation back to the session goroutine. Results arriving
// after teardown are discarded.
func (s *Session) post(fx func()) {
	select {
	case s.effects <- fx:
	case <-s.ctx.Done():
	}
}

func (s *Session) run() {
	defer close(s.done)

	transport := s.req.Transport
	for {
		err := s.consume(transport)
		_ = transport.Close()

		if err == nil {
			s.finishTerminal(nil)
			return
		}
		if errors.Is(err, context.Canceled) {
			s.finishTerminal(context.Canceled)
			return
		}

		se := classifyTransportError(err)
		if se.Retriable() && s.req.Reissuer != nil && s.attempts < s.cfg.maxAttempts {
			s.attempts++
			s.log.Info("retrying after transient failure",
				"attempt", s.attempts, "max", s.cfg.maxAttempts, "err", se.Message)
			s.setStatus(StatusRetrying)
			s.store.publish()

			select {
			case <-s.ctx.Done():
				s.finishTerminal(context.Canceled)
				return
			case <-time.After(s.cfg.retryInterval):
			}

			next, rerr := s.req.Reissuer.Reissue(s.ctx, s.lastResponseID)
			if rerr != nil {
				transport = failedTransport{err: rerr}
				continue
			}
			// The reissued request answers with a fresh response id;
			// committed text is kept, deltas are never replayed.
			s.lastResponseID = ""
			s.streamErr = nil
			transport = next
			continue
		}

		if se.Class == ClassAuth {
			s.cfg.auth.Invalidate(se.ServerLabel)
		}
		s.finishTerminal(se)
		return
	}
}

// consume drains one transport attempt. It returns nil once the stream and
// every terminal-blocking follow-up are done, or the failure to classify.
func (s *Session) consume(t Transport) error {
	attemptDone := make(chan struct{})
	defer close(attemptDone)

	// The reader closes evCh after the last event it delivered; tailErr is
	// written before that close, so the loop below only ever observes the
	// stream's end after draining every buffered event. End-of-stream is
	// ordered behind the deltas, never raced against them.
	evCh := make(chan Event, 16)
	var tailErr error
	go func() {
		defer close(evCh)
		for {
			ev, err := t.Next(s.ctx)
			if err != nil {
				tailErr = err
				return
			}
			select {
			case evCh <- ev:
			case <-attemptDone:
				return
			}
		}
	}()

	for {
		select {
		case <-s.ctx.Done():
			return context.Canceled

		case fx := <-s.effects:
			fx()
			s.store.publish()

		case ev, ok := <-evCh:
			if !ok {
				evCh = nil
				err := tailErr
				switch {
				case err == nil, errors.Is(err, io.EOF):
					s.streamDone = true
				case errors.Is(err, context.Canceled):
					return context.Canceled
				default:
					return err
				}
				break
			}
			s.dispatch(ev)
			s.store.publish()
			if s.streamErr != nil {
				return s.streamErr
			}
		}

		if !s.streamDone {
			continue
		}
		if s.continuations > 0 {
			// A computer-use follow-up still owes its continuation output;
			// the session stays awaitingToolOutput until it resolves (or
			// its bounded poll gives up).
			s.setStatus(StatusAwaitingTool)
			s.store.publish()
			continue
		}
		return nil
	}
}

// finishTerminal force-flushes buffered text, finalizes usage, freezes the
// message and releases every background task. err is nil for a clean end.
func (s *Session) finishTerminal(err error) {
	s.coalescer.flush()
	if s.finalUsage != nil {
		s.store.setUsage(*s.finalUsage)
	}

	var se *SessionError
	if errors.As(err, &se) {
		if s.attempts >= s.cfg.maxAttempts && se.Retriable() {
			se = &SessionError{
				Class:   ClassUnknown,
				Code:    se.Code,
				Message: "giving up after " + strconv.Itoa(s.attempts) + " attempts: " + se.Message,
			}
		}
		s.store.addNotice(Notice{ID: uuid.New().String(), Text: remediationNotice(se)})
		err = se
	}

	s.setStatus(StatusTerminal)
	s.store.publish()
	s.store.freeze()

	s.cancel()
	s.bg.Wait()

	s.final = s.store.snapshot()
	s.finalErr = err
	s.store.closeSubs()
}

// resolveArtifact kicks off an asynchronous fetch for a file annotation.
// Repeated annotations for the same (containerID, fileID) are ignored.
func (s *Session) resolveArtifact(e AnnotationEvent) {
	key := artifactKey{e.ContainerID, e.FileID}
	if s.artifactSeen[key] {
		return
	}
	s.artifactSeen[key] = true

	if a, ok := s.cfg.artifacts.Get(e.ContainerID, e.FileID); ok {
		s.store.appendArtifact(a)
		return
	}

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		a := s.cfg.artifacts.Resolve(s.ctx, s.req.Fetcher, e.ContainerID, e.FileID, e.Filename)
		s.post(func() {
			s.store.appendArtifact(a)
		})
	}()
}

// startComputerFollowUp retrieves the screenshot for a finished computer-use
// action and submits it as continuation output. The session holds in
// awaitingToolOutput until the task resolves; the poll is bounded so a hung
// backend cannot pin the session forever.
func (s *Session) startComputerFollowUp(rec *ToolCallRecord) {
	s.continuations++
	s.setStatus(StatusAwaitingTool)

	itemID := rec.ItemID
	screenshotRef := rec.Output

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()

		var shot []byte
		var lastErr error
		for attempt := 0; attempt < s.cfg.pollAttempts; attempt++ {
			if attempt > 0 {
				select {
				case <-s.ctx.Done():
					return
				case <-time.After(s.cfg.pollInterval):
				}
			}
			data, err := s.fetchScreenshot(itemID, screenshotRef)
			if err == nil {
				shot = data
				break
			}
			lastErr = err
		}

		if shot == nil {
			s.log.Warn("computer-use follow-up timed out", "item_id", itemID, "err", lastErr)
			// Refresh observers from the last known state instead of
			// leaving the UI stale behind a spinner.
			s.post(func() {
				s.continuations--
				if s.continuations == 0 {
					s.setStatus(StatusActive)
				}
				s.store.touch()
			})
			return
		}

		encoded := base64.StdEncoding.EncodeToString(shot)
		if s.req.Submitter != nil {
			if err := s.req.Submitter.SubmitToolOutput(s.ctx, itemID, encoded); err != nil {
				s.log.Warn("submitting computer-use output failed", "item_id", itemID, "err", err)
			}
		}
		s.post(func() {
			s.store.appendImage(Image{ItemID: itemID, MimeType: "image/png", DataB64: encoded, Final: true})
			s.continuations--
			if s.continuations == 0 {
				s.setStatus(StatusActive)
			}
		})
	}()
}

func (s *Session) fetchScreenshot(itemID, ref string) ([]byte, error) {
	if ref == "" {
		ref = itemID
	}
	if s.req.Fetcher == nil {
		return nil, errors.New("no content fetcher configured")
	}
	return s.req.Fetcher.FetchFile(s.ctx, ref)
}

// failedTransport lets a failed reissue flow through the normal
// classification path on the next consume.
type failedTransport struct{ err error }

func (t failedTransport) Next(context.Context) (Event, error) { return nil, t.err }
func (t failedTransport) Close() error                        { return nil }
