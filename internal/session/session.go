// Package session owns the active conversation: the ordered message list,
// the navigation locator that identifies it, and the reconciliation of the
// competing triggers: user navigation, send initiation, and frames
// arriving on a live stream. All message mutation happens here; collaborators
// only ever observe snapshots.
package session

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"

	"chatrelay/internal/models"
	"chatrelay/internal/quota"
	"chatrelay/internal/stream"
)

// State is the session's position in the send lifecycle. Termination is a
// transient transition that collapses back to Idle once cleanup has run.
type State int

const (
	StateIdle State = iota
	StateSending
	StateStreaming
)

var (
	// ErrGuestLimit means the guest quota gate refused the send before any
	// network call was made.
	ErrGuestLimit = errors.New("guest message limit reached; sign in to continue")

	// ErrBusy means a stream is already active for this session.
	ErrBusy = errors.New("a response is already streaming")
)

// Backend is the slice of the API client the reconciler needs.
type Backend interface {
	Messages(ctx context.Context, conversationID int64) ([]models.Message, error)
	StreamChat(ctx context.Context, req models.ChatRequest) (io.ReadCloser, error)
}

// Navigator is the shareable navigation state (the `c` query parameter in
// the browser, the prompt banner in the terminal client). SetLocator must
// preserve any unrelated navigation state it carries.
type Navigator interface {
	SetLocator(conversationID int64)
}

type Options struct {
	Backend   Backend
	Navigator Navigator
	Gate      *quota.Gate // nil disables guest gating

	// OnUpdate fires after any change to the message list; the UI
	// re-renders from a Messages snapshot.
	OnUpdate func()
	// OnRefresh tells collaborators (sidebar listing) to re-sync with
	// server-persisted state. Fired on locator adoption and on every
	// stream termination, whatever the cause.
	OnRefresh func()

	Model       string
	Temperature float64
	MaxTokens   int
}

type navChange struct {
	locator int64
	present bool
}

type Session struct {
	opts Options

	// ctx bounds background work (history fetches) to the session's life.
	ctx context.Context

	mu       sync.Mutex
	state    State
	messages []models.Message
	locator  int64 // 0 = new/untitled conversation

	// suppressNav guards against the navigation-change trigger that the
	// session itself causes when it rewrites the locator mid-stream.
	// Cleared unconditionally on stream termination: a stuck flag would
	// silently disable every future navigation-driven load.
	suppressNav bool

	// deferredNav holds the last navigation change that arrived while a
	// stream was active; it is replayed once the stream terminates.
	deferredNav *navChange

	// fetchSeq tags in-flight history fetches so a superseded fetch's
	// result is discarded instead of clobbering newer state.
	fetchSeq uint64

	cancelStream context.CancelFunc
	streamDone   chan struct{}
}

func New(ctx context.Context, opts Options) *Session {
	return &Session{opts: opts, ctx: ctx}
}

// Messages returns a snapshot of the current message list.
func (s *Session) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Locator returns the active conversation id, 0 when untitled.
func (s *Session) Locator() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locator
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Navigate reacts to a navigation change: locator present means "open this
// conversation", absent means "fresh conversation". While a stream is
// active (or the self-inflicted rewrite is being suppressed) the change is
// deferred and reprocessed on termination, so an in-flight response is
// never discarded by a URL change.
func (s *Session) Navigate(locator int64, present bool) {
	s.mu.Lock()

	if s.suppressNav || s.state != StateIdle {
		s.deferredNav = &navChange{locator: locator, present: present}
		s.mu.Unlock()
		return
	}

	if !present {
		if s.locator == 0 {
			s.mu.Unlock()
			return
		}
		s.locator = 0
		s.messages = nil
		s.fetchSeq++ // invalidate any in-flight history fetch
		s.mu.Unlock()
		s.notifyUpdate()
		return
	}

	if locator == s.locator {
		s.mu.Unlock()
		return
	}

	s.locator = locator
	s.fetchSeq++
	seq := s.fetchSeq
	s.mu.Unlock()

	go s.loadHistory(locator, seq)
}

// loadHistory fetches and installs a conversation's history. A failure is
// silently ignored (stale-but-consistent beats a disruptive error for a
// background reconciliation), and a result that no longer matches the
// currently requested locator is discarded.
func (s *Session) loadHistory(locator int64, seq uint64) {
	msgs, err := s.opts.Backend.Messages(s.ctx, locator)
	if err != nil {
		return
	}

	s.mu.Lock()
	if s.fetchSeq != seq {
		s.mu.Unlock()
		return
	}
	s.messages = msgs
	s.mu.Unlock()
	s.notifyUpdate()
}

// Send appends the user message plus an empty assistant placeholder and
// starts the response stream. Returns ErrGuestLimit without touching the
// network when the quota gate is closed, and ErrBusy while a stream is
// already active.
func (s *Session) Send(text string) error {
	if s.opts.Gate != nil && s.opts.Gate.Blocked() {
		return ErrGuestLimit
	}

	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrBusy
	}

	s.messages = append(s.messages, models.Message{Role: models.RoleUser, Content: text})

	// Snapshot before the placeholder goes in: the placeholder is local
	// presentation state, not part of the request.
	history := make([]models.Message, len(s.messages))
	copy(history, s.messages)

	s.messages = append(s.messages, models.Message{Role: models.RoleAssistant})

	req := models.ChatRequest{
		Model:       s.opts.Model,
		Messages:    history,
		Temperature: s.opts.Temperature,
		MaxTokens:   s.opts.MaxTokens,
	}
	if s.locator != 0 {
		id := s.locator
		req.ConversationID = &id
	}

	streamCtx, cancel := context.WithCancel(s.ctx)
	s.state = StateSending
	s.cancelStream = cancel
	s.streamDone = make(chan struct{})
	done := s.streamDone
	s.mu.Unlock()

	s.notifyUpdate()
	go s.runStream(streamCtx, req, done)
	return nil
}

// Stop cancels the active stream, if any. The assistant message keeps
// whatever partial content it has; nothing is rolled back.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel := s.cancelStream
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the current stream terminates. Returns immediately
// when no stream is active.
func (s *Session) Wait() {
	s.mu.Lock()
	done := s.streamDone
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// runStream drives one response stream from request to termination.
func (s *Session) runStream(ctx context.Context, req models.ChatRequest, done chan struct{}) {
	defer s.finishStream(ctx, done)

	body, err := s.opts.Backend.StreamChat(ctx, req)
	if err != nil {
		if ctx.Err() == nil {
			s.appendSystemError("The assistant is unavailable right now: " + err.Error())
		}
		return
	}
	defer body.Close()

	s.mu.Lock()
	s.state = StateStreaming
	s.mu.Unlock()

	dec := stream.NewDecoder(body)
	for {
		frame, err := dec.Next()
		if err != nil {
			// io.EOF is natural completion; a cancelled read or a dropped
			// connection terminates the stream with the partial content
			// already applied left in place.
			return
		}
		s.applyFrame(frame)
	}
}

// applyFrame folds one decoded frame into session state.
func (s *Session) applyFrame(f stream.Frame) {
	switch f.Kind {
	case stream.ContentDelta:
		s.mu.Lock()
		s.appendDeltaLocked(f.Text)
		s.mu.Unlock()
		s.notifyUpdate()

	case stream.Meta:
		s.adoptLocator(f.ConversationID)
	}
}

// appendDeltaLocked concatenates delta text onto the nearest trailing
// assistant message. The scan from the end matters: an error entry may have
// been appended after the placeholder.
func (s *Session) appendDeltaLocked(text string) {
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Role == models.RoleAssistant {
			s.messages[i].Content += text
			return
		}
	}
	// No placeholder survived; recreate one rather than drop the delta.
	s.messages = append(s.messages, models.Message{Role: models.RoleAssistant, Content: text})
}

// adoptLocator installs the server-assigned conversation id for a session
// that has none yet. The navigation rewrite it performs would itself
// trigger Navigate, so navigation reaction is suppressed until the stream
// terminates. A second meta frame carrying a different id is ignored and
// flagged; the locator is immutable once set.
func (s *Session) adoptLocator(id int64) {
	s.mu.Lock()
	if s.locator != 0 {
		if s.locator != id {
			log.Printf("stream sent conversation id %d but session already has %d; ignoring", id, s.locator)
		}
		s.mu.Unlock()
		return
	}
	s.locator = id
	s.suppressNav = true
	s.mu.Unlock()

	if s.opts.Navigator != nil {
		s.opts.Navigator.SetLocator(id)
	}
	s.notifyRefresh()
}

// finishStream runs the termination cleanup shared by natural completion,
// upstream failure and user cancellation: clear the suppression flag, tell
// collaborators to re-sync, count the guest send, and replay any deferred
// navigation.
func (s *Session) finishStream(ctx context.Context, done chan struct{}) {
	s.mu.Lock()
	s.suppressNav = false
	s.state = StateIdle
	s.cancelStream = nil
	s.streamDone = nil
	pending := s.deferredNav
	s.deferredNav = nil
	s.mu.Unlock()

	s.notifyRefresh()

	if s.opts.Gate != nil && !s.opts.Gate.Authenticated() {
		if err := s.opts.Gate.Increment(s.ctx); err != nil {
			log.Printf("guest counter update failed: %v", err)
		}
	}

	close(done)
	s.notifyUpdate()

	if pending != nil {
		s.Navigate(pending.locator, pending.present)
	}
}

func (s *Session) appendSystemError(text string) {
	s.mu.Lock()
	s.messages = append(s.messages, models.Message{Role: models.RoleSystem, Content: text})
	s.mu.Unlock()
	s.notifyUpdate()
}

func (s *Session) notifyUpdate() {
	if s.opts.OnUpdate != nil {
		s.opts.OnUpdate()
	}
}

func (s *Session) notifyRefresh() {
	if s.opts.OnRefresh != nil {
		s.opts.OnRefresh()
	}
}
