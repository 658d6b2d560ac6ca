package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"chatrelay/internal/models"
	"chatrelay/internal/quota"
)

// fakeStream feeds scripted chunks to the decoder and honors context
// cancellation the way a real HTTP response body does.
type fakeStream struct {
	ctx    context.Context
	chunks chan string
}

func (f *fakeStream) Read(p []byte) (int, error) {
	select {
	case <-f.ctx.Done():
		return 0, f.ctx.Err()
	case s, ok := <-f.chunks:
		if !ok {
			return 0, io.EOF
		}
		return copy(p, s), nil
	}
}

func (f *fakeStream) Close() error { return nil }

func scriptedStream(ctx context.Context, chunks ...string) io.ReadCloser {
	ch := make(chan string, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return &fakeStream{ctx: ctx, chunks: ch}
}

type fakeBackend struct {
	mu           sync.Mutex
	history      map[int64][]models.Message
	historyGate  map[int64]chan struct{}
	historyErr   error
	historyCalls int
	requests     []models.ChatRequest
	streamFn     func(ctx context.Context) (io.ReadCloser, error)
}

func (f *fakeBackend) Messages(ctx context.Context, id int64) ([]models.Message, error) {
	f.mu.Lock()
	f.historyCalls++
	gate := f.historyGate[id]
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if f.historyErr != nil {
		return nil, f.historyErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history[id], nil
}

func (f *fakeBackend) StreamChat(ctx context.Context, req models.ChatRequest) (io.ReadCloser, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	fn := f.streamFn
	f.mu.Unlock()

	if fn == nil {
		return nil, errors.New("no stream scripted")
	}
	return fn(ctx)
}

func (f *fakeBackend) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.historyCalls
}

// fakeNav records locator rewrites. With echo set it feeds the rewrite
// back into the session as a navigation change, the way a browser fires a
// location event for the session's own pushState.
type fakeNav struct {
	mu   sync.Mutex
	sess *Session
	echo bool
	set  []int64
}

func (n *fakeNav) SetLocator(id int64) {
	n.mu.Lock()
	n.set = append(n.set, id)
	echo := n.echo
	n.mu.Unlock()

	if echo && n.sess != nil {
		n.sess.Navigate(id, true)
	}
}

func (n *fakeNav) rewrites() []int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]int64(nil), n.set...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSendStreamsResponse(t *testing.T) {
	be := &fakeBackend{}
	be.streamFn = func(ctx context.Context) (io.ReadCloser, error) {
		return scriptedStream(ctx,
			"data: {\"meta\":{\"conversationId\":7}}\n\n",
			"data: {\"content\":\"Hel\"}\n\n",
			"data: {\"content\":\"lo\"}\n\n",
		), nil
	}
	nav := &fakeNav{echo: true}

	sess := New(context.Background(), Options{Backend: be, Navigator: nav, Model: "test/model"})
	nav.sess = sess

	if err := sess.Send("hi"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	sess.Wait()

	if got := sess.Locator(); got != 7 {
		t.Errorf("Expected locator 7, got %d", got)
	}

	msgs := sess.Messages()
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d: %+v", len(msgs), msgs)
	}
	if msgs[0].Role != models.RoleUser || msgs[0].Content != "hi" {
		t.Errorf("Expected user 'hi', got %+v", msgs[0])
	}
	if msgs[1].Role != models.RoleAssistant || msgs[1].Content != "Hello" {
		t.Errorf("Expected assistant 'Hello', got %+v", msgs[1])
	}

	if rewrites := nav.rewrites(); len(rewrites) != 1 || rewrites[0] != 7 {
		t.Errorf("Expected one navigation rewrite to 7, got %v", rewrites)
	}

	// The echoed navigation change for the just-adopted locator must not
	// have triggered a history fetch that would discard the stream.
	if be.calls() != 0 {
		t.Errorf("Expected no history fetch, got %d", be.calls())
	}
}

func TestSendRequestExcludesPlaceholder(t *testing.T) {
	be := &fakeBackend{}
	be.streamFn = func(ctx context.Context) (io.ReadCloser, error) {
		return scriptedStream(ctx, "data: {\"content\":\"ok\"}\n\n"), nil
	}

	sess := New(context.Background(), Options{Backend: be})
	if err := sess.Send("question"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	sess.Wait()

	be.mu.Lock()
	defer be.mu.Unlock()
	if len(be.requests) != 1 {
		t.Fatalf("Expected 1 request, got %d", len(be.requests))
	}
	req := be.requests[0]
	if req.ConversationID != nil {
		t.Errorf("Expected nil conversation id, got %v", *req.ConversationID)
	}
	if len(req.Messages) != 1 || req.Messages[0].Content != "question" {
		t.Errorf("Expected only the user message in the request, got %+v", req.Messages)
	}
}

func TestNavigationLoadsHistory(t *testing.T) {
	be := &fakeBackend{
		history: map[int64][]models.Message{
			5: {
				{Role: models.RoleUser, Content: "old question"},
				{Role: models.RoleAssistant, Content: "old answer"},
			},
		},
	}

	sess := New(context.Background(), Options{Backend: be})
	sess.Navigate(5, true)

	waitFor(t, "history load", func() bool { return len(sess.Messages()) == 2 })

	if got := sess.Locator(); got != 5 {
		t.Errorf("Expected locator 5, got %d", got)
	}
	if msgs := sess.Messages(); msgs[0].Content != "old question" {
		t.Errorf("Expected chronological history, got %+v", msgs)
	}
}

func TestNavigationClearsSession(t *testing.T) {
	be := &fakeBackend{
		history: map[int64][]models.Message{5: {{Role: models.RoleUser, Content: "x"}}},
	}

	sess := New(context.Background(), Options{Backend: be})
	sess.Navigate(5, true)
	waitFor(t, "history load", func() bool { return len(sess.Messages()) == 1 })

	sess.Navigate(0, false)

	if got := sess.Locator(); got != 0 {
		t.Errorf("Expected cleared locator, got %d", got)
	}
	if msgs := sess.Messages(); len(msgs) != 0 {
		t.Errorf("Expected cleared messages, got %+v", msgs)
	}
}

func TestStaleHistoryFetchDiscarded(t *testing.T) {
	release := make(chan struct{})
	be := &fakeBackend{
		history: map[int64][]models.Message{
			1: {{Role: models.RoleUser, Content: "from one"}},
			2: {{Role: models.RoleUser, Content: "from two"}},
		},
		historyGate: map[int64]chan struct{}{1: release},
	}

	sess := New(context.Background(), Options{Backend: be})
	sess.Navigate(1, true)
	sess.Navigate(2, true)

	waitFor(t, "second fetch", func() bool {
		msgs := sess.Messages()
		return len(msgs) == 1 && msgs[0].Content == "from two"
	})

	// Let the superseded fetch resolve; its result must be discarded.
	close(release)
	time.Sleep(50 * time.Millisecond)

	if msgs := sess.Messages(); msgs[0].Content != "from two" {
		t.Errorf("Stale fetch result overwrote newer state: %+v", msgs)
	}
	if got := sess.Locator(); got != 2 {
		t.Errorf("Expected locator 2, got %d", got)
	}
}

func TestHistoryFetchFailureKeepsState(t *testing.T) {
	be := &fakeBackend{historyErr: errors.New("backend down")}

	sess := New(context.Background(), Options{Backend: be})
	sess.Navigate(9, true)

	time.Sleep(50 * time.Millisecond)
	if msgs := sess.Messages(); len(msgs) != 0 {
		t.Errorf("Expected untouched (empty) messages, got %+v", msgs)
	}
}

func TestNavigationDeferredWhileStreaming(t *testing.T) {
	chunks := make(chan string, 4)
	be := &fakeBackend{}
	be.streamFn = func(ctx context.Context) (io.ReadCloser, error) {
		return &fakeStream{ctx: ctx, chunks: chunks}, nil
	}

	sess := New(context.Background(), Options{Backend: be})
	if err := sess.Send("hi"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	chunks <- "data: {\"content\":\"partial\"}\n\n"
	waitFor(t, "partial content", func() bool {
		msgs := sess.Messages()
		return len(msgs) == 2 && msgs[1].Content == "partial"
	})

	// Navigate away mid-stream: must be deferred, not applied.
	sess.Navigate(0, false)
	if msgs := sess.Messages(); len(msgs) != 2 {
		t.Fatalf("Navigation during stream cleared messages: %+v", msgs)
	}

	close(chunks)
	sess.Wait()

	// Termination replays the deferred navigation.
	waitFor(t, "deferred navigation", func() bool { return len(sess.Messages()) == 0 })
}

func TestCancelPreservesPartialContent(t *testing.T) {
	chunks := make(chan string, 4)
	be := &fakeBackend{}
	be.streamFn = func(ctx context.Context) (io.ReadCloser, error) {
		return &fakeStream{ctx: ctx, chunks: chunks}, nil
	}

	sess := New(context.Background(), Options{Backend: be})
	if err := sess.Send("hi"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	chunks <- "data: {\"content\":\"par\"}\n\n"
	waitFor(t, "partial content", func() bool {
		msgs := sess.Messages()
		return len(msgs) == 2 && msgs[1].Content == "par"
	})

	sess.Stop()
	sess.Wait()

	msgs := sess.Messages()
	if msgs[1].Content != "par" {
		t.Errorf("Cancellation rolled back partial content: %+v", msgs[1])
	}
	if sess.State() != StateIdle {
		t.Errorf("Expected Idle after cancel, got %v", sess.State())
	}

	// A new send is permitted immediately after cancellation.
	be.mu.Lock()
	be.streamFn = func(ctx context.Context) (io.ReadCloser, error) {
		return scriptedStream(ctx, "data: {\"content\":\"again\"}\n\n"), nil
	}
	be.mu.Unlock()

	if err := sess.Send("retry"); err != nil {
		t.Fatalf("Send after cancel failed: %v", err)
	}
	sess.Wait()
}

func TestUpstreamFailureAppendsSystemMessage(t *testing.T) {
	be := &fakeBackend{}
	be.streamFn = func(ctx context.Context) (io.ReadCloser, error) {
		return nil, errors.New("connection refused")
	}

	sess := New(context.Background(), Options{Backend: be})
	if err := sess.Send("hi"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	sess.Wait()

	msgs := sess.Messages()
	last := msgs[len(msgs)-1]
	if last.Role != models.RoleSystem {
		t.Fatalf("Expected trailing system message, got %+v", last)
	}
	if sess.State() != StateIdle {
		t.Errorf("Expected Idle after failure, got %v", sess.State())
	}
}

func TestDeltaAfterSystemMessageFindsPlaceholder(t *testing.T) {
	// An error entry after the placeholder must not swallow later deltas:
	// the scan runs from the end to the nearest assistant entry.
	sess := New(context.Background(), Options{Backend: &fakeBackend{}})
	sess.mu.Lock()
	sess.messages = []models.Message{
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, Content: "part"},
		{Role: models.RoleSystem, Content: "transient warning"},
	}
	sess.appendDeltaLocked("ial")
	msgs := append([]models.Message(nil), sess.messages...)
	sess.mu.Unlock()

	if msgs[1].Content != "partial" {
		t.Errorf("Expected delta appended to assistant entry, got %+v", msgs[1])
	}
}

func TestSecondMetaFrameIgnored(t *testing.T) {
	be := &fakeBackend{}
	be.streamFn = func(ctx context.Context) (io.ReadCloser, error) {
		return scriptedStream(ctx,
			"data: {\"meta\":{\"conversationId\":7}}\n\n",
			"data: {\"meta\":{\"conversationId\":9}}\n\n",
		), nil
	}
	nav := &fakeNav{}

	sess := New(context.Background(), Options{Backend: be, Navigator: nav})
	if err := sess.Send("hi"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	sess.Wait()

	if got := sess.Locator(); got != 7 {
		t.Errorf("Expected locator to stay 7, got %d", got)
	}
	if rewrites := nav.rewrites(); len(rewrites) != 1 {
		t.Errorf("Expected a single navigation rewrite, got %v", rewrites)
	}
}

func TestGateBlocksSendBeforeNetwork(t *testing.T) {
	ctx := context.Background()
	store := quota.NewMemoryStore()
	store.Set(ctx, quota.CounterKey, "3")

	gate, err := quota.NewGate(ctx, store, 3)
	if err != nil {
		t.Fatalf("NewGate failed: %v", err)
	}

	be := &fakeBackend{}
	sess := New(ctx, Options{Backend: be, Gate: gate})

	if err := sess.Send("hi"); !errors.Is(err, ErrGuestLimit) {
		t.Fatalf("Expected ErrGuestLimit, got %v", err)
	}

	be.mu.Lock()
	defer be.mu.Unlock()
	if len(be.requests) != 0 {
		t.Errorf("Blocked send still reached the network: %+v", be.requests)
	}
}

func TestGuestCounterIncrementsOnCompletion(t *testing.T) {
	ctx := context.Background()
	store := quota.NewMemoryStore()
	store.Set(ctx, quota.CounterKey, "2")

	gate, err := quota.NewGate(ctx, store, 3)
	if err != nil {
		t.Fatalf("NewGate failed: %v", err)
	}

	be := &fakeBackend{}
	be.streamFn = func(ctx context.Context) (io.ReadCloser, error) {
		return scriptedStream(ctx, "data: {\"content\":\"ok\"}\n\n"), nil
	}

	sess := New(ctx, Options{Backend: be, Gate: gate})
	if err := sess.Send("hi"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	sess.Wait()

	if got := gate.Count(); got != 3 {
		t.Errorf("Expected counter 3 after completion, got %d", got)
	}
	if !gate.Blocked() {
		t.Error("Expected gate blocked at the threshold")
	}
	if err := sess.Send("again"); !errors.Is(err, ErrGuestLimit) {
		t.Errorf("Expected ErrGuestLimit on next send, got %v", err)
	}
}

func TestAuthenticatedCallerNeverCounted(t *testing.T) {
	ctx := context.Background()
	store := quota.NewMemoryStore()
	store.Set(ctx, quota.CounterKey, "3")

	gate, err := quota.NewGate(ctx, store, 3)
	if err != nil {
		t.Fatalf("NewGate failed: %v", err)
	}
	gate.SetAuthenticated(true)

	be := &fakeBackend{}
	be.streamFn = func(ctx context.Context) (io.ReadCloser, error) {
		return scriptedStream(ctx, "data: {\"content\":\"ok\"}\n\n"), nil
	}

	sess := New(ctx, Options{Backend: be, Gate: gate})
	if err := sess.Send("hi"); err != nil {
		t.Fatalf("Expected authenticated send to pass the gate, got %v", err)
	}
	sess.Wait()

	if got := gate.Count(); got != 3 {
		t.Errorf("Expected counter untouched for authenticated caller, got %d", got)
	}
}

func TestRefreshEmittedOnTermination(t *testing.T) {
	var mu sync.Mutex
	refreshes := 0

	be := &fakeBackend{}
	be.streamFn = func(ctx context.Context) (io.ReadCloser, error) {
		return scriptedStream(ctx, "data: {\"content\":\"ok\"}\n\n"), nil
	}

	sess := New(context.Background(), Options{
		Backend: be,
		OnRefresh: func() {
			mu.Lock()
			refreshes++
			mu.Unlock()
		},
	})
	if err := sess.Send("hi"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	sess.Wait()

	mu.Lock()
	defer mu.Unlock()
	if refreshes == 0 {
		t.Error("Expected a refresh notification on stream termination")
	}
}

func TestSendWhileStreamingReturnsBusy(t *testing.T) {
	chunks := make(chan string, 1)
	be := &fakeBackend{}
	be.streamFn = func(ctx context.Context) (io.ReadCloser, error) {
		return &fakeStream{ctx: ctx, chunks: chunks}, nil
	}

	sess := New(context.Background(), Options{Backend: be})
	if err := sess.Send("first"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if err := sess.Send("second"); !errors.Is(err, ErrBusy) {
		t.Errorf("Expected ErrBusy, got %v", err)
	}

	close(chunks)
	sess.Wait()
}
