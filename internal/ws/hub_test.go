package ws

import (
	"errors"
	"sync"
	"testing"
	"time"
)

var errBrokenPipe = errors.New("broken pipe")

func TestHubDeliversFramesToSubscribers(t *testing.T) {
	hub := NewHub()
	sub := newFakeSubscriber()
	hub.Register("op-1", sub)

	hub.Broadcast("op-1", []byte(`{"source":"stdout","data":"line"}`))

	got := sub.waitFrame(t)
	if string(got) != `{"source":"stdout","data":"line"}` {
		t.Fatalf("unexpected frame: %s", got)
	}
}

func TestHubBroadcastWithoutSubscribersIsNoOp(t *testing.T) {
	hub := NewHub()

	// Nothing is registered for this operation; both calls must simply drop.
	hub.Broadcast("op-unwatched", []byte("line"))
	hub.BroadcastTerminal("op-unwatched", "end", []byte("{}"))

	if hub.HasSubscribers("op-unwatched") {
		t.Fatal("expected no subscribers")
	}
}

func TestHubTerminalClosesAndDropsSubscriptions(t *testing.T) {
	hub := NewHub()
	sub := newFakeSubscriber()
	hub.Register("op-1", sub)

	hub.BroadcastTerminal("op-1", "end", []byte(`{"operation_id":"op-1"}`))

	event, payload := sub.waitTerminal(t)
	if event != "end" {
		t.Fatalf("expected end terminal, got %q", event)
	}
	if string(payload) != `{"operation_id":"op-1"}` {
		t.Fatalf("unexpected terminal payload: %s", payload)
	}
	sub.waitClosed(t)

	waitFor(t, func() bool { return !hub.HasSubscribers("op-1") })
}

func TestHubScopesFramesByOperation(t *testing.T) {
	hub := NewHub()
	first := newFakeSubscriber()
	second := newFakeSubscriber()
	hub.Register("op-1", first)
	hub.Register("op-2", second)

	hub.Broadcast("op-1", []byte("only-op-1"))

	if got := first.waitFrame(t); string(got) != "only-op-1" {
		t.Fatalf("unexpected frame for op-1: %s", got)
	}
	select {
	case frame := <-second.frames:
		t.Fatalf("op-2 subscriber received foreign frame: %s", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubDropsSubscriberWhoseSendFails(t *testing.T) {
	hub := NewHub()
	broken := newFakeSubscriber()
	broken.maxSends = 2
	healthy := newFakeSubscriber()
	hub.Register("op-1", broken)
	hub.Register("op-1", healthy)

	for i := 0; i < 5; i++ {
		hub.Broadcast("op-1", []byte{byte('a' + i)})
	}
	hub.BroadcastTerminal("op-1", "end", []byte("{}"))

	// The healthy peer sees the full stream and the terminal.
	for i := 0; i < 5; i++ {
		healthy.waitFrame(t)
	}
	if event, _ := healthy.waitTerminal(t); event != "end" {
		t.Fatalf("expected end terminal for healthy peer, got %q", event)
	}

	// The broken peer got exactly the frames before its write failed, was
	// closed, and saw no delivery attempts after that.
	if got := len(broken.frames); got != 2 {
		t.Fatalf("expected 2 delivered frames before failure, got %d", got)
	}
	broken.waitClosed(t)
	if attempts := broken.sendAttempts(); attempts != 3 {
		t.Fatalf("expected delivery to stop after the failed send, got %d attempts", attempts)
	}
	select {
	case term := <-broken.terminals:
		t.Fatalf("broken peer received terminal after disconnect: %+v", term)
	default:
	}
}

func TestHubUnregisterStopsDelivery(t *testing.T) {
	hub := NewHub()
	sub := newFakeSubscriber()
	hub.Register("op-1", sub)
	hub.Unregister("op-1", sub)

	hub.Broadcast("op-1", []byte("late"))

	select {
	case frame := <-sub.frames:
		t.Fatalf("unregistered subscriber received frame: %s", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

type terminalFrame struct {
	event   string
	payload []byte
}

type fakeSubscriber struct {
	frames    chan []byte
	terminals chan terminalFrame
	closed    chan struct{}
	once      sync.Once

	mu sync.Mutex
	// maxSends > 0 makes Send fail once that many frames were delivered,
	// simulating a peer that went away mid-stream.
	maxSends  int
	sendCalls int
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{
		frames:    make(chan []byte, 16),
		terminals: make(chan terminalFrame, 1),
		closed:    make(chan struct{}),
	}
}

func (f *fakeSubscriber) Send(payload []byte) error {
	f.mu.Lock()
	f.sendCalls++
	if f.maxSends > 0 && f.sendCalls > f.maxSends {
		f.mu.Unlock()
		return errBrokenPipe
	}
	f.mu.Unlock()
	copied := make([]byte, len(payload))
	copy(copied, payload)
	f.frames <- copied
	return nil
}

func (f *fakeSubscriber) sendAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCalls
}

func (f *fakeSubscriber) SendTerminal(event string, payload []byte) error {
	copied := make([]byte, len(payload))
	copy(copied, payload)
	f.terminals <- terminalFrame{event: event, payload: copied}
	return nil
}

func (f *fakeSubscriber) Close() {
	f.once.Do(func() { close(f.closed) })
}

func (f *fakeSubscriber) waitFrame(t *testing.T) []byte {
	t.Helper()
	select {
	case frame := <-f.frames:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func (f *fakeSubscriber) waitTerminal(t *testing.T) (string, []byte) {
	t.Helper()
	select {
	case term := <-f.terminals:
		return term.event, term.payload
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for terminal frame")
		return "", nil
	}
}

func (f *fakeSubscriber) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-f.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close")
	}
}
