package transport_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/a-essam23/go-wsuser/pkg/frame"
	"github.com/a-essam23/go-wsuser/pkg/transport"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

// fakeSocket is a scriptable Socket: tests drive its events and observe
// outbound traffic.
type fakeSocket struct {
	mu        sync.Mutex
	h         transport.Handlers
	sent      []string
	sentCh    chan string
	closed    bool
	code      int
	proto     string
	openOnRun bool
}

func newFakeSocket(openOnRun bool) *fakeSocket {
	return &fakeSocket{sentCh: make(chan string, 16), openOnRun: openOnRun, proto: "ws-user"}
}

func (f *fakeSocket) Run(h transport.Handlers) {
	f.mu.Lock()
	f.h = h
	f.mu.Unlock()
	if f.openOnRun {
		h.Open()
	}
}

func (f *fakeSocket) Send(data string) error {
	f.mu.Lock()
	f.sent = append(f.sent, data)
	f.mu.Unlock()
	f.sentCh <- data
	return nil
}

func (f *fakeSocket) Close(code int, reason string) error {
	f.mu.Lock()
	f.closed = true
	f.code = code
	f.mu.Unlock()
	return nil
}

func (f *fakeSocket) Protocol() string { return f.proto }

func (f *fakeSocket) handlers() transport.Handlers {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.h
}

func (f *fakeSocket) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func waitSent(t *testing.T, f *fakeSocket) string {
	t.Helper()
	select {
	case data := <-f.sentCh:
		return data
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound payload")
		return ""
	}
}

func acceptedConn(t *testing.T, sock *fakeSocket) *transport.Conn {
	t.Helper()
	c := transport.Accept(context.Background(), sock, transport.Options{
		Logger: newTestLogger(),
	})
	c.Run()
	return c
}

func TestSendTransitionsToPaused(t *testing.T) {
	sock := newFakeSocket(true)
	c := acceptedConn(t, sock)

	if c.State() != transport.Open {
		t.Fatalf("expected Open after Run, got %v", c.State())
	}
	c.Send("$login:abc")
	if got := waitSent(t, sock); got != "$login:abc" {
		t.Errorf("sent %q", got)
	}
	if c.State() != transport.Paused {
		t.Errorf("expected Paused after send, got %v", c.State())
	}
}

func TestEmptySendDropped(t *testing.T) {
	sock := newFakeSocket(true)
	c := acceptedConn(t, sock)

	c.Send("")
	if sock.sentCount() != 0 {
		t.Error("empty payload was transmitted")
	}
	if c.State() != transport.Open {
		t.Errorf("state changed on empty send: %v", c.State())
	}
}

func TestSendNoOpWhenClosed(t *testing.T) {
	sock := newFakeSocket(true)
	c := acceptedConn(t, sock)
	sock.handlers().Close(transport.CloseNormal, "bye")

	c.Send("$login:abc")
	if sock.sentCount() != 0 {
		t.Error("payload transmitted on closed connection")
	}
}

// Two consecutive sends without an intervening acknowledgement: exactly one
// transmission until the first is acknowledged, the second is delayed, not
// interleaved.
func TestFlowControlSerializesSends(t *testing.T) {
	sock := newFakeSocket(true)
	c := acceptedConn(t, sock)

	c.Send("first")
	if got := waitSent(t, sock); got != "first" {
		t.Fatalf("sent %q", got)
	}

	released := make(chan struct{})
	go func() {
		c.Send("second")
		close(released)
	}()

	select {
	case data := <-sock.sentCh:
		t.Fatalf("second payload %q transmitted before acknowledgement", data)
	case <-time.After(50 * time.Millisecond):
	}

	// The peer acknowledges; the blocked send must now go through.
	sock.handlers().Message(frame.Ack)
	if got := waitSent(t, sock); got != "second" {
		t.Errorf("sent %q after ack, want %q", got, "second")
	}
	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("second send never returned")
	}
	if c.State() != transport.Paused {
		t.Errorf("expected Paused after second send, got %v", c.State())
	}
}

func TestAckUnblocksPaused(t *testing.T) {
	sock := newFakeSocket(true)
	c := acceptedConn(t, sock)

	c.Send("payload")
	waitSent(t, sock)
	if c.State() != transport.Paused {
		t.Fatalf("expected Paused, got %v", c.State())
	}
	sock.handlers().Message(frame.Ack)
	if c.State() != transport.Open {
		t.Errorf("expected Open after ack, got %v", c.State())
	}
}

func TestCommandFrameDoesNotUnblockSender(t *testing.T) {
	sock := newFakeSocket(true)
	c := acceptedConn(t, sock)

	var received []string
	c.SetOnMessage(func(data string) { received = append(received, data) })

	c.Send("payload")
	waitSent(t, sock)
	sock.handlers().Message("$userinfo:{}")

	if c.State() != transport.Paused {
		t.Errorf("inbound command frame unblocked the sender: %v", c.State())
	}
	if len(received) != 1 || received[0] != "$userinfo:{}" {
		t.Errorf("message not delivered: %v", received)
	}
}

type dialRecorder struct {
	mu    sync.Mutex
	socks []*fakeSocket
	addrs []string
	fail  bool
}

func (d *dialRecorder) dial(ctx context.Context, addr string, protocols []string) (transport.Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return nil, errors.New("dial refused")
	}
	sock := newFakeSocket(true)
	d.socks = append(d.socks, sock)
	d.addrs = append(d.addrs, addr)
	return sock, nil
}

func (d *dialRecorder) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.socks)
}

func (d *dialRecorder) last() *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.socks[len(d.socks)-1]
}

func dialedConn(t *testing.T, clk clock.Clock, rec *dialRecorder, opts transport.Options) *transport.Conn {
	t.Helper()
	opts.Addr = "ws://localhost:8080/ws"
	opts.Protocols = []string{"ws-user", "zy9xw8vu7t"}
	opts.Dialer = rec.dial
	opts.Clock = clk
	opts.Logger = newTestLogger()
	c, err := transport.Dial(context.Background(), opts)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	c.Run()
	return c
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}

func TestNormalCloseNeverReconnects(t *testing.T) {
	clk := clock.NewMock()
	rec := &dialRecorder{}
	c := dialedConn(t, clk, rec, transport.Options{})

	rec.last().handlers().Close(transport.CloseNormal, "bye")
	clk.Add(10 * transport.DefaultReconnectDelay)

	if rec.count() != 1 {
		t.Errorf("reconnect dialed after normal closure: %d dials", rec.count())
	}
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Error("connection not finalized after normal closure")
	}
}

func TestPolicyViolationCloseNeverReconnects(t *testing.T) {
	clk := clock.NewMock()
	rec := &dialRecorder{}
	dialedConn(t, clk, rec, transport.Options{})

	rec.last().handlers().Close(transport.ClosePolicyViolation, "policy")
	clk.Add(10 * transport.DefaultReconnectDelay)

	if rec.count() != 1 {
		t.Errorf("reconnect dialed after policy violation: %d dials", rec.count())
	}
}

func TestAbnormalCloseSchedulesOneReconnect(t *testing.T) {
	clk := clock.NewMock()
	rec := &dialRecorder{}
	c := dialedConn(t, clk, rec, transport.Options{})

	rec.last().handlers().Close(1003, "abnormal")

	// Before the fixed delay elapses nothing is dialed.
	clk.Add(transport.DefaultReconnectDelay - time.Millisecond)
	if rec.count() != 1 {
		t.Fatalf("reconnect dialed before the delay: %d dials", rec.count())
	}

	clk.Add(time.Millisecond)
	waitFor(t, func() bool { return rec.count() == 2 }, "reconnect never dialed")
	waitFor(t, func() bool { return c.State() == transport.Open }, "connection never reopened")

	// Exactly one attempt: no further dials without another close.
	clk.Add(10 * transport.DefaultReconnectDelay)
	if rec.count() != 2 {
		t.Errorf("expected exactly one reconnect attempt, got %d dials", rec.count()-1)
	}
}

func TestReconnectCarriesIdentityAndPending(t *testing.T) {
	clk := clock.NewMock()
	rec := &dialRecorder{}
	c := dialedConn(t, clk, rec, transport.Options{ConnID: "fixed-conn-id"})

	c.Send("$login:payload")
	waitSent(t, rec.last())

	rec.last().handlers().Close(1006, "dropped")
	clk.Add(transport.DefaultReconnectDelay)
	waitFor(t, func() bool { return rec.count() == 2 }, "reconnect never dialed")

	if c.ID() != "fixed-conn-id" {
		t.Errorf("connection identity changed across reconnect: %q", c.ID())
	}
	// The unacknowledged payload is retransmitted on the new socket.
	if got := waitSent(t, rec.last()); got != "$login:payload" {
		t.Errorf("retransmitted %q", got)
	}
	if c.State() != transport.Paused {
		t.Errorf("expected Paused after retransmit, got %v", c.State())
	}
}

func TestForgetIdentityCode(t *testing.T) {
	clk := clock.NewMock()
	rec := &dialRecorder{}
	forgotten := false
	dialedConn(t, clk, rec, transport.Options{
		OnForgetIdentity: func() { forgotten = true },
	})

	rec.last().handlers().Close(transport.CloseForgetIdentity, "reset")
	if !forgotten {
		t.Error("identity not forgotten on close code 3001")
	}
	clk.Add(transport.DefaultReconnectDelay)
	waitFor(t, func() bool { return rec.count() == 2 }, "reconnect never dialed after 3001")
}

func TestRedirectToPort(t *testing.T) {
	clk := clock.NewMock()
	rec := &dialRecorder{}
	c := dialedConn(t, clk, rec, transport.Options{})

	closeSeen := false
	c.SetOnClose(func(code int, reason string) { closeSeen = true })

	rec.socks[0].handlers().Message(frame.Redirect(9443))
	waitFor(t, func() bool { return rec.count() == 2 }, "redirect never dialed")

	rec.mu.Lock()
	addr := rec.addrs[1]
	rec.mu.Unlock()
	if addr != "ws://localhost:9443/ws" {
		t.Errorf("redirect dialed %q", addr)
	}
	if closeSeen {
		t.Error("redirect surfaced a close to observers")
	}
	if c.State() != transport.Open {
		t.Errorf("expected Open after redirect, got %v", c.State())
	}
}

func TestReconnectGate(t *testing.T) {
	clk := clock.NewMock()
	rec := &dialRecorder{}
	gate := make(chan struct{})
	dialedConn(t, clk, rec, transport.Options{
		ReconnectGate: func(ctx context.Context) error {
			select {
			case <-gate:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})

	rec.last().handlers().Close(1006, "dropped")
	clk.Add(transport.DefaultReconnectDelay)

	time.Sleep(20 * time.Millisecond)
	if rec.count() != 1 {
		t.Fatal("reconnect dialed while the gate was held")
	}
	close(gate)
	waitFor(t, func() bool { return rec.count() == 2 }, "reconnect never dialed after gate release")
}

func TestGenerateConnID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 32; i++ {
		id := transport.GenerateConnID()
		if len(id) != 62 {
			t.Fatalf("connID length %d, want 62", len(id))
		}
		chars := make(map[rune]int)
		for _, r := range id {
			chars[r]++
			if chars[r] > 1 {
				t.Fatalf("connID %q repeats %q", id, r)
			}
		}
		seen[id] = true
	}
	if len(seen) < 2 {
		t.Error("connIDs are not random")
	}
}
