package transport

import (
	"context"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/a-essam23/go-wsuser/pkg/frame"
)

const (
	// DefaultRetryInterval is the fallback poll interval while a send waits
	// for the connection to reach Open.
	DefaultRetryInterval = 100 * time.Millisecond
	// DefaultReconnectDelay is the fixed delay before a scheduled reconnect.
	DefaultReconnectDelay = 1500 * time.Millisecond
)

// Options configure a Conn. Dialer is nil for accepted (server-role)
// connections, which never reconnect on their own.
type Options struct {
	ConnID    string // generated when empty
	Addr      string // dial address, client role only
	Protocols []string

	Dialer         Dialer
	Clock          clock.Clock
	Logger         *slog.Logger
	RetryInterval  time.Duration
	ReconnectDelay time.Duration

	// ReconnectGate, when set, blocks a pending reconnect until it returns.
	// An error abandons the attempt. Used by auxiliary channels that must
	// wait for the primary identity channel to come back first.
	ReconnectGate func(ctx context.Context) error

	// OnForgetIdentity is invoked when the peer closes with code 3001
	// before the reconnect is scheduled.
	OnForgetIdentity func()

	WaitGroup *sync.WaitGroup
}

// Conn owns one socket at a time and survives socket churn: reconnects
// replace the socket handle while identity (connID, negotiated sub-protocol,
// cached outbound payload) carries forward unchanged.
type Conn struct {
	mu       sync.Mutex
	state    State
	stateCh  chan struct{} // closed and replaced on every transition
	sock     Socket
	pending  string // at most one outstanding payload, retransmitted after reconnect
	redirect bool   // suppress close handling while swapping ports

	connID    string
	protocol  string
	addr      string
	protocols []string

	dialer         Dialer
	clk            clock.Clock
	logger         *slog.Logger
	retryInterval  time.Duration
	reconnectDelay time.Duration
	gate           func(ctx context.Context) error
	onForget       func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     *sync.WaitGroup
	done   chan struct{}
	final  sync.Once

	cbMu      sync.Mutex
	onOpen    func()
	onMessage func(data string)
	onError   func(err error)
	onClose   func(code int, reason string)
	onState   func(s State)
}

func newConn(parent context.Context, opts Options) *Conn {
	if opts.ConnID == "" {
		opts.ConnID = GenerateConnID()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	ctx, cancel := context.WithCancel(parent)
	c := &Conn{
		state:          Connecting,
		stateCh:        make(chan struct{}),
		connID:         opts.ConnID,
		addr:           opts.Addr,
		protocols:      opts.Protocols,
		dialer:         opts.Dialer,
		clk:            opts.Clock,
		logger:         opts.Logger.With(slog.String("connID", opts.ConnID)),
		retryInterval:  opts.RetryInterval,
		reconnectDelay: opts.ReconnectDelay,
		gate:           opts.ReconnectGate,
		onForget:       opts.OnForgetIdentity,
		ctx:            ctx,
		cancel:         cancel,
		wg:             opts.WaitGroup,
		done:           make(chan struct{}),
	}
	if len(opts.Protocols) > 0 {
		c.protocol = opts.Protocols[0]
	}
	if c.wg != nil {
		c.wg.Add(1)
	}
	return c
}

// Accept wraps an already-handshaked socket (server role). The caller wires
// handlers, then calls Run.
func Accept(parent context.Context, sock Socket, opts Options) *Conn {
	c := newConn(parent, opts)
	c.sock = sock
	if p := sock.Protocol(); p != "" {
		c.protocol = p
	}
	return c
}

// Dial opens a client-role connection. The socket is not started until Run.
func Dial(parent context.Context, opts Options) (*Conn, error) {
	c := newConn(parent, opts)
	sock, err := c.dialer(c.ctx, c.addr, c.protocols)
	if err != nil {
		c.finalize()
		return nil, err
	}
	c.sock = sock
	if p := sock.Protocol(); p != "" {
		c.protocol = p
	}
	return c, nil
}

// Run starts event delivery on the current socket.
func (c *Conn) Run() {
	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()
	sock.Run(c.socketHandlers())
}

func (c *Conn) socketHandlers() Handlers {
	return Handlers{
		Open:    c.handleSockOpen,
		Message: c.handleSockMessage,
		Error:   c.handleSockError,
		Close:   c.handleSockClose,
	}
}

// --- Public accessors & event wiring ---

func (c *Conn) ID() string       { return c.connID }
func (c *Conn) Protocol() string { return c.protocol }

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed when the connection is fully terminated with no further
// reconnection pending.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Last assignment wins, single subscriber. This mirrors the callback model
// the protocol was designed around and is a deliberate choice, not an
// accident of implementation.
func (c *Conn) SetOnOpen(fn func()) {
	c.cbMu.Lock()
	c.onOpen = fn
	c.cbMu.Unlock()
}

func (c *Conn) SetOnMessage(fn func(data string)) {
	c.cbMu.Lock()
	c.onMessage = fn
	c.cbMu.Unlock()
}

func (c *Conn) SetOnError(fn func(err error)) {
	c.cbMu.Lock()
	c.onError = fn
	c.cbMu.Unlock()
}

func (c *Conn) SetOnClose(fn func(code int, reason string)) {
	c.cbMu.Lock()
	c.onClose = fn
	c.cbMu.Unlock()
}

func (c *Conn) SetOnStateChange(fn func(s State)) {
	c.cbMu.Lock()
	c.onState = fn
	c.cbMu.Unlock()
}

// --- State machine ---

func (c *Conn) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	close(c.stateCh)
	c.stateCh = make(chan struct{})
}

func (c *Conn) transition(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(s)
	c.mu.Unlock()
	c.fireState(s)
}

func (c *Conn) fireState(s State) {
	c.cbMu.Lock()
	fn := c.onState
	c.cbMu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// Send transmits one payload with at-most-one-in-flight flow control.
// Empty payloads are dropped. While the state is Connecting or Paused the
// call waits for a transition to Open; a Closing or Closed state makes it a
// no-op. The transmitted payload is cached for retransmission should the
// socket be replaced before the peer acknowledges.
func (c *Conn) Send(data string) {
	if data == "" {
		return
	}
	for {
		c.mu.Lock()
		switch c.state {
		case Closing, Closed:
			c.mu.Unlock()
			return
		case Open:
			c.setStateLocked(Paused)
			c.pending = data
			sock := c.sock
			c.mu.Unlock()
			c.fireState(Paused)
			if err := sock.Send(data); err != nil {
				c.logger.Warn("send failed", slog.Any("error", err))
			}
			return
		default: // Connecting, Paused
			ch := c.stateCh
			c.mu.Unlock()
			t := c.clk.Timer(c.retryInterval)
			select {
			case <-ch:
			case <-t.C:
			case <-c.ctx.Done():
				t.Stop()
				return
			}
			t.Stop()
		}
	}
}

// Ack emits the empty-body acknowledgement frame, releasing the peer's
// paused sender. It bypasses flow control: acknowledgements are always
// permitted.
func (c *Conn) Ack() {
	c.mu.Lock()
	sock := c.sock
	state := c.state
	c.mu.Unlock()
	if sock == nil || state == Closing || state == Closed {
		return
	}
	if err := sock.Send(frame.Ack); err != nil {
		c.logger.Warn("ack send failed", slog.Any("error", err))
	}
}

// Close transitions to Closing and closes the underlying socket. Whether
// the connection reconnects afterwards follows the close-code policy.
func (c *Conn) Close(code int, reason string) {
	c.mu.Lock()
	sock := c.sock
	c.setStateLocked(Closing)
	c.mu.Unlock()
	c.fireState(Closing)
	if sock != nil {
		sock.Close(code, reason)
	}
}

// Reconnect closes the current socket and dials a replacement regardless of
// the close-code policy.
func (c *Conn) Reconnect(code int, reason string) {
	if c.dialer == nil {
		c.Close(code, reason)
		return
	}
	c.mu.Lock()
	c.redirect = true // suppress the scheduled-close path; we dial explicitly
	sock := c.sock
	c.setStateLocked(Closing)
	c.mu.Unlock()
	c.fireState(Closing)
	if sock != nil {
		sock.Close(code, reason)
	}
	go c.tryReconnect()
}

// --- Socket event handling ---

func (c *Conn) handleSockOpen() {
	c.mu.Lock()
	c.setStateLocked(Open)
	pend := c.pending
	// A cached identity frame is stale after a reconnect; the accepting
	// side re-greets on open, so drop it instead of replaying.
	if strings.HasPrefix(pend, frame.Format("userinfo", "")) {
		c.pending = ""
		pend = ""
	}
	c.mu.Unlock()
	c.logger.Debug("connection open")
	c.fireState(Open)

	c.cbMu.Lock()
	fn := c.onOpen
	c.cbMu.Unlock()
	if fn != nil {
		fn()
	}
	if pend != "" {
		c.Send(pend)
	}
}

func (c *Conn) handleSockMessage(data string) {
	if frame.IsAck(data) {
		c.mu.Lock()
		c.pending = ""
		wasPaused := c.state == Paused
		if wasPaused {
			c.setStateLocked(Open)
		}
		c.mu.Unlock()
		if wasPaused {
			c.logger.Debug("acknowledged, sender unblocked")
			c.fireState(Open)
		}
		return
	}

	if c.dialer != nil {
		if port, ok := frame.ParseRedirect(data); ok {
			c.redirectToPort(port)
			return
		}
	}

	c.cbMu.Lock()
	fn := c.onMessage
	c.cbMu.Unlock()
	if fn != nil {
		fn(data)
	}
}

func (c *Conn) handleSockError(err error) {
	c.logger.Debug("socket error", slog.Any("error", err))
	c.cbMu.Lock()
	fn := c.onError
	c.cbMu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (c *Conn) handleSockClose(code int, reason string) {
	c.mu.Lock()
	if c.redirect {
		// A silent port swap or explicit reconnect is in progress; this
		// close belongs to the abandoned socket.
		c.redirect = false
		c.mu.Unlock()
		return
	}
	c.setStateLocked(Closed)
	c.mu.Unlock()
	c.logger.Debug("connection closed", slog.Int("code", code), slog.String("reason", reason))
	c.fireState(Closed)

	c.cbMu.Lock()
	fn := c.onClose
	c.cbMu.Unlock()
	if fn != nil {
		fn(code, reason)
	}

	if c.dialer == nil {
		// Accepting role: socket churn is the dialer's problem.
		c.finalize()
		return
	}

	switch code {
	case CloseNormal, ClosePolicyViolation:
		c.finalize()
		return
	case CloseForgetIdentity:
		if c.onForget != nil {
			c.onForget()
		}
	}

	c.scheduleReconnect()
}

func (c *Conn) scheduleReconnect() {
	c.clk.AfterFunc(c.reconnectDelay, func() {
		if c.ctx.Err() != nil {
			return
		}
		c.tryReconnect()
	})
}

func (c *Conn) tryReconnect() {
	if c.gate != nil {
		if err := c.gate(c.ctx); err != nil {
			c.logger.Debug("reconnect abandoned by gate", slog.Any("error", err))
			c.finalize()
			return
		}
	}
	if c.ctx.Err() != nil {
		return
	}
	c.transition(Connecting)
	sock, err := c.dialer(c.ctx, c.addr, c.protocols)
	if err != nil {
		c.logger.Warn("reconnect dial failed, rescheduling", slog.Any("error", err))
		c.scheduleReconnect()
		return
	}
	c.mu.Lock()
	c.sock = sock
	c.mu.Unlock()
	sock.Run(c.socketHandlers())
}

// redirectToPort abandons the current socket and re-dials the same host on
// the given port without surfacing a close to observers.
func (c *Conn) redirectToPort(port int) {
	u, err := url.Parse(c.addr)
	if err != nil {
		c.logger.Error("redirect failed: bad address", slog.String("addr", c.addr), slog.Any("error", err))
		return
	}
	u.Host = u.Hostname() + ":" + strconv.Itoa(port)

	c.mu.Lock()
	c.redirect = true
	old := c.sock
	c.addr = u.String()
	c.setStateLocked(Connecting)
	c.mu.Unlock()
	c.logger.Debug("redirecting", slog.Int("port", port))
	c.fireState(Connecting)

	if old != nil {
		old.Close(CloseNormal, "redirect")
	}
	sock, err := c.dialer(c.ctx, c.addr, c.protocols)
	if err != nil {
		c.logger.Warn("redirect dial failed, rescheduling", slog.Any("error", err))
		c.mu.Lock()
		c.redirect = false
		c.mu.Unlock()
		c.scheduleReconnect()
		return
	}
	c.mu.Lock()
	c.sock = sock
	c.mu.Unlock()
	sock.Run(c.socketHandlers())
}

func (c *Conn) finalize() {
	c.final.Do(func() {
		c.cancel()
		if c.wg != nil {
			c.wg.Done()
		}
		close(c.done)
	})
}
