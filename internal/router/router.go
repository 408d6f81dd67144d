// Package router resolves inbound command frames against a fixed built-in
// table and an open extension registry, and runs handlers off the socket
// receive path.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/a-essam23/go-wsuser/pkg/frame"
	"github.com/a-essam23/go-wsuser/pkg/transport"
)

// HandlerFunc handles one command frame. Calling done emits the empty-body
// "handled" acknowledgement that unblocks the peer's paused sender; the
// dispatcher guarantees the acknowledgement after the handler returns even
// if the handler never calls done or panics, so done exists for handlers
// that want to release the peer before finishing side work.
type HandlerFunc func(ctx context.Context, body string, done func())

// Extensions is the registration interface for commands beyond the built-in
// table. Built-ins are resolved first; extensions cannot shadow them.
type Extensions struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewExtensions() *Extensions {
	return &Extensions{handlers: make(map[string]HandlerFunc)}
}

func (e *Extensions) Register(name string, fn HandlerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.handlers[name]; exists {
		panic(fmt.Sprintf("extension command already registered: %s", name))
	}
	e.handlers[name] = fn
}

func (e *Extensions) lookup(name string) (HandlerFunc, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn, ok := e.handlers[name]
	return fn, ok
}

// Dispatcher routes frames for a single connection. Handlers run serialized
// on one task goroutine, never on the socket receive stack, so a misbehaving
// handler cannot corrupt transport event delivery.
type Dispatcher struct {
	logger  *slog.Logger
	conn    *transport.Conn
	builtin map[string]HandlerFunc
	ext     *Extensions

	// OnPlain receives payloads that are not command frames. AckPlain
	// controls whether such deliveries are acknowledged automatically
	// (the dialing role does; the accepting role leaves it to the app).
	onPlain  func(data string)
	ackPlain bool

	tasks  chan frame.Message
	ctx    context.Context
	cancel context.CancelFunc
}

type Config struct {
	Builtins map[string]HandlerFunc
	Ext      *Extensions
	OnPlain  func(data string)
	AckPlain bool
}

// Bind attaches a dispatcher to conn and starts its task goroutine.
func Bind(parent context.Context, conn *transport.Conn, logger *slog.Logger, cfg Config) *Dispatcher {
	ctx, cancel := context.WithCancel(parent)
	d := &Dispatcher{
		logger:   logger.With(slog.String("component", "dispatcher"), slog.String("connID", conn.ID())),
		conn:     conn,
		builtin:  cfg.Builtins,
		ext:      cfg.Ext,
		onPlain:  cfg.OnPlain,
		ackPlain: cfg.AckPlain,
		tasks:    make(chan frame.Message, 16),
		ctx:      ctx,
		cancel:   cancel,
	}
	conn.SetOnMessage(d.handleMessage)
	go d.run()
	return d
}

func (d *Dispatcher) Close() { d.cancel() }

// handleMessage runs on the socket receive path: it only parses and
// enqueues, deferring execution to the task goroutine.
func (d *Dispatcher) handleMessage(data string) {
	msg, ok := frame.Parse(data)
	if !ok {
		if d.onPlain != nil {
			d.onPlain(data)
		}
		if d.ackPlain {
			d.conn.Ack()
		}
		return
	}
	select {
	case d.tasks <- msg:
	case <-d.ctx.Done():
	}
}

func (d *Dispatcher) run() {
	for {
		select {
		case <-d.ctx.Done():
			return
		case msg := <-d.tasks:
			d.execute(msg)
		}
	}
}

func (d *Dispatcher) execute(msg frame.Message) {
	var once sync.Once
	done := func() { once.Do(d.conn.Ack) }
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("command handler panicked",
				slog.String("command", msg.Command),
				slog.Any("panic", r),
			)
		}
		// The peer stays paused until it hears the handled echo; emit it
		// no matter how the handler ended.
		done()
	}()

	fn, ok := d.builtin[msg.Command]
	if !ok && d.ext != nil {
		fn, ok = d.ext.lookup(msg.Command)
	}
	if !ok {
		d.logger.Warn("unknown command", slog.String("command", msg.Command))
		return
	}
	d.logger.Debug("executing command", slog.String("command", msg.Command))
	fn(d.ctx, msg.Body, done)
}
