package client

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/a-essam23/go-wsuser/pkg/transport"
)

// LinkProtocolName is the sub-protocol of data sub-channels.
const LinkProtocolName = "ws-link"

const (
	// DebounceInterval coalesces bursts of local mutations into one frame.
	DebounceInterval = 10 * time.Millisecond
	// SweepInterval is how often dead consumers are collected.
	SweepInterval = 10 * time.Second
	// GatePollInterval is how often a pending link reconnect re-checks the
	// primary connection.
	GatePollInterval = 1500 * time.Millisecond
)

// Consumer receives sub-channel data. Alive is polled by the sweep; nil
// means alive until released explicitly.
type Consumer struct {
	OnData func(data string)
	Alive  func() bool
}

type consumerEntry struct {
	id uuid.UUID
	c  Consumer
}

// subChannel is one live data connection shared by every consumer of a path.
type subChannel struct {
	path string
	conn *transport.Conn

	mu           sync.Mutex
	data         string
	synced       bool
	flushPending bool
	consumers    []consumerEntry
}

// LinkManager shares data sub-channels between consumers, one connection
// per target path. Link reconnects wait for the primary connection, so a
// dropped network brings everything back in order.
type LinkManager struct {
	primary *Client
	addr    string
	header  http.Header
	timeout time.Duration
	dialer  transport.Dialer
	clk     clock.Clock
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	channels map[string]*subChannel
}

// LinkOptions configures a manager.
type LinkOptions struct {
	// Addr is the base websocket URL; channel paths are appended to it.
	Addr        string
	Header      http.Header
	ReadTimeout time.Duration
	Logger      *slog.Logger
	Clock       clock.Clock

	// Dialer overrides the websocket dialer.
	Dialer transport.Dialer
}

// NewLinkManager starts a manager tied to the primary connection.
func NewLinkManager(ctx context.Context, primary *Client, opts LinkOptions) *LinkManager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	ctx, cancel := context.WithCancel(ctx)
	m := &LinkManager{
		primary:  primary,
		addr:     strings.TrimRight(opts.Addr, "/"),
		header:   opts.Header,
		timeout:  opts.ReadTimeout,
		dialer:   opts.Dialer,
		clk:      opts.Clock,
		logger:   opts.Logger.With("component", "linkmanager"),
		ctx:      ctx,
		cancel:   cancel,
		channels: make(map[string]*subChannel),
	}
	// The ticker is created before the goroutine starts so a mock clock
	// advanced immediately after construction still delivers the tick.
	go m.sweepLoop(m.clk.Ticker(SweepInterval))
	return m
}

// Open attaches a consumer to the sub-channel for path, dialing it on first
// use. When the channel already holds synced data the consumer receives the
// current snapshot immediately.
func (m *LinkManager) Open(path string, c Consumer) (uuid.UUID, error) {
	id := uuid.New()

	m.mu.Lock()
	ch, ok := m.channels[path]
	if ok {
		ch.mu.Lock()
		ch.consumers = append(ch.consumers, consumerEntry{id: id, c: c})
		synced, data := ch.synced, ch.data
		ch.mu.Unlock()
		m.mu.Unlock()
		if synced && c.OnData != nil {
			c.OnData(data)
		}
		return id, nil
	}
	m.mu.Unlock()

	ch = &subChannel{path: path}
	ch.consumers = append(ch.consumers, consumerEntry{id: id, c: c})

	dialer := m.dialer
	if dialer == nil {
		dialer = transport.NewWSDialer(transport.WSConfig{ReadTimeout: m.timeout}, m.header, m.logger)
	}
	conn, err := transport.Dial(m.ctx, transport.Options{
		Addr:          m.addr + path,
		Protocols:     []string{LinkProtocolName, transport.GenerateConnID()},
		Dialer:        dialer,
		Clock:         m.clk,
		Logger:        m.logger.With("path", path),
		ReconnectGate: m.gate,
	})
	if err != nil {
		return uuid.Nil, err
	}
	ch.conn = conn
	conn.SetOnMessage(ch.receive)

	m.mu.Lock()
	if existing, raced := m.channels[path]; raced {
		// Another Open dialed the same path first; fold into it.
		m.mu.Unlock()
		conn.Close(transport.CloseNormal, "duplicate channel")
		existing.mu.Lock()
		existing.consumers = append(existing.consumers, consumerEntry{id: id, c: c})
		synced, data := existing.synced, existing.data
		existing.mu.Unlock()
		if synced && c.OnData != nil {
			c.OnData(data)
		}
		return id, nil
	}
	m.channels[path] = ch
	m.mu.Unlock()

	conn.Run()
	m.logger.Info("sub-channel opened", "path", path)
	return id, nil
}

// Release detaches one consumer. The channel itself stays up until the
// sweep finds it without consumers.
func (m *LinkManager) Release(path string, id uuid.UUID) {
	m.mu.Lock()
	ch, ok := m.channels[path]
	m.mu.Unlock()
	if !ok {
		return
	}
	ch.mu.Lock()
	for i, entry := range ch.consumers {
		if entry.id == id {
			ch.consumers = append(ch.consumers[:i], ch.consumers[i+1:]...)
			break
		}
	}
	ch.mu.Unlock()
}

// Update mutates the shared data buffer and schedules a flush. Bursts
// within the debounce window collapse into a single frame carrying the
// final state.
func (m *LinkManager) Update(path, data string) {
	m.mu.Lock()
	ch, ok := m.channels[path]
	m.mu.Unlock()
	if !ok {
		return
	}
	ch.mu.Lock()
	ch.data = data
	ch.synced = true
	if !ch.flushPending {
		ch.flushPending = true
		m.clk.AfterFunc(DebounceInterval, ch.flush)
	}
	ch.mu.Unlock()
}

// Close tears down every channel and stops the sweep.
func (m *LinkManager) Close() {
	m.cancel()
	m.mu.Lock()
	channels := m.channels
	m.channels = make(map[string]*subChannel)
	m.mu.Unlock()
	for _, ch := range channels {
		ch.conn.Close(transport.CloseNormal, "manager closed")
	}
}

// gate holds a link reconnect until the primary connection carries traffic
// again, so links never race the account handshake.
func (m *LinkManager) gate(ctx context.Context) error {
	for {
		switch m.primary.State() {
		case transport.Open, transport.Paused:
			return nil
		}
		t := m.clk.Timer(GatePollInterval)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

func (m *LinkManager) sweepLoop(ticker *clock.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.ctx.Done():
			return
		}
	}
}

// sweep drops consumers that report dead and closes channels left without
// any, forgetting them so a later Open dials fresh.
func (m *LinkManager) sweep() {
	m.mu.Lock()
	channels := make(map[string]*subChannel, len(m.channels))
	for path, ch := range m.channels {
		channels[path] = ch
	}
	m.mu.Unlock()

	for path, ch := range channels {
		ch.mu.Lock()
		kept := ch.consumers[:0]
		for _, entry := range ch.consumers {
			if entry.c.Alive == nil || entry.c.Alive() {
				kept = append(kept, entry)
			}
		}
		ch.consumers = kept
		empty := len(kept) == 0
		ch.mu.Unlock()

		if empty {
			m.mu.Lock()
			delete(m.channels, path)
			m.mu.Unlock()
			ch.conn.Close(transport.CloseNormal, "no consumers left")
			m.logger.Info("sub-channel dropped", "path", path)
		}
	}
}

// receive fans incoming data out to every consumer and acknowledges so the
// peer can send again.
func (ch *subChannel) receive(data string) {
	ch.mu.Lock()
	ch.data = data
	ch.synced = true
	consumers := make([]consumerEntry, len(ch.consumers))
	copy(consumers, ch.consumers)
	ch.mu.Unlock()

	for _, entry := range consumers {
		if entry.c.OnData != nil {
			entry.c.OnData(data)
		}
	}
	ch.conn.Ack()
}

// flush transmits the coalesced buffer.
func (ch *subChannel) flush() {
	ch.mu.Lock()
	data := ch.data
	ch.flushPending = false
	conn := ch.conn
	ch.mu.Unlock()
	if conn != nil && data != "" {
		conn.Send(data)
	}
}
