package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// WSConfig tunes the websocket-backed socket.
type WSConfig struct {
	// ReadTimeout bounds a single read; zero disables the deadline.
	ReadTimeout time.Duration
}

// wsSocket adapts *websocket.Conn to the Socket capability.
type wsSocket struct {
	conn    *websocket.Conn
	config  WSConfig
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	writeMu sync.Mutex
	runOnce sync.Once
}

// NewWebSocket wraps an already-handshaked websocket connection (either
// accepted or dialed).
func NewWebSocket(parent context.Context, conn *websocket.Conn, config WSConfig, logger *slog.Logger) Socket {
	ctx, cancel := context.WithCancel(parent)
	return &wsSocket{
		conn:   conn,
		config: config,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// NewWSDialer returns a Dialer backed by websocket.Dial. The same dialer is
// reused across reconnects so identity negotiation stays consistent.
func NewWSDialer(config WSConfig, header http.Header, logger *slog.Logger) Dialer {
	return func(ctx context.Context, addr string, protocols []string) (Socket, error) {
		conn, _, err := websocket.Dial(ctx, addr, &websocket.DialOptions{
			Subprotocols: protocols,
			HTTPHeader:   header,
		})
		if err != nil {
			return nil, err
		}
		return NewWebSocket(ctx, conn, config, logger), nil
	}
}

func (s *wsSocket) Run(h Handlers) {
	s.runOnce.Do(func() {
		if h.Open != nil {
			h.Open()
		}
		go s.readPump(h)
	})
}

// readPump pumps messages from the websocket to the handlers until the
// socket dies, then reports the close code.
func (s *wsSocket) readPump(h Handlers) {
	for {
		readCtx := s.ctx
		cancelRead := context.CancelFunc(func() {})
		if s.config.ReadTimeout > 0 {
			readCtx, cancelRead = context.WithTimeout(s.ctx, s.config.ReadTimeout)
		}
		typ, r, err := s.conn.Reader(readCtx)
		if err != nil {
			cancelRead()
			s.reportClose(h, err)
			return
		}
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			cancelRead()
			continue
		}
		data, err := io.ReadAll(r)
		cancelRead()
		if err != nil {
			s.reportClose(h, err)
			return
		}
		if h.Message != nil {
			h.Message(string(data))
		}
	}
}

func (s *wsSocket) reportClose(h Handlers, err error) {
	s.cancel()
	code := int(websocket.CloseStatus(err))
	reason := ""
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		reason = ce.Reason
	}
	if code < 0 {
		// Reader failed without a close frame: abnormal closure.
		code = CloseAbnormal
		if err != nil {
			reason = err.Error()
		}
		if h.Error != nil {
			h.Error(err)
		}
	}
	if h.Close != nil {
		h.Close(code, reason)
	}
}

func (s *wsSocket) Send(data string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(s.ctx, websocket.MessageText, []byte(data))
}

func (s *wsSocket) Close(code int, reason string) error {
	defer s.cancel()
	return s.conn.Close(websocket.StatusCode(code), reason)
}

func (s *wsSocket) Protocol() string {
	return s.conn.Subprotocol()
}
