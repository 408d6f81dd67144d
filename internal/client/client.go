// Package client implements the dialing side of the protocol: one primary
// connection carrying account commands plus a manager for data sub-channels.
package client

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/tidwall/gjson"

	"github.com/a-essam23/go-wsuser/internal/router"
	"github.com/a-essam23/go-wsuser/pkg/frame"
	"github.com/a-essam23/go-wsuser/pkg/mask"
	"github.com/a-essam23/go-wsuser/pkg/transport"
)

// Userinfo is the decoded state carried by a userinfo frame.
type Userinfo struct {
	IsLogged      bool
	Message       string
	AlertType     string
	Email         string
	Name          string
	SecurityCode  bool
	ResetPassword bool
}

// Options configures a primary connection.
type Options struct {
	// Addr is the websocket URL of the endpoint.
	Addr string
	// Email is the cached identity presented during the handshake.
	Email string
	// ConnID overrides the generated connection identifier.
	ConnID string

	Header      http.Header
	ReadTimeout time.Duration
	Logger      *slog.Logger
	Clock       clock.Clock

	// Dialer overrides the websocket dialer.
	Dialer transport.Dialer

	// OnUserinfo observes every account state frame.
	OnUserinfo func(info Userinfo)
}

// Client is the primary connection. Account helpers mask their payloads
// with the connection identifier before sending.
type Client struct {
	conn       *transport.Conn
	extensions *router.Extensions
	logger     *slog.Logger

	mu    sync.Mutex
	last  Userinfo
	email string

	onUserinfo func(info Userinfo)
}

// Dial opens the primary connection and starts dispatch.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	connID := opts.ConnID
	if connID == "" {
		connID = transport.GenerateConnID()
	}

	c := &Client{
		extensions: router.NewExtensions(),
		logger:     opts.Logger.With("component", "client"),
		email:      opts.Email,
		onUserinfo: opts.OnUserinfo,
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = transport.NewWSDialer(transport.WSConfig{ReadTimeout: opts.ReadTimeout}, opts.Header, opts.Logger)
	}
	conn, err := transport.Dial(ctx, transport.Options{
		ConnID:           connID,
		Addr:             opts.Addr,
		Protocols:        transport.IdentityProtocols(connID, opts.Email),
		Dialer:           dialer,
		Clock:            opts.Clock,
		Logger:           opts.Logger,
		OnForgetIdentity: c.forgetIdentity,
	})
	if err != nil {
		return nil, err
	}
	c.conn = conn

	router.Bind(ctx, conn, opts.Logger, router.Config{
		Builtins: map[string]router.HandlerFunc{
			"userinfo": c.handleUserinfo,
		},
		Ext: c.extensions,
	})
	conn.Run()
	return c, nil
}

// Extensions exposes the registration surface for application commands.
func (c *Client) Extensions() *router.Extensions { return c.extensions }

func (c *Client) ConnID() string             { return c.conn.ID() }
func (c *Client) State() transport.State     { return c.conn.State() }
func (c *Client) Done() <-chan struct{}      { return c.conn.Done() }
func (c *Client) Close(code int, msg string) { c.conn.Close(code, msg) }

// Email returns the identity last confirmed or presented.
func (c *Client) Email() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.email
}

// Last returns the most recent account state.
func (c *Client) Last() Userinfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// IsLogged reports whether the last account state was a live session.
func (c *Client) IsLogged() bool { return c.Last().IsLogged }

// Send emits an arbitrary command frame, subject to flow control.
func (c *Client) Send(command, body string) {
	c.conn.Send(frame.Format(command, body))
}

func (c *Client) sendMasked(command string, parts ...string) error {
	body, err := mask.Mask(strings.Join(parts, ":"), c.conn.ID())
	if err != nil {
		return err
	}
	c.conn.Send(frame.Format(command, body))
	return nil
}

func (c *Client) Login(email, password string) error {
	return c.sendMasked("login", email, password)
}

// Logout ends the session. An empty connID logs out everywhere, a specific
// one revokes only that connection.
func (c *Client) Logout(connID string) {
	c.conn.Send(frame.Format("logout", connID))
}

func (c *Client) CreateAccount(email, password, name string) error {
	return c.sendMasked("create_account", email, password, name)
}

func (c *Client) UpdateName(email, name string) {
	c.conn.Send(frame.Format("update_name", email+":"+name))
}

func (c *Client) UpdatePassword(email, password string) error {
	return c.sendMasked("update_password", email, password)
}

// RequestSecurityCode asks for a password reset code by mail.
func (c *Client) RequestSecurityCode(email string) error {
	return c.sendMasked("security_code", email)
}

// ConfirmSecurityCode submits a received code. reset forces the password
// reset interpretation even while an account creation is staged.
func (c *Client) ConfirmSecurityCode(email, code string, reset bool) error {
	flag := ""
	if reset {
		flag = "reset"
	}
	return c.sendMasked("security_code", email, code, flag)
}

// Log ships a frontend log line to the server.
func (c *Client) Log(message string) {
	c.conn.Send(frame.Format("log", message))
}

// LogError ships a frontend error line to the server.
func (c *Client) LogError(message string) {
	c.conn.Send(frame.Format("log_error", message))
}

func (c *Client) handleUserinfo(_ context.Context, body string, _ func()) {
	if !gjson.Valid(body) {
		c.logger.Warn("malformed userinfo payload")
		return
	}
	info := Userinfo{
		IsLogged:      gjson.Get(body, "isLogged").Bool(),
		Message:       gjson.Get(body, "message").String(),
		AlertType:     gjson.Get(body, "alerttype").String(),
		Email:         gjson.Get(body, "email").String(),
		Name:          gjson.Get(body, "name").String(),
		SecurityCode:  gjson.Get(body, "securityCode").Bool(),
		ResetPassword: gjson.Get(body, "resetPassword").Bool(),
	}

	c.mu.Lock()
	c.last = info
	if info.Email != "" {
		c.email = info.Email
	}
	fn := c.onUserinfo
	c.mu.Unlock()

	c.logger.Debug("account state", "isLogged", info.IsLogged, "message", info.Message)
	if fn != nil {
		fn(info)
	}
}

// forgetIdentity runs when the server closes with the forget-identity code.
func (c *Client) forgetIdentity() {
	c.mu.Lock()
	c.email = ""
	c.last = Userinfo{}
	c.mu.Unlock()
	c.logger.Info("cached identity dropped on server request")
}
