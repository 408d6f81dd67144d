package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/a-essam23/go-wsuser/internal/router"
	"github.com/a-essam23/go-wsuser/pkg/mask"
	"github.com/a-essam23/go-wsuser/pkg/state"
	"github.com/a-essam23/go-wsuser/pkg/transport"
)

// Notifier delivers security codes out of band. Debug reports whether a
// failed delivery should be tolerated and the code logged instead, which
// keeps local development working without an SMTP relay.
type Notifier interface {
	Send(to, subject, body string) error
	Debug() bool
}

// Config carries the non-collaborator knobs of a session.
type Config struct {
	// Domain is substituted into the security code mail template.
	Domain string
	// FrontendLog receives lines from the log command. Empty disables the
	// file and routes them to the structured logger only.
	FrontendLog string
	// FrontendError receives lines from the log_error command.
	FrontendError string
}

const securityCodeSubject = "Your security code"

const securityCodeTemplate = `Hello,

your security code for [domain] is:

    [securitycode]

It was requested for [email]. If that was not you, ignore this message.
`

// Session is the per-connection authentication state machine. It owns the
// identity bound to one connection and mutates the shared registry; all
// other connection state lives in transport.Conn.
type Session struct {
	conn     *transport.Conn
	registry state.Registry
	store    state.Store
	notifier Notifier
	logger   *slog.Logger
	cfg      Config
	clientIP string

	mu      sync.Mutex
	email   string
	pending *state.UserRecord
}

// NewSession binds an authentication session to conn. email is the cached
// identity the peer presented during the handshake, possibly empty.
func NewSession(conn *transport.Conn, registry state.Registry, store state.Store, notifier Notifier, logger *slog.Logger, cfg Config, clientIP, email string) *Session {
	return &Session{
		conn:     conn,
		registry: registry,
		store:    store,
		notifier: notifier,
		logger:   logger.With("component", "auth", "connID", conn.ID()),
		cfg:      cfg,
		clientIP: clientIP,
		email:    strings.TrimSpace(email),
	}
}

// Builtins returns the account command handlers keyed by command name.
func (s *Session) Builtins() map[string]router.HandlerFunc {
	return map[string]router.HandlerFunc{
		"login":           s.login,
		"logout":          s.logout,
		"create_account":  s.createAccount,
		"update_name":     s.updateName,
		"update_password": s.updatePassword,
		"security_code":   s.securityCode,
		"log":             s.frontendLog,
		"log_error":       s.frontendError,
	}
}

// Email returns the identity currently bound to the connection.
func (s *Session) Email() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.email
}

// Greet sends the initial userinfo frame. A connection whose handshake
// identity still holds a registry entry for this connID resumes logged in;
// everything else starts logged out.
func (s *Session) Greet() {
	email := s.Email()
	if email != "" {
		if entry, ok := s.registry.Lookup(email); ok && entry.Has(s.conn.ID()) {
			s.send(Userinfo{IsLogged: true}.WithSession(&entry))
			return
		}
	}
	s.send(Userinfo{IsLogged: false})
}

// HandleClose revokes the session when the peer went away without a clean
// logout. Normal and policy closes keep the entry so the user stays logged
// in across deliberate reconnects.
func (s *Session) HandleClose(code int, _ string) {
	if code != transport.CloseGoingAway && code != transport.CloseAbnormal {
		return
	}
	email := s.Email()
	if email == "" {
		return
	}
	if err := s.registry.Revoke(email, s.conn.ID()); err != nil {
		s.logger.Error("session revoke failed", "email", email, "error", err)
	}
}

func (s *Session) send(u Userinfo) {
	s.conn.Send(u.Frame())
}

func (s *Session) fail(msg string) {
	s.send(Userinfo{Message: msg, AlertType: AlertWarning})
}

// loadUser resolves email to its stored record, answering the connection
// itself on validation or lookup failure.
func (s *Session) loadUser(email string) (*state.UserRecord, bool) {
	if !ValidEmail(email) {
		s.fail("User email not validated.")
		return nil, false
	}
	var rec state.UserRecord
	err := s.store.Load(state.UserKey(email), &rec)
	if errors.Is(err, state.ErrNotFound) {
		s.fail("User does not exist. (" + email + ")")
		return nil, false
	}
	if err != nil {
		s.logger.Error("user record load failed", "email", email, "error", err)
		s.fail("Loading the user account failed.")
		return nil, false
	}
	return &rec, true
}

func (s *Session) unmask(body string) (string, bool) {
	plain, err := mask.Unmask(body, s.conn.ID())
	if err != nil {
		s.logger.Warn("unmasking failed", "error", err)
		s.fail("The request could not be decoded.")
		return "", false
	}
	return plain, true
}

func (s *Session) login(_ context.Context, body string, _ func()) {
	plain, ok := s.unmask(body)
	if !ok {
		return
	}
	email, password, _ := strings.Cut(plain, ":")
	rec, ok := s.loadUser(email)
	if !ok {
		return
	}

	s.mu.Lock()
	old := s.email
	s.email = email
	s.mu.Unlock()

	if !CheckPassword(password, rec.Password) {
		// Only the address and the pending-code flag go back to a peer
		// that failed the password check.
		s.send(Userinfo{
			Message:      "Wrong password.",
			AlertType:    AlertWarning,
			Email:        rec.Email,
			SecurityCode: rec.SecurityCode != "",
		})
		return
	}

	if err := s.registry.Swap(old, email, s.conn.ID(), rec); err != nil {
		s.logger.Error("session grant failed", "email", email, "error", err)
		s.fail("Logging in failed.")
		return
	}
	if s.clientIP != "" && !rec.HasIP(s.clientIP) {
		rec.IPAddresses = append(rec.IPAddresses, s.clientIP)
		if err := s.store.Save(state.UserKey(email), rec); err != nil {
			s.logger.Error("user record save failed", "email", email, "error", err)
		}
	}
	s.logger.Info("logged in", "email", email)
	s.send(Userinfo{IsLogged: true, Message: "You are logged in.", AlertType: AlertSuccess}.WithUser(rec))
}

func (s *Session) logout(_ context.Context, body string, _ func()) {
	target := strings.TrimSpace(body)
	email := s.Email()
	if email == "" {
		s.send(Userinfo{Message: "You are logged out.", AlertType: AlertSuccess})
		return
	}

	if target != "" {
		if entry, ok := s.registry.Lookup(email); ok && entry.Has(target) {
			if err := s.registry.Revoke(email, target); err != nil {
				s.logger.Error("session revoke failed", "email", email, "error", err)
			}
			s.send(Userinfo{Message: "You are logged out.", AlertType: AlertSuccess})
			return
		}
	}
	if err := s.registry.RevokeAll(email); err != nil {
		s.logger.Error("session revoke failed", "email", email, "error", err)
	}
	s.logger.Info("logged out", "email", email)
	s.send(Userinfo{Message: "You are logged out everywhere.", AlertType: AlertSuccess})
}

func (s *Session) createAccount(_ context.Context, body string, _ func()) {
	plain, ok := s.unmask(body)
	if !ok {
		return
	}
	parts := strings.SplitN(plain, ":", 3)
	if len(parts) < 3 {
		s.fail("The request could not be decoded.")
		return
	}
	email, password, name := parts[0], parts[1], parts[2]
	if !ValidEmail(email) {
		s.fail("User email not validated.")
		return
	}
	exists, err := s.store.Exists(state.UserKey(email))
	if err != nil {
		s.logger.Error("user record lookup failed", "email", email, "error", err)
		s.fail("Creating the account failed.")
		return
	}
	if exists {
		s.fail("Email in use. (" + email + ")")
		return
	}

	rec := &state.UserRecord{
		Email:         email,
		Password:      HashPassword(password),
		Name:          name,
		Organizations: []string{},
		Roles:         []string{"user"},
	}
	s.mu.Lock()
	s.email = email
	s.pending = rec
	s.mu.Unlock()

	if !s.deliverSecurityCode(rec) {
		return
	}
	s.send(Userinfo{Message: "Please check your email for the security code.", AlertType: AlertInfo, Email: email, SecurityCode: true})
}

func (s *Session) updateName(_ context.Context, body string, _ func()) {
	email, name, ok := strings.Cut(body, ":")
	if !ok {
		s.fail("The request could not be decoded.")
		return
	}
	rec, loaded := s.loadUser(email)
	if !loaded {
		return
	}
	rec.Name = name
	if err := s.store.Save(state.UserKey(email), rec); err != nil {
		s.logger.Error("user record save failed", "email", email, "error", err)
		s.fail("Updating the name failed.")
		return
	}
	if err := s.registry.SetName(email, name); err != nil && !errors.Is(err, state.ErrNotFound) {
		s.logger.Error("session name update failed", "email", email, "error", err)
	}
	s.send(Userinfo{IsLogged: true, Message: "Your name is updated.", AlertType: AlertSuccess}.WithUser(rec))
}

func (s *Session) updatePassword(_ context.Context, body string, _ func()) {
	plain, ok := s.unmask(body)
	if !ok {
		return
	}
	email, password, _ := strings.Cut(plain, ":")
	rec, loaded := s.loadUser(email)
	if !loaded {
		return
	}
	rec.Password = HashPassword(password)
	if err := s.store.Save(state.UserKey(email), rec); err != nil {
		s.logger.Error("user record save failed", "email", email, "error", err)
		s.fail("Updating the password failed.")
		return
	}
	s.send(Userinfo{IsLogged: true, Message: "Your password is updated.", AlertType: AlertSuccess}.WithUser(rec))
}

// securityCode handles three flows on one command: confirming a staged
// account creation, requesting a password reset code, and confirming one.
func (s *Session) securityCode(_ context.Context, body string, _ func()) {
	plain, ok := s.unmask(body)
	if !ok {
		return
	}
	parts := strings.SplitN(plain, ":", 3)
	email := parts[0]
	var code, reset string
	if len(parts) > 1 {
		code = parts[1]
	}
	if len(parts) > 2 {
		reset = parts[2]
	}

	s.mu.Lock()
	pending := s.pending
	old := s.email
	s.mu.Unlock()

	if pending != nil && pending.Email == email && code != "" && reset == "" {
		s.confirmCreation(pending, old, code)
		return
	}

	rec, loaded := s.loadUser(email)
	if !loaded {
		return
	}
	if code == "" {
		s.requestReset(rec)
		return
	}
	s.confirmReset(rec, old, code)
}

// confirmCreation persists the staged record on a matching code. A
// mismatch discards the staging entirely, so the client has to restart
// account creation.
func (s *Session) confirmCreation(pending *state.UserRecord, old, code string) {
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()

	if code != pending.SecurityCode || pending.SecurityCode == "" {
		s.fail("The security code does not match, try again. (" + pending.Email + ")")
		return
	}
	pending.SecurityCode = ""
	if err := s.store.Save(state.UserKey(pending.Email), pending); err != nil {
		s.logger.Error("user record save failed", "email", pending.Email, "error", err)
		s.fail("Creating the account failed.")
		return
	}
	if err := s.registry.Swap(old, pending.Email, s.conn.ID(), pending); err != nil {
		s.logger.Error("session grant failed", "email", pending.Email, "error", err)
		s.fail("Logging in failed.")
		return
	}
	s.logger.Info("account created", "email", MaskEmail(pending.Email))
	s.send(Userinfo{IsLogged: true, Message: "You are logged in.", AlertType: AlertSuccess}.WithUser(pending))
}

// requestReset attaches a fresh code to the stored record and delivers it.
func (s *Session) requestReset(rec *state.UserRecord) {
	if !s.deliverSecurityCode(rec) {
		return
	}
	if err := s.store.Save(state.UserKey(rec.Email), rec); err != nil {
		s.logger.Error("user record save failed", "email", rec.Email, "error", err)
		s.fail("Requesting the security code failed.")
		return
	}
	s.send(Userinfo{Message: "Please check your email for the security code.", AlertType: AlertInfo, Email: rec.Email, SecurityCode: true})
}

// confirmReset logs the user in with the resetPassword marker set so the
// client prompts for a new password. Unlike creation, a mismatch keeps the
// stored code so the user may retry.
func (s *Session) confirmReset(rec *state.UserRecord, old, code string) {
	if rec.SecurityCode == "" || code != rec.SecurityCode {
		s.fail("The security code does not match, try again. (" + rec.Email + ")")
		return
	}
	rec.SecurityCode = ""
	if err := s.registry.Swap(old, rec.Email, s.conn.ID(), rec); err != nil {
		s.logger.Error("session grant failed", "email", rec.Email, "error", err)
		s.fail("Logging in failed.")
		return
	}
	s.mu.Lock()
	s.email = rec.Email
	s.mu.Unlock()

	resp := Userinfo{IsLogged: true, Message: "You are logged in.", AlertType: AlertSuccess}.WithUser(rec)
	resp.ResetPassword = true
	s.send(resp)

	// The marker is for this response only, the persisted record stays
	// clean with the code consumed.
	if err := s.store.Save(state.UserKey(rec.Email), rec); err != nil {
		s.logger.Error("user record save failed", "email", rec.Email, "error", err)
	}
}

// deliverSecurityCode stamps a fresh code onto rec and mails it. On
// delivery failure outside debug mode the code is cleared again and the
// connection told, returning false.
func (s *Session) deliverSecurityCode(rec *state.UserRecord) bool {
	rec.SecurityCode = GenerateSecurityCode()
	text := strings.NewReplacer(
		"[domain]", s.cfg.Domain,
		"[email]", MaskEmail(rec.Email),
		"[securitycode]", rec.SecurityCode,
	).Replace(securityCodeTemplate)
	if err := s.notifier.Send(rec.Email, securityCodeSubject, text); err != nil {
		if s.notifier.Debug() {
			s.logger.Info("security code delivery skipped",
				"email", MaskEmail(rec.Email), "code", rec.SecurityCode, "error", err)
			return true
		}
		s.logger.Error("security code delivery failed", "email", MaskEmail(rec.Email), "error", err)
		rec.SecurityCode = ""
		s.fail("Sending the security code email failed.")
		return false
	}
	s.logger.Info("security code sent", "email", MaskEmail(rec.Email))
	return true
}
