package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/a-essam23/go-wsuser/internal/auth"
	"github.com/a-essam23/go-wsuser/internal/router"
	"github.com/a-essam23/go-wsuser/internal/server/middleware"
	"github.com/a-essam23/go-wsuser/internal/store"
	"github.com/a-essam23/go-wsuser/pkg/config"
	"github.com/a-essam23/go-wsuser/pkg/frame"
	"github.com/a-essam23/go-wsuser/pkg/state"
	"github.com/a-essam23/go-wsuser/pkg/state/statemanager"
	"github.com/a-essam23/go-wsuser/pkg/transport"
)

// liveConn is one accepted connection with its authentication session.
type liveConn struct {
	conn     *transport.Conn
	sess     *auth.Session
	ip       string
	accepted time.Time
}

// App wires the store, session registry, mailer and command handlers
// behind one HTTP endpoint that upgrades to the application protocol.
type App struct {
	logger     *slog.Logger
	store      state.Store
	registry   *statemanager.Registry
	notifier   auth.Notifier
	extensions *router.Extensions
	wg         sync.WaitGroup
	http       *http.Server
	config     *config.Config

	mu   sync.Mutex
	live map[string]*liveConn

	ctx context.Context
}

// NewApp assembles the application. The notifier is injected so operator
// builds can swap delivery without touching the server.
func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config, notifier auth.Notifier) (*App, error) {
	st, err := openStore(cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	registry, err := statemanager.New(st, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	app := &App{
		logger:     logger,
		store:      st,
		registry:   registry,
		notifier:   notifier,
		extensions: router.NewExtensions(),
		config:     cfg,
		live:       make(map[string]*liveConn),
		ctx:        rootCtx,
	}
	registry.OnChange(app.notifyRevoked)

	mux := http.NewServeMux()
	upgradeHandler := http.HandlerFunc(app.upgradeHandler)

	chain := []middleware.Middleware{
		middleware.RequestMetadataMiddleware(),
		middleware.NewRequestLogger(app.logger),
		middleware.NewConnectionLimiter(
			logger,
			app.countByIP,
			app.cycleOldestByIP,
			app.config.Server.ConnectionLimit,
		),
	}
	if cfg.Server.Auth.JWTGate {
		chain = append(chain, middleware.NewTokenGate(logger, cfg.Server.Auth.JWTSecret))
	}
	mux.Handle("/ws", middleware.Chain(upgradeHandler, chain...))

	app.http = &http.Server{Addr: app.config.Server.Address, Handler: mux, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app, nil
}

func openStore(cfg config.StoreConfig, logger *slog.Logger) (state.Store, error) {
	switch cfg.Driver {
	case "", "json":
		return store.NewJSONStore(cfg.Path, logger)
	case "sqlite":
		return store.NewSQLiteStore(cfg.Path, logger)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// Extensions exposes the registration surface for application commands
// beyond the built-in account set. Register before Run.
func (a *App) Extensions() *router.Extensions { return a.extensions }

func (a *App) Run() error {
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())

	connID, email := transport.ParseIdentity(r.Header.Get("Sec-WebSocket-Protocol"))
	if connID == "" {
		connID = transport.GenerateConnID()
	}
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("connID", connID),
	)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{transport.ProtocolName},
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	sock := transport.NewWebSocket(r.Context(), wsConn,
		transport.WSConfig{ReadTimeout: a.config.Transport.ReadTimeout}, connLogger)
	conn := transport.Accept(r.Context(), sock, transport.Options{
		ConnID:    connID,
		Logger:    connLogger,
		WaitGroup: &a.wg,
	})

	sess := auth.NewSession(conn, a.registry, a.store, a.notifier, connLogger, auth.Config{
		Domain:        a.config.Server.Domain,
		FrontendLog:   a.config.Log.FrontendLog,
		FrontendError: a.config.Log.FrontendError,
	}, reqMeta.IP, email)

	conn.SetOnOpen(sess.Greet)
	conn.SetOnClose(func(code int, reason string) {
		connLogger.Info("Connection closed", slog.Int("code", code), slog.String("reason", reason))
		sess.HandleClose(code, reason)
		a.untrack(connID)
	})
	router.Bind(r.Context(), conn, connLogger, router.Config{
		Builtins: sess.Builtins(),
		Ext:      a.extensions,
	})

	a.track(connID, &liveConn{conn: conn, sess: sess, ip: reqMeta.IP, accepted: time.Now()})
	connLogger.Info("Connection established", slog.String("email", auth.MaskEmail(email)))
	conn.Run()
	<-conn.Done()
	a.untrack(connID)
}

func (a *App) track(connID string, lc *liveConn) {
	a.mu.Lock()
	a.live[connID] = lc
	a.mu.Unlock()
}

func (a *App) untrack(connID string) {
	a.mu.Lock()
	delete(a.live, connID)
	a.mu.Unlock()
}

func (a *App) countByIP(ip string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, lc := range a.live {
		if lc.ip == ip {
			n++
		}
	}
	return n
}

func (a *App) cycleOldestByIP(ip string) {
	a.mu.Lock()
	var oldest *liveConn
	for _, lc := range a.live {
		if lc.ip != ip {
			continue
		}
		if oldest == nil || lc.accepted.Before(oldest.accepted) {
			oldest = lc
		}
	}
	a.mu.Unlock()
	if oldest != nil {
		a.logger.Info("Cycling connection: closing oldest", slog.String("ip", ip), slog.String("connID", oldest.conn.ID()))
		oldest.conn.Close(transport.ClosePolicyViolation, "connection cycled by new connection")
	}
}

// notifyRevoked runs after every registry mutation, including reloads from
// external edits to the backing record, and tells connections whose
// identity lost its session entry that they are logged out.
func (a *App) notifyRevoked() {
	a.mu.Lock()
	conns := make([]*liveConn, 0, len(a.live))
	for _, lc := range a.live {
		conns = append(conns, lc)
	}
	a.mu.Unlock()

	for _, lc := range conns {
		email := lc.sess.Email()
		if email == "" {
			continue
		}
		if a.registry.IsLoggedIn(email, lc.conn.ID()) {
			continue
		}
		go lc.conn.Send(auth.Userinfo{Message: "You are logged out.", AlertType: auth.AlertSuccess}.Frame())
	}
}

// RedirectConnection asks one connection to re-dial against another port.
func (a *App) RedirectConnection(connID string, port int) bool {
	a.mu.Lock()
	lc, ok := a.live[connID]
	a.mu.Unlock()
	if !ok {
		return false
	}
	go lc.conn.Send(frame.Redirect(port))
	return true
}

// graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// close all active WebSocket connections.
	a.logger.Info("Closing all active connections...")
	a.mu.Lock()
	conns := make([]*liveConn, 0, len(a.live))
	for _, lc := range a.live {
		conns = append(conns, lc)
	}
	a.mu.Unlock()
	for _, lc := range conns {
		lc.conn.Close(transport.CloseGoingAway, "server shutting down")
	}

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return a.store.Close()
}
