// Package websocket serves the chat endpoints: it admits connections into
// rooms and routes their events.
package websocket

import (
	"chatroom-server/core"
	"chatroom-server/matchmaking"
	"chatroom-server/middleware"
	"chatroom-server/rooms"
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/render"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// cleanupTimeout bounds store calls made while tearing a connection down.
const cleanupTimeout = 5 * time.Second

type Options struct {
	// AllowedOrigins lists browser origins allowed to connect; "*" allows
	// any. When empty, only same-host origins are accepted.
	AllowedOrigins []string
	MaxMessageSize int64
	SendBuffer     int
}

// Gateway admits websocket connections into rooms and runs them until they
// disconnect.
type Gateway struct {
	registry   *rooms.Registry
	router     *Router
	users      core.UserStore
	matchmaker *matchmaking.Matchmaker
	opts       Options
	upgrader   websocket.Upgrader

	mu      sync.Mutex
	conns   map[*Conn]struct{}
	closing bool
	wg      sync.WaitGroup
}

func NewGateway(registry *rooms.Registry, router *Router, users core.UserStore, matchmaker *matchmaking.Matchmaker, opts Options) *Gateway {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 64 * 1024
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}

	g := &Gateway{
		registry:   registry,
		router:     router,
		users:      users,
		matchmaker: matchmaker,
		opts:       opts,
		conns:      make(map[*Conn]struct{}),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     newOriginChecker(opts.AllowedOrigins),
	}
	return g
}

// HandlePublic serves the public room.
func (g *Gateway) HandlePublic() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g.serve(w, r, false)
	}
}

// HandlePrivate pairs the caller into a two-person room.
func (g *Gateway) HandlePrivate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g.serve(w, r, true)
	}
}

func (g *Gateway) serve(w http.ResponseWriter, r *http.Request, private bool) {
	ctx := r.Context()
	username := middleware.Username(ctx)
	if username == "" {
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, map[string]string{"error": "authentication required"})
		return
	}
	log := logrus.WithFields(logrus.Fields{
		"username": username,
		"private":  private,
	})

	if err := g.users.EnsureUser(ctx, username); err != nil {
		log.WithField("error", err).Error("Failed to register user")
		http.Error(w, "Failed to register user", http.StatusInternalServerError)
		return
	}

	roomID, capacity := core.PublicRoomID, 0
	if private {
		var err error
		roomID, err = g.matchmaker.Assign(ctx, username)
		switch {
		case errors.Is(err, core.ErrRoomFull), errors.Is(err, core.ErrAlreadyMember):
			http.Error(w, "Room is full", http.StatusConflict)
			return
		case err != nil:
			http.Error(w, "Failed to assign room", http.StatusInternalServerError)
			return
		}
		capacity = core.PrivateRoomCapacity

		// live re-check before completing the handshake
		if g.registry.Count(roomID) >= capacity {
			log.WithField("room_id", roomID).Warn("Private room already has two live members")
			g.release(roomID, username)
			http.Error(w, "Room is full", http.StatusConflict)
			return
		}
	}
	log = log.WithField("room_id", roomID)

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already answered the request
		log.WithField("error", err).Warn("Websocket upgrade failed")
		if private {
			g.release(roomID, username)
		}
		return
	}

	c := newConn(ws, username, roomID, private, g.opts.SendBuffer)
	if !g.track(c) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		_ = ws.Close()
		if private {
			g.release(roomID, username)
		}
		return
	}

	if err := g.registry.Join(roomID, capacity, c); err != nil {
		log.WithField("error", err).Warn("Refusing connection")
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "room is full"),
			time.Now().Add(writeWait))
		_ = ws.Close()
		g.untrack(c)
		if private {
			g.release(roomID, username)
		}
		return
	}

	log.Info("Client connected")
	go g.run(c)
}

// run drives the pumps of c and tears it down once both have stopped.
func (g *Gateway) run(c *Conn) {
	defer g.untrack(c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(c.writePump)
	g.router.Welcome(gctx, c)
	grp.Go(func() error {
		return c.readPump(gctx, g.opts.MaxMessageSize, func(ctx context.Context, raw []byte) error {
			return g.router.Dispatch(ctx, c, raw)
		})
	})

	if err := grp.Wait(); err != nil {
		c.log().WithField("error", err).Warn("Connection closed with error")
	}
	g.teardown(c)
}

// teardown runs exactly once per admitted connection, after its transport is
// gone. Nothing here depends on the peer still being reachable.
func (g *Gateway) teardown(c *Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	g.registry.Leave(c.roomID, c)
	g.router.Farewell(ctx, c)
	if c.private {
		g.release(c.roomID, c.username)
	}
	c.log().Info("Client disconnected")
}

func (g *Gateway) release(roomID, username string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	_ = g.matchmaker.Release(ctx, roomID, username)
}

func (g *Gateway) track(c *Conn) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return false
	}
	g.conns[c] = struct{}{}
	g.wg.Add(1)
	return true
}

func (g *Gateway) untrack(c *Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.conns[c]; ok {
		delete(g.conns, c)
		g.wg.Done()
	}
}

// Shutdown refuses new connections, closes the live ones and waits for their
// teardown or for ctx to expire.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	conns := make([]*Conn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	logrus.WithField("connections", len(conns)).Info("Closing websocket connections")
	for _, c := range conns {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newOriginChecker(origins []string) func(r *http.Request) bool {
	allowed := make(map[string]struct{}, len(origins))
	allowAll := false
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "*" {
			allowAll = true
			continue
		}
		if normalized, ok := normalizeOrigin(trimmed); ok {
			allowed[normalized] = struct{}{}
		} else if trimmed != "" {
			logrus.WithField("origin", origin).Warn("Ignoring invalid origin in configuration")
		}
	}

	return func(r *http.Request) bool {
		originHeader := r.Header.Get("Origin")
		if originHeader == "" || allowAll {
			// non-browser clients send no Origin
			return true
		}
		origin, ok := normalizeOrigin(originHeader)
		if !ok {
			return false
		}
		if len(allowed) == 0 {
			return strings.EqualFold(strings.TrimPrefix(strings.TrimPrefix(origin, "http://"), "https://"), r.Host)
		}
		if _, ok := allowed[origin]; ok {
			return true
		}
		logrus.WithField("origin", originHeader).Warn("Blocked websocket connection from disallowed origin")
		return false
	}
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}
