package main

import (
	"chatroom-server/config"
	"chatroom-server/core"
	"chatroom-server/handlers/api/chatrooms"
	"chatroom-server/handlers/api/uploads"
	"chatroom-server/handlers/websocket"
	"chatroom-server/matchmaking"
	authmw "chatroom-server/middleware"
	"chatroom-server/rooms"
	"chatroom-server/stores"
	"context"
	"errors"
	"flag"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

type server struct {
	cfg      config.Config
	store    core.ChatStore
	files    core.FileStore
	registry *rooms.Registry
	gateway  *websocket.Gateway
	identity authmw.IdentityProvider
}

func newServer(cfg config.Config, store core.ChatStore, files core.FileStore, identity authmw.IdentityProvider) *server {
	registry := rooms.NewRegistry()
	router := websocket.NewRouter(registry, store, store, cfg.HistoryLimit)
	gateway := websocket.NewGateway(registry, router, store, matchmaking.New(store, store), websocket.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		MaxMessageSize: cfg.MaxMessageSize,
		SendBuffer:     cfg.SendBuffer,
	})

	return &server{
		cfg:      cfg,
		store:    store,
		files:    files,
		registry: registry,
		gateway:  gateway,
		identity: identity,
	}
}

func corsOptions(allowed []string) cors.Options {
	opts := cors.Options{
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}
	if len(allowed) > 0 {
		opts.AllowedOrigins = allowed
		return opts
	}

	// local development frontends only
	opts.AllowOriginFunc = func(r *http.Request, origin string) bool {
		parsed, err := url.Parse(origin)
		if err != nil {
			return false
		}
		switch parsed.Scheme {
		case "http", "https":
			switch parsed.Hostname() {
			case "localhost", "127.0.0.1", "::1":
				return true
			}
		}
		return false
	}
	return opts
}

func (s *server) setupRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(authmw.RedactQuery("token"))
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(corsOptions(s.cfg.AllowedOrigins)))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, map[string]string{"status": "ok"})
	})

	if s.cfg.Files.Type != "s3" {
		prefix := "/" + strings.Trim(s.cfg.Files.MediaURL, "/") + "/"
		r.Handle(prefix+"*", mediaHandler(prefix, s.cfg.Files.LocalPath))
	}

	r.Group(func(r chi.Router) {
		r.Use(authmw.Identity(s.identity))

		r.Get("/ws/chat/", s.gateway.HandlePublic())
		r.Get("/ws/private-chat/", s.gateway.HandlePrivate())
		r.Post("/upload/", uploads.HandleUpload(s.files))
		r.Get("/api/rooms", chatrooms.HandleListRooms(s.registry, s.store))
		r.Get("/api/rooms/{roomId}/messages", chatrooms.HandleRoomMessages(s.store, s.store, s.cfg.HistoryLimit))
	})

	return r
}

// mediaHandler serves uploads from dir. Only raster images render inline;
// everything else, svg included, is sent as an attachment.
func mediaHandler(prefix, dir string) http.Handler {
	fs := http.StripPrefix(prefix, http.FileServer(http.Dir(dir)))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		if !inlineMedia(r.URL.Path) {
			w.Header().Set("Content-Disposition", "attachment")
		}
		fs.ServeHTTP(w, r)
	})
}

func inlineMedia(name string) bool {
	contentType := mime.TypeByExtension(strings.ToLower(path.Ext(name)))
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.HasPrefix(mediaType, "image/") && mediaType != "image/svg+xml"
}

// shutdownOperations run in parallel. Connections tear down through the
// store, so the store closes only after the gateway has drained.
func (s *server) shutdownOperations(httpServer *http.Server) map[string]gfshutdown.Operation {
	return map[string]gfshutdown.Operation{
		"http-server": func(ctx context.Context) error {
			// hijacked websocket connections are not tracked by the server
			return httpServer.Shutdown(ctx)
		},
		"gateway-and-store": func(ctx context.Context) error {
			if err := s.gateway.Shutdown(ctx); err != nil {
				return err
			}
			return s.store.Close()
		},
	}
}

func identityProvider(cfg config.AuthConfig) (authmw.IdentityProvider, error) {
	switch cfg.Mode {
	case "header":
		logrus.WithField("header", cfg.Header).Warn("Trusting identity header, run behind an authenticating proxy")
		return authmw.HeaderProvider{Header: cfg.Header}, nil
	case "jwt", "":
		if cfg.JWTSecret == "" {
			return nil, errors.New("JWT_SECRET is required when AUTH_MODE=jwt")
		}
		return authmw.JWTProvider{Secret: []byte(cfg.JWTSecret)}, nil
	default:
		return nil, fmt.Errorf("unknown AUTH_MODE %q", cfg.Mode)
	}
}

func main() {
	cfg := config.Load()

	logLevel := flag.String("loglevel", cfg.LogLevel, "Set the logging level: debug, info, warn, error, fatal, panic")
	listenAddr := flag.String("listen", cfg.ListenAddr, "Set the server listen address")
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	cfg.ListenAddr = *listenAddr

	identity, err := identityProvider(cfg.Auth)
	if err != nil {
		logrus.WithField("error", err).Fatal("Invalid authentication settings")
	}

	store := stores.GetStore(cfg)
	files := stores.GetFileStore(cfg.Files)
	s := newServer(cfg, store, files, identity)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: s.setupRouter(),
	}

	logrus.WithField("addr", cfg.ListenAddr).Info("starting server")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithField("event", "start server").Fatal(err)
		}
	}()

	wait := gfshutdown.GracefulShutdown(context.Background(), cfg.ShutdownTimeout, s.shutdownOperations(httpServer))

	exitCode := <-wait
	logrus.WithField("code", exitCode).Info("Server stopped")
	os.Exit(exitCode)
}
