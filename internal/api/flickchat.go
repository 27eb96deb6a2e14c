package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/flickchat/internal/config"
	"github.com/npezzotti/flickchat/internal/database"
	"github.com/npezzotti/flickchat/internal/server"
	"github.com/npezzotti/flickchat/internal/share"
)

type FlickChatApp struct {
	log            *log.Logger
	db             database.FlickChatRepository
	mux            *http.Server
	cs             *server.ChatServer
	injector       *share.Injector
	signingKey     []byte
	allowedOrigins []string
}

func NewFlickChatApp(mux *http.ServeMux, logger *log.Logger, cs *server.ChatServer, db database.FlickChatRepository,
	injector *share.Injector, cfg *config.Config) *FlickChatApp {
	s := &FlickChatApp{
		log:            logger,
		db:             db,
		cs:             cs,
		injector:       injector,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("POST /api/session", s.identityMiddleware(s.session))
	mux.HandleFunc("GET /api/contacts", s.identityMiddleware(s.contacts))
	mux.HandleFunc("POST /api/presence/heartbeat", s.identityMiddleware(s.heartbeat))
	mux.HandleFunc("GET /api/conversations/{uid}/messages", s.identityMiddleware(s.getMessages))
	mux.HandleFunc("POST /api/conversations/{uid}/messages", s.identityMiddleware(s.sendMessage))
	mux.HandleFunc("POST /api/conversations/{uid}/read", s.identityMiddleware(s.markRead))
	mux.HandleFunc("DELETE /api/conversations/{uid}/messages/{id}", s.identityMiddleware(s.deleteMessage))
	mux.HandleFunc("POST /api/share", s.identityMiddleware(s.shareContent))
	mux.HandleFunc("GET /ws", s.identityMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	s.mux = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *FlickChatApp) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *FlickChatApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
