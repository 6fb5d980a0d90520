package api

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const roomTokenTTL = 24 * time.Hour

// Api is the relay: token minting, the websocket signaling hub, the
// offline poll fallback, and metrics.
type Api struct {
	mux    *ApiMux
	hub    *Hub
	config *Config
	logger *slog.Logger
}

func NewApi(ctx context.Context, db *sql.DB, config *Config, logger *slog.Logger) *Api {
	buffer := NewBufferStore(db)
	api := &Api{
		mux:    NewApiMux(logger),
		hub:    NewHub(ctx, buffer, config.Buffer.Keep, logger),
		config: config,
		logger: logger,
	}
	api.mountHandlers(buffer)
	return api
}

func (a *Api) Mux() http.Handler {
	return a.mux
}

func (a *Api) mountHandlers(buffer *BufferStore) {
	options := TokenOptions{Exp: roomTokenTTL, Secret: a.config.Auth.Secret}
	h := &handlers{buffer: buffer, hub: a.hub, options: options}

	a.mux.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.config.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))

	a.mux.Route("/rooms/{roomID}", func(r *ApiMux) {
		r.Post("/tokens", h.MintTokenHandler)
		r.Router.Get("/ws", h.AttachHandler(options))
		r.Router.With(JWTMiddleware(options)).Post("/poll", a.mux.serve(h.PollHandler))
	})

	a.mux.Router.Handle("/metrics", promhttp.Handler())
}
