package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mbryde/peerchat/pkg/wire"
)

const pollPageLimit = 500

// TokenRequest asks for a room token binding an identity to a room.
type TokenRequest struct {
	UserID   string `json:"userId" validate:"required"`
	Username string `json:"username" validate:"required"`
}

// TokenResponse returns the minted token.
type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
}

type handlers struct {
	buffer  *BufferStore
	hub     *Hub
	options TokenOptions
}

// MintTokenHandler issues a room token for websocket attach and polling.
func (h *handlers) MintTokenHandler(w http.ResponseWriter, r *http.Request) error {
	roomID := chi.URLParam(r, "roomID")
	var req TokenRequest
	if err := DecodeJson(r.Body, &req); err != nil {
		return NewApiError("invalid request body", http.StatusBadRequest)
	}
	if err := validate.Struct(&req); err != nil {
		return NewApiError("userId and username are required", http.StatusBadRequest)
	}
	token, exp, err := mintRoomToken(roomID, req.UserID, req.Username, h.options)
	if err != nil {
		return err
	}
	return WriteJsonResponse(w, TokenResponse{Token: token, ExpiresAt: exp.UnixMilli()})
}

// PollHandler serves the offline fallback: buffered messages newer than
// the client's per-room watermark.
func (h *handlers) PollHandler(w http.ResponseWriter, r *http.Request) error {
	claims, ok := claimsFromContext(r.Context())
	roomID := chi.URLParam(r, "roomID")
	if !ok || claims.RoomID != roomID {
		return NewApiError("token does not grant this room", http.StatusForbidden)
	}
	var req wire.PollRequest
	if err := DecodeJson(r.Body, &req); err != nil {
		return NewApiError("invalid request body", http.StatusBadRequest)
	}
	msgs, err := h.buffer.MessagesAfter(r.Context(), roomID, req.LastMessageID, pollPageLimit)
	if err != nil {
		return err
	}
	metricPollRequests.Inc()
	return WriteJsonResponse(w, wire.PollResponse{Messages: msgs})
}

// AttachHandler upgrades an authenticated request into a signaling
// endpoint.
func (h *handlers) AttachHandler(options TokenOptions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			// Browsers cannot set headers on websocket dials.
			token = r.URL.Query().Get("token")
		}
		claims, err := verifyRoomToken(token, options)
		if err != nil || claims.RoomID != chi.URLParam(r, "roomID") {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.hub.Attach(w, r, claims)
	}
}

type claimsContextKey struct{}

func claimsFromContext(ctx context.Context) (*RoomClaims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*RoomClaims)
	return claims, ok
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// JWTMiddleware verifies the room token and stores its claims on the
// request context.
func JWTMiddleware(options TokenOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := verifyRoomToken(bearerToken(r), options)
			if err != nil {
				WriteJsonResponseWithStatusCode(w,
					NewApiError("unauthorized", http.StatusUnauthorized),
					http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
