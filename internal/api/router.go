package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// ApiMux wraps chi with error-returning handlers.
type ApiMux struct {
	chi.Router
	logger *slog.Logger
}

func NewApiMux(logger *slog.Logger) *ApiMux {
	return &ApiMux{
		Router: chi.NewRouter(),
		logger: logger,
	}
}

// ApiHandleFunc is a handler that reports failure instead of writing its
// own error responses.
type ApiHandleFunc func(http.ResponseWriter, *http.Request) error

func (m *ApiMux) serve(h ApiHandleFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err == nil {
			return
		}
		var apiErr *ApiError
		if !errors.As(err, &apiErr) {
			m.logger.Error("internal server error", slog.String("error", err.Error()))
			apiErr = NewApiError("Internal Server Error", http.StatusInternalServerError)
		}
		if err := WriteJsonResponseWithStatusCode(w, apiErr, apiErr.Code); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}
}

func (m *ApiMux) Get(path string, h ApiHandleFunc) {
	m.Router.Get(path, m.serve(h))
}

func (m *ApiMux) Post(path string, h ApiHandleFunc) {
	m.Router.Post(path, m.serve(h))
}

func (m *ApiMux) Route(path string, f func(r *ApiMux)) {
	m.Router.Route(path, func(r chi.Router) {
		f(&ApiMux{Router: r, logger: m.logger})
	})
}
