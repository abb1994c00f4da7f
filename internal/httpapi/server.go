// Package httpapi exposes the session, messaging and lead endpoints plus the
// provider webhook route.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/rs/zerolog/log"

	"zapleads/internal/connstate"
	"zapleads/internal/gateway"
	"zapleads/internal/session"
	"zapleads/internal/store"
	"zapleads/internal/webhook"
)

// Server routes HTTP traffic to the application components.
type Server struct {
	router     *mux.Router
	states     *connstate.Store
	sessions   *session.Manager
	messages   *store.Store
	outbound   *gateway.Gateway
	dispatcher *webhook.Dispatcher

	webhookPath string
}

func NewServer(states *connstate.Store, sessions *session.Manager, messages *store.Store, outbound *gateway.Gateway, dispatcher *webhook.Dispatcher, webhookPath string) *Server {
	s := &Server{
		router:      mux.NewRouter(),
		states:      states,
		sessions:    sessions,
		messages:    messages,
		outbound:    outbound,
		dispatcher:  dispatcher,
		webhookPath: webhookPath,
	}
	s.routes()
	return s
}

func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) routes() {
	c := alice.New(s.loggingMiddleware, s.recoveryMiddleware)

	s.router.Handle(s.webhookPath, c.ThenFunc(s.dispatcher.Handle))
	s.router.Handle(s.webhookPath+"/{event}", c.ThenFunc(s.dispatcher.Handle))

	s.router.Handle("/session/status", c.Then(s.SessionStatus())).Methods("GET")
	s.router.Handle("/session/status/stream", c.Then(s.SessionStatusStream())).Methods("GET")
	s.router.Handle("/session/connect", c.Then(s.SessionConnect())).Methods("POST")
	s.router.Handle("/session/disconnect", c.Then(s.SessionDisconnect())).Methods("POST")

	s.router.Handle("/messages/send", c.Then(s.SendMessage())).Methods("POST")
	s.router.Handle("/leads/{phone}/messages", c.Then(s.LeadMessages())).Methods("GET")

	s.router.Handle("/health", c.Then(s.Health())).Methods("GET")
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, address string) error {
	srv := &http.Server{
		Addr:              address,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("address", address).Msg("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		log.Info().Msg("Shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	}
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}
