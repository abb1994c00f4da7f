package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"

	"zapleads/internal/connstate"
	"zapleads/internal/gateway"
	"zapleads/internal/session"
)

type statusDoc struct {
	Status         string              `json:"status"`
	QRChallenge    string              `json:"qrChallenge,omitempty"`
	QRCodeBase64   string              `json:"qrCodeBase64,omitempty"`
	Identity       *connstate.Identity `json:"identity,omitempty"`
	LastError      string              `json:"lastError,omitempty"`
	TransitionedAt time.Time           `json:"transitionedAt"`
}

func (s *Server) statusSnapshot() statusDoc {
	st := s.states.Current()
	doc := statusDoc{
		Status:         string(st.Status),
		Identity:       st.Identity,
		LastError:      st.LastError,
		TransitionedAt: st.TransitionedAt,
	}
	if st.Status == connstate.QrPending && st.QRChallenge != "" {
		doc.QRChallenge = st.QRChallenge
		png, err := qrcode.Encode(st.QRChallenge, qrcode.Medium, 256)
		if err != nil {
			log.Warn().Err(err).Msg("Could not render QR code")
		} else {
			doc.QRCodeBase64 = "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
		}
	}
	return doc
}

// SessionStatus reports the current connection state, including a scannable
// QR image while pairing is pending.
func (s *Server) SessionStatus() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, http.StatusOK, s.statusSnapshot())
	})
}

// SessionStatusStream pushes state snapshots over SSE so frontends can render
// pairing progress without polling.
func (s *Server) SessionStatusStream() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			respondWithError(w, http.StatusInternalServerError, "streaming unsupported")
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()

		send := func() bool {
			payload, err := json.Marshal(s.statusSnapshot())
			if err != nil {
				return false
			}
			if _, err := w.Write([]byte("data: " + string(payload) + "\n\n")); err != nil {
				return false
			}
			flusher.Flush()
			return true
		}

		if !send() {
			return
		}
		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				if !send() {
					return
				}
			}
		}
	})
}

// SessionConnect starts (or resumes) the external session. Repeated calls
// while already connecting or connected are acknowledged without side
// effects.
func (s *Server) SessionConnect() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.sessions.Connect(r.Context()); err != nil {
			respondWithError(w, http.StatusInternalServerError, err.Error())
			return
		}
		respondWithJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"status":  string(s.states.Current().Status),
		})
	})
}

func (s *Server) SessionDisconnect() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.sessions.Disconnect(r.Context()); err != nil {
			respondWithError(w, http.StatusInternalServerError, err.Error())
			return
		}
		respondWithJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"status":  string(s.states.Current().Status),
		})
	})
}

// SendMessage delivers one outbound message and returns the stored record.
func (s *Server) SendMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req gateway.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondWithError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		msg, err := s.outbound.Send(r.Context(), req)
		switch {
		case errors.Is(err, gateway.ErrInvalidMedia):
			respondWithError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, session.ErrNotConnected):
			respondWithError(w, http.StatusConflict, "session is not connected")
		case err != nil:
			respondWithError(w, http.StatusInternalServerError, err.Error())
		default:
			respondWithJSON(w, http.StatusOK, map[string]interface{}{
				"success": true,
				"message": msg,
			})
		}
	})
}

// LeadMessages returns the stored conversation for a lead, oldest first.
func (s *Server) LeadMessages() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		phone := mux.Vars(r)["phone"]
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				respondWithError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			limit = n
		}

		msgs, err := s.messages.MessagesByLead(r.Context(), phone, limit)
		if err != nil {
			respondWithError(w, http.StatusInternalServerError, "could not load messages")
			return
		}
		respondWithJSON(w, http.StatusOK, map[string]interface{}{
			"success":  true,
			"messages": msgs,
		})
	})
}

func (s *Server) Health() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
	})
}
