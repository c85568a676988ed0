package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/twinlab/go-connect-server/connections"
	apperrors "github.com/twinlab/go-connect-server/internal/errors"
)

const maxWebhookBody = 1 << 20 // 1 MiB

// connectionView is the client-facing projection of a connection.
// Token ciphertext never leaves the server.
type connectionView struct {
	Provider        string     `json:"provider"`
	Status          string     `json:"status"`
	ScopesGranted   []string   `json:"scopesGranted,omitempty"`
	TokenExpiresAt  *time.Time `json:"tokenExpiresAt,omitempty"`
	ConnectedAt     time.Time  `json:"connectedAt"`
	LastRefreshedAt *time.Time `json:"lastRefreshedAt,omitempty"`
	Reason          string     `json:"reason,omitempty"`
}

func viewOf(conn *connections.Connection) connectionView {
	view := connectionView{
		Provider:        conn.ProviderID,
		Status:          string(conn.Status),
		ScopesGranted:   conn.ScopesGranted,
		TokenExpiresAt:  conn.TokenExpiresAt,
		ConnectedAt:     conn.ConnectedAt,
		LastRefreshedAt: conn.LastRefreshedAt,
	}
	// Surface the failure class only when action is needed, so the UI
	// can prompt a one-click re-authorization.
	if conn.Status == connections.StatusNeedsReauth {
		view.Reason = conn.LastError
	}
	return view
}

// ConnectHandler starts the authorization flow for one provider and
// returns the URL the client should redirect the user to.
func (s *Server) ConnectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID := r.PathValue("provider")
		userID := userIDFrom(r)

		authURL, err := s.builder.AuthorizationURL(r.Context(), userID, providerID)
		if err != nil {
			switch {
			case apperrors.Is(err, apperrors.ErrUnknownProvider):
				writeJSONError(w, "unknown_provider", "No such provider", http.StatusNotFound)
			case apperrors.Is(err, apperrors.ErrProviderMisconfigured):
				writeJSONError(w, "provider_misconfigured", "Provider is not configured for use", http.StatusInternalServerError)
			default:
				log.Error().Err(err).Str("provider", providerID).Msg("building authorization URL failed")
				writeJSONError(w, "server_error", "Could not start authorization", http.StatusInternalServerError)
			}
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"authorizationUrl": authURL})
	}
}

// CallbackHandler completes the flow when the provider redirects back.
func (s *Server) CallbackHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		// A user who clicked "deny" arrives with an error parameter and
		// no code. The state stays unconsumed; nothing happened.
		if providerError := query.Get("error"); providerError != "" {
			writeJSONError(w, "authorization_declined", providerError, http.StatusBadRequest)
			return
		}

		code := query.Get("code")
		state := query.Get("state")
		if code == "" || state == "" {
			writeJSONError(w, "invalid_request", "code and state parameters are required", http.StatusBadRequest)
			return
		}

		conn, err := s.exchange.Exchange(r.Context(), code, state)
		if err != nil {
			switch {
			case apperrors.Is(err, apperrors.ErrInvalidOrExpiredState):
				writeJSONError(w, "invalid_state", "State is invalid, expired, or already used", http.StatusBadRequest)
			case apperrors.Is(err, apperrors.ErrExchangeDenied):
				writeJSONError(w, "exchange_denied", "Provider rejected the authorization code", http.StatusBadRequest)
			case apperrors.Is(err, apperrors.ErrExchangeUnavailable), apperrors.Is(err, apperrors.ErrRateLimited):
				writeJSONError(w, "exchange_unavailable", "Provider is temporarily unavailable", http.StatusBadGateway)
			default:
				log.Error().Err(err).Msg("token exchange failed")
				writeJSONError(w, "server_error", "Could not complete authorization", http.StatusInternalServerError)
			}
			return
		}

		writeJSON(w, http.StatusOK, viewOf(conn))
	}
}

// ConnectionsHandler lists the caller's connections across providers.
func (s *Server) ConnectionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conns, err := s.repo.List(r.Context(), userIDFrom(r))
		if err != nil {
			log.Error().Err(err).Msg("listing connections failed")
			writeJSONError(w, "server_error", "Could not list connections", http.StatusInternalServerError)
			return
		}

		views := make([]connectionView, 0, len(conns))
		for _, conn := range conns {
			views = append(views, viewOf(conn))
		}
		writeJSON(w, http.StatusOK, map[string]any{"connections": views})
	}
}

// DisconnectHandler severs a connection and erases its stored tokens.
func (s *Server) DisconnectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := connections.Key{UserID: userIDFrom(r), ProviderID: r.PathValue("provider")}

		if err := s.repo.Disconnect(r.Context(), key); err != nil {
			if apperrors.Is(err, apperrors.ErrConnectionNotFound) {
				writeJSONError(w, "not_found", "No such connection", http.StatusNotFound)
				return
			}
			log.Error().Err(err).Msg("disconnect failed")
			writeJSONError(w, "server_error", "Could not disconnect", http.StatusInternalServerError)
			return
		}

		s.hub.ConnectionChanged(key.UserID, key.ProviderID, connections.StatusDisconnected, time.Now())
		w.WriteHeader(http.StatusNoContent)
	}
}

// WebhookHandler accepts provider-originated webhook deliveries.
func (s *Server) WebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID := r.PathValue("provider")

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			writeJSONError(w, "invalid_request", "Could not read request body", http.StatusBadRequest)
			return
		}

		err = s.webhooks.Process(r.Context(), providerID, r.Header.Get(WebhookSignatureHeader), body)
		if err != nil {
			if apperrors.Is(err, apperrors.ErrWebhookSignatureInvalid) {
				// No detail beyond the rejection itself.
				writeJSONError(w, "invalid_signature", "Signature verification failed", http.StatusUnauthorized)
				return
			}
			writeJSONError(w, "invalid_request", "Could not process delivery", http.StatusBadRequest)
			return
		}

		w.WriteHeader(http.StatusAccepted)
	}
}

// StreamHandler holds open a server-sent-events stream of
// connection-state-changed notifications for the caller.
func (s *Server) StreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeJSONError(w, "streaming_unsupported", "Streaming is not supported", http.StatusInternalServerError)
			return
		}

		events, cancel := s.hub.Subscribe(userIDFrom(r))
		defer cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		// Comment line confirms the stream is live before any event.
		_, _ = io.WriteString(w, ": stream opened\n\n")
		flusher.Flush()

		heartbeat := time.NewTicker(25 * time.Second)
		defer heartbeat.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-heartbeat.C:
				_, _ = io.WriteString(w, ": heartbeat\n\n")
				flusher.Flush()
			case event, open := <-events:
				if !open {
					return
				}
				payload, err := json.Marshal(event)
				if err != nil {
					continue
				}
				_, _ = io.WriteString(w, "event: connection\ndata: ")
				_, _ = w.Write(payload)
				_, _ = io.WriteString(w, "\n\n")
				flusher.Flush()
			}
		}
	}
}

func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code, description string, status int) {
	writeJSON(w, status, map[string]string{
		"error":             code,
		"error_description": description,
	})
}
