// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package remotecontrol exposes a small, off-by-default HTTP surface over a
// running conductord worker: send_signal and get_execution, the two §6.2
// operations a remote caller needs without embedding the engine itself.
// Every request must carry a valid HS256 bearer token.
package remotecontrol

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rhythmrun/engine/pkg/client"
	engineerrors "github.com/rhythmrun/engine/pkg/errors"
)

// Config configures the remote-control HTTP server.
type Config struct {
	// Secret signs and validates HS256 bearer tokens. conductord refuses to
	// mount the server without one.
	Secret []byte
	// Issuer, when non-empty, must match the token's iss claim.
	Issuer string
	// ClockSkew tolerates drift between token issuer and this worker.
	ClockSkew time.Duration
}

// Server is the remote-control HTTP handler. Mount it under a private
// network interface; it is never exposed the way /metrics is.
type Server struct {
	client *client.Client
	cfg    Config
	logger *slog.Logger
	mux    *http.ServeMux
}

// NewServer builds a Server backed by c, authenticating every request
// against cfg.Secret.
func NewServer(c *client.Client, cfg Config, logger *slog.Logger) *Server {
	s := &Server{client: c, cfg: cfg, logger: logger, mux: http.NewServeMux()}
	s.mux.HandleFunc("POST /v1/signals/{workflowID}/{signal}", s.withAuth(s.handleSendSignal))
	s.mux.HandleFunc("GET /v1/executions/{id}", s.withAuth(s.handleGetExecution))
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.authenticate(r); err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		next(w, r)
	}
}

func (s *Server) authenticate(r *http.Request) error {
	header := r.Header.Get("Authorization")
	tokenString, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || tokenString == "" {
		return errors.New("missing bearer token")
	}

	parser := jwt.NewParser(jwt.WithLeeway(s.cfg.ClockSkew), jwt.WithValidMethods([]string{"HS256"}))
	claims := jwt.RegisteredClaims{}
	token, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return s.cfg.Secret, nil
	})
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return errors.New("token is invalid")
	}
	if s.cfg.Issuer != "" && claims.Issuer != s.cfg.Issuer {
		return fmt.Errorf("invalid issuer: expected %s, got %s", s.cfg.Issuer, claims.Issuer)
	}
	return nil
}

func (s *Server) handleSendSignal(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("workflowID")
	signal := r.PathValue("signal")

	var payload json.RawMessage
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && err.Error() != "EOF" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decoding payload: %w", err))
			return
		}
	}

	if err := s.client.SendSignal(r.Context(), workflowID, signal, payload); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "delivered"})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.client.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func statusFor(err error) int {
	var notFound *engineerrors.NotFoundError
	var validation *engineerrors.ValidationError
	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &validation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
