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

package remotecontrol

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhythmrun/engine/internal/config"
	"github.com/rhythmrun/engine/pkg/client"
)

var testSecret = []byte("test-secret-at-least-32-bytes-long!")

func signToken(t *testing.T, secret []byte, claims jwt.RegisteredClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString(secret)
	require.NoError(t, err)
	return s
}

func newTestServer(t *testing.T) (*Server, *client.Client) {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Driver = "memory"
	cfg.Store.Path = ""
	c, err := client.Initialize(context.Background(), cfg, slog.Default(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	s := NewServer(c, Config{Secret: testSecret, ClockSkew: 5 * time.Second}, slog.Default())
	return s, c
}

func TestHandleGetExecution_RequiresBearerToken(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/executions/missing", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleGetExecution_RejectsBadSignature(t *testing.T) {
	s, _ := newTestServer(t)
	token := signToken(t, []byte("wrong-secret-but-still-32-bytes!!"), jwt.RegisteredClaims{})

	req := httptest.NewRequest(http.MethodGet, "/v1/executions/missing", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleGetExecution_ValidTokenNotFoundExecution(t *testing.T) {
	s, _ := newTestServer(t)
	token := signToken(t, testSecret, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))})

	req := httptest.NewRequest(http.MethodGet, "/v1/executions/missing", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleGetExecution_ReturnsExecution(t *testing.T) {
	s, c := newTestServer(t)
	ctx := context.Background()
	_, err := c.RegisterWorkflow(ctx, "noop", `return null;`)
	require.NoError(t, err)
	execID, err := c.StartWorkflow(ctx, "noop", nil, "")
	require.NoError(t, err)

	token := signToken(t, testSecret, jwt.RegisteredClaims{})
	req := httptest.NewRequest(http.MethodGet, "/v1/executions/"+execID, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, execID, body["ID"])
}

func TestHandleSendSignal_DeliversPayload(t *testing.T) {
	s, c := newTestServer(t)
	ctx := context.Background()
	_, err := c.RegisterWorkflow(ctx, "waiter", `let v = await Signal.next("go"); return v;`)
	require.NoError(t, err)
	execID, err := c.StartWorkflow(ctx, "waiter", nil, "")
	require.NoError(t, err)
	require.NoError(t, c.Runner.StepWorkflow(ctx, execID, nil))

	token := signToken(t, testSecret, jwt.RegisteredClaims{})
	req := httptest.NewRequest(http.MethodPost, "/v1/signals/"+execID+"/go", strings.NewReader(`"hello"`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthenticate_RejectsWrongIssuer(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Driver = "memory"
	cfg.Store.Path = ""
	c, err := client.Initialize(context.Background(), cfg, slog.Default(), nil)
	require.NoError(t, err)
	defer c.Close()

	s := NewServer(c, Config{Secret: testSecret, Issuer: "rhythmrun", ClockSkew: time.Second}, slog.Default())
	token := signToken(t, testSecret, jwt.RegisteredClaims{Issuer: "someone-else"})

	req := httptest.NewRequest(http.MethodGet, "/v1/executions/x", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
