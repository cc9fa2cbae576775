package apiclient

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NiklasHoffmann/livechat/internal/domain"
)

func TestCreateSessionSendsAndParses(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sessions" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"session":{"session_id":"s1","display_name":"Alex (2)","status":"active"}}`)
	}))
	defer server.Close()

	c := New(server.URL, "")
	session, err := c.CreateSession(context.Background(), "Alex")
	require.NoError(t, err)
	assert.Equal(t, "s1", session.ID)
	assert.Equal(t, "Alex (2)", session.DisplayName)
}

func TestStatusCodesMapToSentinels(t *testing.T) {
	var status atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(int(status.Load()))
		fmt.Fprint(w, `{"error":"nope"}`)
	}))
	defer server.Close()
	c := New(server.URL, "")

	status.Store(http.StatusNotFound)
	_, err := c.GetMessages(context.Background(), "s1")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	status.Store(http.StatusForbidden)
	_, err = c.PostMessage(context.Background(), "s1", domain.RoleUser, "hi")
	assert.ErrorIs(t, err, domain.ErrSessionBlocked)

	status.Store(http.StatusBadRequest)
	_, err = c.PostMessage(context.Background(), "s1", domain.RoleUser, "")
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Contains(t, err.Error(), "nope")
}

func TestAdminTokenAttached(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"sessions":[]}`)
	}))
	defer server.Close()

	_, err := New(server.URL, "").ListSessions(context.Background())
	assert.Error(t, err)

	sessions, err := New(server.URL, "tok").ListSessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestMarkReadRetriesOnServerError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	c := New(server.URL, "")
	require.NoError(t, c.MarkRead(context.Background(), "s1", domain.RoleAdmin))
	assert.Equal(t, int32(2), calls.Load())
}

func TestMarkReadDoesNotRetryDomainErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := New(server.URL, "")
	err := c.MarkRead(context.Background(), "s1", domain.RoleAdmin)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.Equal(t, int32(1), calls.Load())
}
