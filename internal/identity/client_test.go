package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/john/livesync/internal/apperr"
)

func TestLogin(t *testing.T) {
	t.Run("returns the authenticated user", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/users/login/", r.URL.Path)

			var req map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "alice", req["username"])

			json.NewEncoder(w).Encode(map[string]any{
				"user": map[string]string{"user_id": "u1", "username": "alice"},
			})
		}))
		defer srv.Close()

		c := NewClient(srv.URL)
		user, err := c.Login(context.Background(), "alice", "hunter2")
		require.NoError(t, err)
		assert.Equal(t, User{UserID: "u1", DisplayName: "alice"}, user)
	})

	t.Run("bad credentials are Unauthorized", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "bad credentials", http.StatusUnauthorized)
		}))
		defer srv.Close()

		c := NewClient(srv.URL)
		_, err := c.Login(context.Background(), "alice", "wrong")
		require.Error(t, err)
		assert.True(t, apperr.IsKind(err, apperr.KindUnauthorized))
	})
}

func TestPhoneVerification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/users/phone/send_code/":
			json.NewEncoder(w).Encode(map[string]string{"handle": "vh-1"})
		case "/api/users/phone/confirm/":
			var req map[string]string
			json.NewDecoder(r.Body).Decode(&req)
			json.NewEncoder(w).Encode(map[string]bool{"verified": req["code"] == "123456"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	ctx := context.Background()

	handle, err := c.SendCode(ctx, "+15555550100")
	require.NoError(t, err)
	assert.Equal(t, "vh-1", handle)

	ok, err := c.ConfirmCode(ctx, handle, "123456")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.ConfirmCode(ctx, handle, "000000")
	require.NoError(t, err)
	assert.False(t, ok)
}
