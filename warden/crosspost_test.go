package warden

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func socialStub(
	t testing.TB,
	w *Warden,
	status int,
) (*socialPostRequest, *string) {
	t.Helper()
	var got socialPostRequest
	var gotAuth string
	srv := httptest.NewServer(
		http.HandlerFunc(
			func(rw http.ResponseWriter, r *http.Request) {
				gotAuth = r.Header.Get("Authorization")
				_ = json.NewDecoder(r.Body).Decode(&got)
				if status >= http.StatusBadRequest {
					rw.WriteHeader(status)
					return
				}
				rw.Header().Set("Content-Type", "application/json")
				rw.WriteHeader(status)
				_ = json.NewEncoder(rw).Encode(
					socialPostResponse{ID: "remote-99"},
				)
			},
		),
	)
	t.Cleanup(srv.Close)

	w.config.Social.Enabled = true
	w.config.Social.URL = srv.URL
	w.config.Social.Token = "social-token"
	return &got, &gotAuth
}

func TestSocialPublish(t *testing.T) {
	t.Parallel()
	w, _ := newTestWarden(t)
	got, gotAuth := socialStub(t, w, http.StatusCreated)

	post, err := w.social.Publish(
		context.Background(), "user-1", "hello world",
	)
	require.NoError(t, err)
	require.NotNil(t, post)

	assert.Equal(t, "hello world", got.Message)
	assert.Equal(t, "Bearer social-token", *gotAuth)
	assert.True(t, post.Posted)
	assert.Equal(t, "remote-99", post.RemoteID)

	// attempt recorded
	var stored CrossPost
	require.NoError(t, w.db.Last(&stored).Error)
	assert.Equal(t, "user-1", stored.UserID)
	assert.True(t, stored.Posted)
	assert.Equal(t, "remote-99", stored.RemoteID)
}

func TestSocialPublishFailureRecorded(t *testing.T) {
	t.Parallel()
	w, _ := newTestWarden(t)
	socialStub(t, w, http.StatusBadGateway)

	post, err := w.social.Publish(
		context.Background(), "user-1", "hello world",
	)
	require.Error(t, err)
	require.NotNil(t, post)
	assert.False(t, post.Posted)
	assert.NotEmpty(t, post.Error)

	var stored CrossPost
	require.NoError(t, w.db.Last(&stored).Error)
	assert.False(t, stored.Posted)
	assert.NotEmpty(t, stored.Error)
}
