package warden

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/lmittmann/tint"
)

// socialPostRequest is the payload sent to the social publishing
// service.
type socialPostRequest struct {
	Message string `json:"message"`
}

type socialPostResponse struct {
	ID string `json:"id"`
}

// Social forwards messages to an external social publishing service
// and records each attempt. Used by the post command.
type Social struct {
	w      *Warden
	config *SocialConfig
	logger *slog.Logger

	metricPosts atomic.Int64
}

func newSocial(w *Warden, config *SocialConfig) *Social {
	return &Social{
		w:      w,
		config: config,
		logger: w.logger.With(loggerNameKey, "social"),
	}
}

// Publish sends the message to the publishing service and persists a
// CrossPost row recording the outcome. The returned record reflects
// what was stored, including the remote post ID on success.
func (s *Social) Publish(
	ctx context.Context,
	userID string,
	message string,
) (*CrossPost, error) {
	post := &CrossPost{
		UserID:  userID,
		Content: message,
	}

	remoteID, err := s.send(ctx, message)
	if err != nil {
		post.Error = err.Error()
	} else {
		post.Posted = true
		post.RemoteID = remoteID
		s.metricPosts.Add(1)
	}

	if _, dbErr := s.w.writeDB.Create(ctx, post); dbErr != nil {
		s.logger.ErrorContext(ctx, "error saving cross-post", tint.Err(dbErr))
	}

	if err != nil {
		return post, fmt.Errorf("publishing failed: %w", err)
	}
	return post, nil
}

func (s *Social) send(ctx context.Context, message string) (string, error) {
	payload, err := json.Marshal(socialPostRequest{Message: message})
	if err != nil {
		return "", err
	}

	if s.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, s.config.URL, bytes.NewReader(payload),
	)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.Token)
	}

	resp, err := s.w.httpClient().Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf(
			"publishing service returned status %d", resp.StatusCode,
		)
	}

	var postResponse socialPostResponse
	if err = json.Unmarshal(body, &postResponse); err != nil {
		return "", fmt.Errorf("error decoding response: %w", err)
	}
	return postResponse.ID, nil
}
