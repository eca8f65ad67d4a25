package warden

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

// ErrClassifierUnavailable indicates the content-safety service was
// unreachable or returned a server error. Callers are expected to
// fail open: log, take no action for the event, and keep processing.
var ErrClassifierUnavailable = errors.New("content classifier unavailable")

// Content categories returned by the classification service.
const (
	CategoryHate     = "hate"
	CategorySelfHarm = "self_harm"
	CategorySexual   = "sexual"
	CategoryViolence = "violence"
)

// SeverityScore is an ordinal severity for one content category.
// Higher means more severe; the observed range is 0-4.
type SeverityScore struct {
	Category string `json:"category"`
	Severity int    `json:"severity"`
}

// maxSeverity returns the highest severity across the given scores,
// or 0 when none were returned.
func maxSeverity(scores []SeverityScore) int {
	highest := 0
	for _, s := range scores {
		if s.Severity > highest {
			highest = s.Severity
		}
	}
	return highest
}

// Classifier is a client for the external content-safety service.
// It exposes text and image analysis, both returning per-category
// severity scores.
type Classifier struct {
	config         *ClassifierConfig
	httpClient     *http.Client
	logger         *slog.Logger
	requestLimiter *rate.Limiter
}

func newClassifier(config *ClassifierConfig, httpClient *http.Client) *Classifier {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &Classifier{
		config:     config,
		httpClient: httpClient,
	}
	c.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "classifier")

	rps := config.MaxRequestsPerSecond
	if rps <= 0 {
		rps = DefaultClassifierMaxRequestsPerSec
	}
	c.requestLimiter = rate.NewLimiter(rate.Limit(rps), 1)
	return c
}

type analyzeTextRequest struct {
	Text string `json:"text"`
}

type analyzeResponse struct {
	CategoriesAnalysis []SeverityScore `json:"categories_analysis"`
}

// AnalyzeText submits text to the classification service and returns
// per-category severity scores. Transport failures and 5xx responses
// are reported as [ErrClassifierUnavailable].
func (c *Classifier) AnalyzeText(
	ctx context.Context,
	text string,
) ([]SeverityScore, error) {
	body, err := json.Marshal(analyzeTextRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("error marshaling analyze request: %w", err)
	}
	return c.analyze(
		ctx,
		strings.TrimSuffix(c.config.URL, "/")+"/analyze/text",
		"application/json",
		bytes.NewReader(body),
	)
}

// AnalyzeImage submits raw image bytes to the classification service
// and returns per-category severity scores.
func (c *Classifier) AnalyzeImage(
	ctx context.Context,
	data []byte,
	contentType string,
) ([]SeverityScore, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return c.analyze(
		ctx,
		strings.TrimSuffix(c.config.URL, "/")+"/analyze/image",
		contentType,
		bytes.NewReader(data),
	)
}

func (c *Classifier) analyze(
	ctx context.Context,
	url string,
	contentType string,
	body io.Reader,
) ([]SeverityScore, error) {
	if err := c.requestLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrClassifierUnavailable, err)
	}

	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("error creating analyze request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.ErrorContext(ctx, "classification request failed", tint.Err(err))
		return nil, fmt.Errorf("%w: %w", ErrClassifierUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf(
			"%w: status %d",
			ErrClassifierUnavailable,
			resp.StatusCode,
		)
	}
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf(
			"unexpected classifier response %d: %s",
			resp.StatusCode,
			string(payload),
		)
	}

	var result analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %w", ErrClassifierUnavailable, err)
	}

	c.logger.DebugContext(
		ctx,
		"classification complete",
		"elapsed", time.Since(started),
		"categories", len(result.CategoriesAnalysis),
	)
	return result.CategoriesAnalysis, nil
}
