package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/john/livesync/internal/apperr"
)

// RumorResult is the classifier's verdict on a piece of text.
type RumorResult struct {
	Flagged bool   `json:"isRumour"`
	Reason  string `json:"warning"`
}

// Classifier calls the remote text-moderation service. It is fail-open by
// contract: callers must proceed with their primary write when classification
// is unavailable.
type Classifier struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewClassifier creates a classifier client against the moderation REST base URL.
func NewClassifier(baseURL string, logger *zap.Logger) *Classifier {
	return &Classifier{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

// ClassifyRumor asks the service whether text is a rumor. Transport failures
// come back as ClassifierUnavailable so callers can fail open.
func (c *Classifier) ClassifyRumor(ctx context.Context, text string) (RumorResult, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return RumorResult{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/moderation/check_rumor/", bytes.NewReader(body))
	if err != nil {
		return RumorResult{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return RumorResult{}, apperr.Wrap(apperr.KindClassifierUnavailable, "classify rumor", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return RumorResult{}, apperr.Newf(apperr.KindClassifierUnavailable,
			"classifier returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var result RumorResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return RumorResult{}, apperr.Wrap(apperr.KindClassifierUnavailable, "decode classifier response", err)
	}
	return result, nil
}

// ConfirmRumor permanently indexes text as a confirmed violation pattern.
// Fire-and-forget: failures are logged and never propagated.
func (c *Classifier) ConfirmRumor(ctx context.Context, text string) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		c.logger.Warn("Confirm rumor: marshal failed", zap.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/moderation/confirm_rumor/", bytes.NewReader(body))
	if err != nil {
		c.logger.Warn("Confirm rumor: create request failed", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("Confirm rumor: request failed", zap.Error(err))
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		c.logger.Warn("Confirm rumor: rejected", zap.Int("status", resp.StatusCode))
	}
}
