package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pkt.systems/pslog"

	"github.com/iamrgalisanao/tsms-dev-sub004/internal/config"
	"github.com/iamrgalisanao/tsms-dev-sub004/internal/models"
)

// maxErrorBody caps how much of a failed response is kept in last_error.
const maxErrorBody = 512

// Forwarder posts validated transactions to the downstream web app.
type Forwarder struct {
	client    *http.Client
	endpoint  string
	authToken string
	timeout   time.Duration
	logger    pslog.Logger
}

func NewForwarder(cfg config.ForwardingConfig, logger pslog.Logger) *Forwarder {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Forwarder{
		client:    &http.Client{},
		endpoint:  cfg.Endpoint,
		authToken: cfg.AuthToken,
		timeout:   cfg.Timeout,
		logger:    logger,
	}
}

// Forward delivers one transaction. Every failure is a *RetryableForwardError
// except an unencodable payload.
func (f *Forwarder) Forward(ctx context.Context, payload models.ForwardedTransaction) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode forward payload: %w", err)
	}

	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build forward request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", payload.BatchID+":"+payload.TransactionID)
	if f.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+f.authToken)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return &RetryableForwardError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		responseBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		f.logger.Warn("forward.rejected",
			"endpoint", f.endpoint,
			"status", resp.StatusCode,
			"tenant_id", payload.TenantID,
		)
		return &RetryableForwardError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(responseBody)),
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
