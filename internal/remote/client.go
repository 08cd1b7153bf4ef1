// Package remote calls the tracker's mutation endpoint. The engine
// consumes this contract, it does not implement the backend: a call
// either succeeds, is rejected with a conflict (the server already
// holds a newer value), or fails in a retryable way.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"fieldsync/internal/config"
	"fieldsync/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrConflict marks a rejection where the server value is authoritative
// and newer. Conflicted updates are discarded, never retried.
var ErrConflict = errors.New("remote: server holds a newer value")

// Applier applies one queued mutation remotely.
type Applier interface {
	Apply(ctx context.Context, entityID, fieldName string, value models.Value) error
}

// Client is the HTTP implementation of the mutation contract.
type Client struct {
	endpoint string
	httpc    *http.Client
	limiter  *rate.Limiter
	logger   *zerolog.Logger
}

func NewClient(cfg config.RemoteConfig, logger *zerolog.Logger) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 5
	}

	return &Client{
		endpoint: cfg.Endpoint,
		httpc:    &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(limit, burst),
		logger:   logger,
	}
}

type mutationRequest struct {
	EntityID  string       `json:"entity_id"`
	FieldName string       `json:"field_name"`
	Value     models.Value `json:"value"`
}

// Apply posts the mutation. A 2xx response succeeds, 409 returns
// ErrConflict, anything else is retryable.
func (c *Client) Apply(ctx context.Context, entityID, fieldName string, value models.Value) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	body, err := json.Marshal(mutationRequest{
		EntityID:  entityID,
		FieldName: fieldName,
		Value:     value,
	})
	if err != nil {
		return fmt.Errorf("encode mutation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build mutation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("post mutation: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		c.logger.Debug().
			Str("entity_id", entityID).
			Str("field_name", fieldName).
			Msg("mutation conflicted, server wins")
		return ErrConflict
	default:
		return fmt.Errorf("mutation endpoint returned status %d", resp.StatusCode)
	}
}
