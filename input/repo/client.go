// Package repo is the AAS repository REST client: snapshot polling for
// ingress and the property write-back used by the command path.
package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hadijannat/aas-uns-bridge/aas"
	"github.com/hadijannat/aas-uns-bridge/config"
	"github.com/hadijannat/aas-uns-bridge/errors"
)

// Client talks to an AAS repository over HTTP.
type Client struct {
	cfg    config.RepoClientConfig
	http   *http.Client
	logger *slog.Logger
}

// New creates a repository client with the configured per-call timeout.
func New(cfg config.RepoClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout()},
		logger: logger,
	}
}

// FetchEnvironment retrieves a complete environment snapshot.
func (c *Client) FetchEnvironment(ctx context.Context) (*aas.Environment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/shells/environment", nil)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Client", "FetchEnvironment", "build request")
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "FetchEnvironment", "execute request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.WrapTransient(
			fmt.Errorf("repository returned %s", resp.Status),
			"Client", "FetchEnvironment", "check status",
		)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "FetchEnvironment", "read body")
	}

	var env aas.Environment
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, errors.WrapInvalid(err, "Client", "FetchEnvironment", "decode environment")
	}
	return &env, nil
}

// UpdateProperty writes a property value into a submodel. propertyPath
// uses dot notation ("Limits.MaxTemp").
func (c *Client) UpdateProperty(ctx context.Context, submodelID, propertyPath string, value aas.Value) error {
	target := fmt.Sprintf("%s/submodels/%s/submodel-elements/%s/$value",
		c.cfg.BaseURL,
		url.PathEscape(submodelID),
		url.PathEscape(propertyPath),
	)

	payload, err := json.Marshal(value)
	if err != nil {
		return errors.WrapInvalid(err, "Client", "UpdateProperty", "encode value")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, target, bytes.NewReader(payload))
	if err != nil {
		return errors.WrapInvalid(err, "Client", "UpdateProperty", "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.WrapTransient(errors.ErrWriteFailed, "Client", "UpdateProperty", propertyPath)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return errors.WrapTransient(
			fmt.Errorf("repository returned %s: %w", resp.Status, errors.ErrWriteFailed),
			"Client", "UpdateProperty", propertyPath,
		)
	}

	c.logger.Debug("property written",
		"submodel_id", submodelID,
		"path", propertyPath)
	return nil
}

// Poller drives periodic snapshot fetches.
type Poller struct {
	client   *Client
	interval time.Duration
	handler  func(ctx context.Context, env *aas.Environment, originURI string)
	logger   *slog.Logger
}

// NewPoller creates a poller delivering snapshots to handler.
func NewPoller(client *Client, handler func(ctx context.Context, env *aas.Environment, originURI string), logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		client:   client,
		interval: time.Duration(client.cfg.PollIntervalSeconds * float64(time.Second)),
		handler:  handler,
		logger:   logger,
	}
}

// Run polls until the context is cancelled. The first poll happens
// immediately.
func (p *Poller) Run(ctx context.Context) {
	if !p.client.cfg.Enabled {
		return
	}

	p.poll(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	env, err := p.client.FetchEnvironment(ctx)
	if err != nil {
		p.logger.Warn("repository poll failed", "error", err)
		return
	}
	p.handler(ctx, env, p.client.cfg.BaseURL)
}

func (c *Client) authorize(req *http.Request) {
	if c.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}
}
