// Package executor talks to the training runner that boots on a rented instance.
package executor

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"lora-orchestrator/core/models"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	// ErrRejected marks a 4xx answer: the runner refused the request and retrying will not help
	ErrRejected = errors.New("runner rejected request")
	// ErrNotReachable is returned while the instance has no published runner port
	ErrNotReachable = errors.New("runner not reachable yet")
)

// StatusError is a non-2xx runner response
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("runner %s returned %d: %s", e.Op, e.StatusCode, e.Body)
}

// Endpoint addresses one runner
type Endpoint struct {
	BaseURL string
	Token   string
}

// EndpointFor resolves the runner address from the provider's port mapping
func EndpointFor(d *models.InstanceDetails, containerPort int, token string) (Endpoint, error) {
	if !d.HasPorts() {
		return Endpoint{}, ErrNotReachable
	}

	bindings := d.Ports[strconv.Itoa(containerPort)+"/tcp"]
	if len(bindings) == 0 {
		return Endpoint{}, errors.Wrapf(ErrNotReachable, "port %d not published", containerPort)
	}

	host := d.PublicIP
	if host == "" {
		host = bindings[0].HostIP
	}
	if host == "" || host == "0.0.0.0" {
		return Endpoint{}, errors.Wrap(ErrNotReachable, "no public address")
	}

	return Endpoint{
		BaseURL: "https://" + net.JoinHostPort(host, bindings[0].HostPort),
		Token:   token,
	}, nil
}

// TrainingExecutor calls the runner's health, config and start endpoints
type TrainingExecutor struct {
	httpClient  *http.Client
	callbackURL string
	logger      *zap.Logger
}

// NewTrainingExecutor creates a runner client. Runners serve a self-signed
// certificate, so the client does not verify it.
func NewTrainingExecutor(timeout time.Duration, callbackURL string, logger *zap.Logger) *TrainingExecutor {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec

	return &TrainingExecutor{
		httpClient:  &http.Client{Timeout: timeout, Transport: transport},
		callbackURL: strings.TrimRight(callbackURL, "/"),
		logger:      logger,
	}
}

// Health probes the runner
func (e *TrainingExecutor) Health(ctx context.Context, ep Endpoint) error {
	return e.call(ctx, ep, "health", http.MethodGet, "/health", "", nil)
}

// SubmitConfig uploads the serialized training configuration
func (e *TrainingExecutor) SubmitConfig(ctx context.Context, ep Endpoint, configYAML string) error {
	return e.call(ctx, ep, "submit config", http.MethodPost, "/config", "application/x-yaml", []byte(configYAML))
}

type startRequest struct {
	RunID       string `json:"run_id"`
	CallbackURL string `json:"callback_url,omitempty"`
}

// Start begins training; the runner reports completion to the callback URL
func (e *TrainingExecutor) Start(ctx context.Context, ep Endpoint, runID string) error {
	req := startRequest{RunID: runID}
	if e.callbackURL != "" {
		req.CallbackURL = e.callbackURL + "/v1/runs/" + runID + "/webhook"
	}
	body, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, "marshal start request")
	}
	return e.call(ctx, ep, "start", http.MethodPost, "/start", "application/json", body)
}

func (e *TrainingExecutor) call(ctx context.Context, ep Endpoint, op, method, path, contentType string, body []byte) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, ep.BaseURL+path, reader)
	if err != nil {
		return errors.Wrapf(err, "build %s request", op)
	}
	if ep.Token != "" {
		req.Header.Set("Authorization", "Bearer "+ep.Token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "runner %s", op)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	statusErr := &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	e.logger.Warn("runner call failed",
		zap.String("op", op),
		zap.String("endpoint", ep.BaseURL),
		zap.Int("status", resp.StatusCode))

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return errors.Wrap(ErrRejected, statusErr.Error())
	}
	return statusErr
}
