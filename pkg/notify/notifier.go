// Package notify delivers workflow notifications over a simple HTTP JSON API.
package notify

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tomjamescn/yawe/pkg/config"
)

// payload is the wire format the notification endpoint expects.
type payload struct {
	Title       string `json:"title"`
	Body        string `json:"body"`
	Description string `json:"description"`
}

// Notifier posts notifications to a configured HTTP endpoint.
type Notifier struct {
	apiURL string
	client *http.Client
	logger *slog.Logger
}

// NewNotifier builds a notifier from configuration. Returns nil when no
// endpoint is configured; callers treat a nil notifier as disabled.
func NewNotifier(cfg config.NotifierConfig, logger *slog.Logger) *Notifier {
	if !cfg.Enabled() {
		return nil
	}

	client := &http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second}
	if !cfg.VerifiesSSL() {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // operator opt-in
		}
	}

	return &Notifier{
		apiURL: cfg.APIURL,
		client: client,
		logger: logger,
	}
}

func (n *Notifier) SendSuccess(title, message string) error {
	return n.send(title, message, message)
}

func (n *Notifier) SendFailure(title, message string) error {
	return n.send(title, message, message)
}

func (n *Notifier) SendWarning(title, message string) error {
	return n.send(title, message, message)
}

func (n *Notifier) send(title, body, description string) error {
	data, err := json.Marshal(payload{Title: title, Body: body, Description: description})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, n.apiURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create notification request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("notification request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return fmt.Errorf("notification rejected: HTTP %d: %s", resp.StatusCode, string(snippet))
	}

	n.logger.Debug("Notification sent", "title", title)

	return nil
}
