// Package http provides an HTTP client for the flagstack feature flag service.
package http

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	flagstack "github.com/flagstack/flagstack/clients/go"
	"github.com/go-resty/resty/v2"
)

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the flagstack server, e.g. "http://localhost:8080".
	BaseURL string
	// ClientKey is the environment client key used for SDK evaluation.
	ClientKey string
	// APIKey is the management bearer token in "id.secret" format.
	// Only required for Stream.
	APIKey string
}

// Client implements flagstack.Evaluator and flagstack.Streamer over HTTP.
type Client struct {
	cfg  Config
	rest *resty.Client
}

// NewHTTPClient returns a new HTTP client for the flagstack service.
func NewHTTPClient(cfg Config) *Client {
	rc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader("Accept", "application/json")
	return &Client{cfg: cfg, rest: rc}
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("flagstack: HTTP %d: %s", e.StatusCode, e.Message)
}

type evaluateRequest struct {
	User flagstack.UserContext `json:"user"`
}

// Evaluate resolves every flag in the client key's environment for user.
func (c *Client) Evaluate(ctx context.Context, user flagstack.UserContext) (flagstack.Evaluation, error) {
	var out flagstack.Evaluation
	resp, err := c.rest.R().
		SetContext(ctx).
		SetHeader("X-Client-Key", c.cfg.ClientKey).
		SetBody(evaluateRequest{User: user}).
		SetResult(&out).
		Post("/sdk/evaluate")
	if err != nil {
		return flagstack.Evaluation{}, fmt.Errorf("flagstack: evaluate: %w", err)
	}
	if resp.IsError() {
		return flagstack.Evaluation{}, &APIError{
			StatusCode: resp.StatusCode(),
			Message:    strings.TrimSpace(string(resp.Body())),
		}
	}
	return out, nil
}

// Stream connects to the environment event stream and emits events on the
// returned channel. The channel is closed when ctx is cancelled or the
// connection drops. Pass lastEventID 0 to receive only new events.
func (c *Client) Stream(ctx context.Context, environmentID string, lastEventID int64) (<-chan flagstack.Event, error) {
	req := c.rest.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+c.cfg.APIKey).
		SetDoNotParseResponse(true)
	if lastEventID > 0 {
		req.SetHeader("Last-Event-ID", strconv.FormatInt(lastEventID, 10))
	}

	resp, err := req.Get("/v1/environments/" + environmentID + "/stream")
	if err != nil {
		return nil, fmt.Errorf("flagstack: stream connect: %w", err)
	}
	body := resp.RawBody()
	if resp.StatusCode() >= 400 {
		msg, _ := io.ReadAll(body)
		body.Close()
		return nil, &APIError{StatusCode: resp.StatusCode(), Message: strings.TrimSpace(string(msg))}
	}

	ch := make(chan flagstack.Event, 16)
	go func() {
		defer close(ch)
		defer body.Close()
		// Use a buffered reader with a 1 MiB buffer to handle large SSE data lines.
		br := bufio.NewReaderSize(body, 1<<20)
		parseSSE(ctx, br, ch)
	}()
	return ch, nil
}

// parseSSE reads SSE lines from r and sends parsed Events to ch.
// It implements the subset of the SSE spec used by the flagstack server:
// id, event, data fields; blank-line flush; multi-line data concatenation.
func parseSSE(ctx context.Context, r *bufio.Reader, ch chan<- flagstack.Event) {
	var (
		eventType string
		dataLines []string
		eventID   int64
	)

	for {
		if ctx.Err() != nil {
			return
		}
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			// Blank line: dispatch event if we have data.
			if len(dataLines) > 0 {
				data := strings.Join(dataLines, "\n")
				ev := flagstack.Event{
					Type:    eventType,
					EventID: eventID,
					Payload: json.RawMessage(data),
				}
				var envelope struct {
					FlagKey string `json:"flag_key"`
				}
				if jsonErr := json.Unmarshal([]byte(data), &envelope); jsonErr == nil {
					ev.FlagKey = envelope.FlagKey
				}
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
			// Reset for next event.
			eventType = ""
			dataLines = nil
		} else if strings.HasPrefix(line, "id:") {
			if id, parseErr := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "id:")), 10, 64); parseErr == nil {
				eventID = id
			}
		} else if strings.HasPrefix(line, "event:") {
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if err != nil {
			return
		}
	}
}
