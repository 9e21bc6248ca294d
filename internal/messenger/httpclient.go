package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// HTTPClientConfig points the engine at the transport gateway that owns the
// actual WhatsApp sessions.
type HTTPClientConfig struct {
	BaseURL            string
	APIKey             string
	RequestTimeout     time.Duration
	StatusPollInterval time.Duration
}

// HTTPClient is a Messenger speaking the transport gateway's REST API.
// Connection events are derived by polling each subscribed session's status
// and emitting on state changes.
type HTTPClient struct {
	cfg    HTTPClientConfig
	client *http.Client
	log    *slog.Logger

	mu      sync.Mutex
	subs    map[string][]func(Event)
	polling map[string]bool
	states  map[string]bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewHTTPClient(cfg HTTPClientConfig, log *slog.Logger) *HTTPClient {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.StatusPollInterval <= 0 {
		cfg.StatusPollInterval = 10 * time.Second
	}
	return &HTTPClient{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		log:     log.With(slog.String("component", "messenger_client")),
		subs:    make(map[string][]func(Event)),
		polling: make(map[string]bool),
		states:  make(map[string]bool),
		stopCh:  make(chan struct{}),
	}
}

type sendRequest struct {
	Phone string `json:"phone"`
	Text  string `json:"text"`
}

type sendResponse struct {
	MessageID   string `json:"messageId"`
	Error       string `json:"error,omitempty"`
	Permanent   bool   `json:"permanent,omitempty"`
	RateLimited bool   `json:"rateLimited,omitempty"`
}

func (c *HTTPClient) Send(ctx context.Context, sessionID, phone, text string) (SendResult, error) {
	body, err := json.Marshal(sendRequest{Phone: phone, Text: text})
	if err != nil {
		return SendResult{}, WrapError(KindValidation, "encode send request", err)
	}

	url := fmt.Sprintf("%s/sessions/%s/messages", c.cfg.BaseURL, sessionID)
	resp, err := c.do(ctx, http.MethodPost, url, body)
	if err != nil {
		return SendResult{}, WrapError(KindTransient, "send request", err)
	}
	defer resp.Body.Close()

	var out sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && err != io.EOF {
		return SendResult{}, WrapError(KindTransient, "decode send response", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK && out.Error == "":
		return SendResult{MessageID: out.MessageID}, nil
	case resp.StatusCode == http.StatusTooManyRequests || out.RateLimited:
		return SendResult{}, NewError(KindRateLimited, nonEmpty(out.Error, "rate limited"))
	case resp.StatusCode == http.StatusConflict:
		return SendResult{}, NewError(KindSessionLost, nonEmpty(out.Error, "session not connected"))
	case out.Permanent || (resp.StatusCode >= 400 && resp.StatusCode < 500):
		return SendResult{}, NewError(KindPermanent, nonEmpty(out.Error, resp.Status))
	default:
		return SendResult{}, NewError(KindTransient, nonEmpty(out.Error, resp.Status))
	}
}

type lookupResponse struct {
	Exists bool `json:"exists"`
}

func (c *HTTPClient) Lookup(ctx context.Context, sessionID, phone string) (bool, error) {
	url := fmt.Sprintf("%s/sessions/%s/contacts/%s", c.cfg.BaseURL, sessionID, phone)
	resp, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, WrapError(KindTransient, "lookup request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, NewError(KindTransient, resp.Status)
	}

	var out lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, WrapError(KindTransient, "decode lookup response", err)
	}
	return out.Exists, nil
}

func (c *HTTPClient) Subscribe(sessionID string, fn func(Event)) {
	c.mu.Lock()
	c.subs[sessionID] = append(c.subs[sessionID], fn)
	start := !c.polling[sessionID]
	c.polling[sessionID] = true
	c.mu.Unlock()

	if start {
		go c.pollStatus(sessionID)
	}
}

// Close stops all status pollers.
func (c *HTTPClient) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

type statusResponse struct {
	Connected bool `json:"connected"`
}

func (c *HTTPClient) pollStatus(sessionID string) {
	ticker := time.NewTicker(c.cfg.StatusPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		connected, err := c.sessionConnected(ctx, sessionID)
		cancel()
		if err != nil {
			c.log.Warn("session status poll failed",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()))
			continue
		}

		c.mu.Lock()
		prev, seen := c.states[sessionID]
		c.states[sessionID] = connected
		fns := append([]func(Event){}, c.subs[sessionID]...)
		c.mu.Unlock()

		if seen && prev == connected {
			continue
		}

		kind := EventConnected
		if !connected {
			kind = EventDisconnected
		}
		// The very first poll only establishes a baseline unless the
		// session is already down.
		if !seen && connected {
			continue
		}
		ev := Event{SessionID: sessionID, Kind: kind, At: time.Now()}
		for _, fn := range fns {
			fn(ev)
		}
	}
}

func (c *HTTPClient) sessionConnected(ctx context.Context, sessionID string) (bool, error) {
	url := fmt.Sprintf("%s/sessions/%s/status", c.cfg.BaseURL, sessionID)
	resp, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("status endpoint returned %s", resp.Status)
	}
	var out statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, err
	}
	return out.Connected, nil
}

func (c *HTTPClient) do(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	return c.client.Do(req)
}

func nonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
