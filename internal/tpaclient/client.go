// Package tpaclient is the app-server side of the cloud protocol. It
// registers the server, keeps the registration alive, accepts session
// webhooks, and runs one AppSession per session the cloud hands it.
package tpaclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/g960059/glasscloud/internal/api"
	"github.com/g960059/glasscloud/internal/connection"
	"github.com/g960059/glasscloud/internal/lifecycle"
	"github.com/g960059/glasscloud/internal/model"
	"github.com/g960059/glasscloud/internal/wire"
)

const (
	defaultUnaryTimeout      = 10 * time.Second
	defaultHeartbeatInterval = 15 * time.Second
	defaultConnectTimeout    = 10 * time.Second
	defaultPingInterval      = 10 * time.Second
	defaultPingTimeout       = 30 * time.Second
	maxWebhookBody           = 64 * 1024
)

type Options struct {
	// CloudWSURL is the cloud's TPA websocket endpoint, e.g. wss://cloud/tpa-ws.
	CloudWSURL string
	// CloudHTTPURL is the base of /register and /heartbeat.
	CloudHTTPURL string
	PackageName  string
	APIKey       string
	// ServerURL is where the cloud reaches this server's webhook.
	ServerURL string
	Version   string

	HeartbeatInterval time.Duration
	ConnectTimeout    time.Duration
	// PingInterval and PingTimeout govern liveness of an active Connection:
	// it is dropped and reconnected when nothing, pings included, arrives
	// from the cloud for PingTimeout.
	PingInterval time.Duration
	PingTimeout  time.Duration
	Policy       connection.Policy
	// OnSession runs for each new AppSession before it connects, so
	// subscriptions and handlers made there are in place for the handshake.
	OnSession func(*AppSession)

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Clock      lifecycle.Clock
	Logger     zerolog.Logger
}

type Client struct {
	opts    Options
	http    *http.Client
	dialer  *websocket.Dialer
	clock   lifecycle.Clock
	log     zerolog.Logger
	tracker *lifecycle.Tracker

	mu             sync.Mutex
	registrationID string
	sessions       map[string]*AppSession
}

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	if code != "" && message != "" {
		return fmt.Sprintf("%s: %s", code, message)
	}
	if code != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, code)
	}
	if message != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, message)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

func New(opts Options) *Client {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.PingTimeout < opts.PingInterval {
		opts.PingTimeout = max(defaultPingTimeout, opts.PingInterval)
	}
	if opts.Policy.MaxAttempts == 0 && opts.Policy.BaseDelay == 0 {
		opts.Policy = connection.Policy{
			MaxAttempts:            3,
			BaseDelay:              time.Second,
			MaxDelay:               30 * time.Second,
			MaxJitter:              time.Second,
			ProtocolErrorThreshold: 10,
			Jitter:                 connection.RandomJitter,
		}
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Clock == nil {
		opts.Clock = lifecycle.RealClock()
	}
	opts.CloudHTTPURL = strings.TrimRight(opts.CloudHTTPURL, "/")
	log := opts.Logger.With().Str("package", opts.PackageName).Logger()
	return &Client{
		opts:     opts,
		http:     opts.HTTPClient,
		dialer:   opts.Dialer,
		clock:    opts.Clock,
		log:      log,
		tracker:  lifecycle.NewTracker(opts.Clock, log),
		sessions: map[string]*AppSession{},
	}
}

// Register announces this server to the cloud. Sessions that had the app
// running are recovered by the cloud as part of the call.
func (c *Client) Register(ctx context.Context) (api.RegisterResponse, error) {
	var out api.RegisterResponse
	body, err := c.request(ctx, http.MethodPost, "/register", api.RegisterRequest{
		PackageName: c.opts.PackageName,
		ServerURL:   c.opts.ServerURL,
		Version:     c.opts.Version,
		APIKey:      c.opts.APIKey,
	})
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("decode register response: %w", err)
	}
	c.mu.Lock()
	c.registrationID = out.RegistrationID
	c.mu.Unlock()
	c.log.Info().Str("registration_id", out.RegistrationID).Int("active_sessions", out.ActiveSessions).Msg("registered with cloud")
	return out, nil
}

func (c *Client) RegistrationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registrationID
}

func (c *Client) Heartbeat(ctx context.Context) error {
	id := c.RegistrationID()
	if id == "" {
		return errors.New("not registered")
	}
	_, err := c.request(ctx, http.MethodPost, "/heartbeat", api.HeartbeatRequest{
		PackageName:    c.opts.PackageName,
		APIKey:         c.opts.APIKey,
		RegistrationID: id,
	})
	return err
}

// RunHeartbeats sends a heartbeat every HeartbeatInterval until ctx is
// done. A cloud that forgot the registration gets a fresh Register.
func (c *Client) RunHeartbeats(ctx context.Context) error {
	h := c.tracker.TrackInterval("registration.heartbeat", c.opts.HeartbeatInterval, func() {
		beatCtx, cancel := context.WithTimeout(ctx, defaultUnaryTimeout)
		defer cancel()
		err := c.Heartbeat(beatCtx)
		if err == nil {
			return
		}
		var reqErr *RequestError
		if errors.As(err, &reqErr) && reqErr.Code == model.ErrCodeNotRegistered {
			if _, err := c.Register(beatCtx); err != nil {
				c.log.Warn().Err(err).Msg("re-register failed")
			}
			return
		}
		c.log.Warn().Err(err).Msg("heartbeat failed")
	})
	defer h.Cancel()
	<-ctx.Done()
	return ctx.Err()
}

// WebhookHandler accepts session_request webhooks and starts or recovers
// the matching AppSession.
func (c *Client) WebhookHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeWebhookError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var req wire.SessionRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody)).Decode(&req); err != nil {
			writeWebhookError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.Type != wire.TypeSessionRequest || strings.TrimSpace(req.SessionID) == "" {
			writeWebhookError(w, http.StatusBadRequest, "expected session_request with sessionId")
			return
		}
		c.StartSession(req.SessionID, req.UserID)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]bool{"success": true})
	})
}

func writeWebhookError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": msg})
}

// StartSession connects to sessionID. A session already running is asked
// to reconnect now instead.
func (c *Client) StartSession(sessionID, userID string) *AppSession {
	c.mu.Lock()
	if s, ok := c.sessions[sessionID]; ok {
		c.mu.Unlock()
		s.recover()
		return s
	}
	s := newAppSession(c, sessionID, userID)
	c.sessions[sessionID] = s
	c.mu.Unlock()

	if c.opts.OnSession != nil {
		c.opts.OnSession(s)
	}
	s.start()
	return s
}

func (c *Client) Session(sessionID string) (*AppSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sessionID]
	return s, ok
}

func (c *Client) forget(s *AppSession) {
	c.mu.Lock()
	if c.sessions[s.id] == s {
		delete(c.sessions, s.id)
	}
	c.mu.Unlock()
}

// Close stops every session and the heartbeat loop.
func (c *Client) Close() {
	c.mu.Lock()
	list := make([]*AppSession, 0, len(c.sessions))
	for _, s := range c.sessions {
		list = append(list, s)
	}
	c.mu.Unlock()
	for _, s := range list {
		s.Stop()
	}
	c.tracker.Dispose()
}

func (c *Client) request(ctx context.Context, method, path string, body any) ([]byte, error) {
	reqCtx := ctx
	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > defaultUnaryTimeout {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, defaultUnaryTimeout)
		defer cancel()
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.opts.CloudHTTPURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var er api.ErrorResponse
		if err := json.Unmarshal(payload, &er); err == nil && er.Error.Code != "" {
			return nil, &RequestError{
				StatusCode: resp.StatusCode,
				Code:       er.Error.Code,
				Message:    er.Error.Message,
			}
		}
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Code:       fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message:    strings.TrimSpace(string(payload)),
		}
	}
	return payload, nil
}
