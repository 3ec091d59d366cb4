package testutil

import (
	"encoding/json"
	"errors"
	"sync"
)

var ErrConnClosed = errors.New("fake conn closed")

// FakeConn records everything written to a TPA or glasses channel.
type FakeConn struct {
	mu          sync.Mutex
	sent        [][]byte
	pings       int
	closed      bool
	closeCode   int
	closeReason string
	SendErr     error
}

func NewFakeConn() *FakeConn {
	return &FakeConn{}
}

func (c *FakeConn) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.sent = append(c.sent, raw)
	return nil
}

func (c *FakeConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	c.pings++
	return nil
}

func (c *FakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	return nil
}

// Types returns the "type" field of every message sent, in order.
func (c *FakeConn) Types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sent))
	for _, raw := range c.sent {
		var env struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(raw, &env)
		out = append(out, env.Type)
	}
	return out
}

// Messages returns every sent message of the given type decoded as maps.
func (c *FakeConn) Messages(msgType string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]any
	for _, raw := range c.sent {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		if m["type"] == msgType {
			out = append(out, m)
		}
	}
	return out
}

func (c *FakeConn) Pings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

func (c *FakeConn) Closed() (bool, int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode, c.closeReason
}
