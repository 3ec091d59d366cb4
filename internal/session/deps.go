// Package session owns the per-wearable Session: its glasses channel, the
// set of active apps, one Connection per app, and the display arbiter and
// dashboard the apps share. It also drives the connection state machine
// over real transports.
package session

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/g960059/glasscloud/internal/config"
	"github.com/g960059/glasscloud/internal/lifecycle"
	"github.com/g960059/glasscloud/internal/metrics"
	"github.com/g960059/glasscloud/internal/model"
	"github.com/g960059/glasscloud/internal/registry"
	"github.com/g960059/glasscloud/internal/wire"
)

// Conn is one persistent bidirectional channel, to a TPA or to the glasses.
// Send must be safe for concurrent use and bounded by a write deadline.
type Conn interface {
	Send(v any) error
	Ping() error
	Close(code int, reason string) error
}

type WebhookSender interface {
	SendSessionRequest(ctx context.Context, url string, req wire.SessionRequest) error
}

// EndpointResolver picks the webhook URL for a package.
type EndpointResolver interface {
	ResolveEndpoint(ctx context.Context, pkg string) (string, registry.EndpointStatus, error)
}

type Authenticator interface {
	Authenticate(ctx context.Context, pkg, apiKey string) (model.App, error)
}

// RunningAppStore persists each user's running apps across sessions.
type RunningAppStore interface {
	RunningApps(ctx context.Context, userID string) ([]string, error)
	AddRunningApp(ctx context.Context, userID, pkg string) error
	RemoveRunningApp(ctx context.Context, userID, pkg string) error
}

// Executor runs f asynchronously. Tests substitute a synchronous one.
type Executor func(f func())

type Deps struct {
	Config    config.Config
	Clock     lifecycle.Clock
	Webhooks  WebhookSender
	Endpoints EndpointResolver
	Auth      Authenticator
	UserState RunningAppStore
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
	Go        Executor
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = lifecycle.RealClock()
	}
	if d.Go == nil {
		d.Go = func(f func()) { go f() }
	}
	return d
}
