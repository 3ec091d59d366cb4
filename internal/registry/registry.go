// Package registry tracks registered TPA server instances and triggers
// recovery of sessions that had an app running when its server comes back.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/g960059/glasscloud/internal/config"
	"github.com/g960059/glasscloud/internal/db"
	"github.com/g960059/glasscloud/internal/lifecycle"
	"github.com/g960059/glasscloud/internal/metrics"
	"github.com/g960059/glasscloud/internal/model"
	"github.com/g960059/glasscloud/internal/security"
)

type AppCatalog interface {
	GetApp(ctx context.Context, packageName string) (model.App, error)
}

type RegistrationStore interface {
	UpsertRegistration(ctx context.Context, reg model.Registration) error
	TouchRegistration(ctx context.Context, registrationID string, at time.Time) error
	ListRegistrations(ctx context.Context) ([]model.Registration, error)
	PurgeRegistrations(ctx context.Context, cutoff time.Time) (int64, error)
}

// SessionDirectory is the view of live sessions recovery needs.
type SessionDirectory interface {
	SessionsWithActiveApp(packageName string) []string
	RecoverApp(ctx context.Context, sessionID, packageName string) error
}

type EndpointStatus string

const (
	EndpointLive         EndpointStatus = "live"
	EndpointStale        EndpointStatus = "stale"
	EndpointUnregistered EndpointStatus = "unregistered"
)

const webhookPath = "/webhook"

type RegisterParams struct {
	PackageName string
	ServerURL   string
	Version     string
	APIKey      string
	CloudID     string
}

type key struct {
	pkg   string
	cloud string
}

type Registry struct {
	cfg     config.Config
	clock   lifecycle.Clock
	catalog AppCatalog
	store   RegistrationStore
	metrics *metrics.Metrics
	log     zerolog.Logger
	tracker *lifecycle.Tracker

	mu   sync.RWMutex
	regs map[key]model.Registration
	byID map[string]key
	dir  SessionDirectory
}

func New(cfg config.Config, clock lifecycle.Clock, catalog AppCatalog, store RegistrationStore, m *metrics.Metrics, log zerolog.Logger) *Registry {
	if clock == nil {
		clock = lifecycle.RealClock()
	}
	log = log.With().Str("component", "registry").Logger()
	return &Registry{
		cfg:     cfg,
		clock:   clock,
		catalog: catalog,
		store:   store,
		metrics: m,
		log:     log,
		tracker: lifecycle.NewTracker(clock, log),
		regs:    map[key]model.Registration{},
		byID:    map[string]key{},
	}
}

// Init loads persisted registrations, binds the session directory used for
// recovery, and starts pruning registrations past retention.
func (r *Registry) Init(ctx context.Context, dir SessionDirectory) error {
	regs, err := r.store.ListRegistrations(ctx)
	if err != nil {
		return fmt.Errorf("load registrations: %w", err)
	}
	r.mu.Lock()
	r.dir = dir
	for _, reg := range regs {
		k := key{pkg: reg.PackageName, cloud: reg.CloudID}
		r.regs[k] = reg
		r.byID[reg.RegistrationID] = k
	}
	r.mu.Unlock()
	r.refreshLiveGauge()

	if r.cfg.RegistryPruneInterval > 0 {
		r.tracker.TrackInterval("registry.prune", r.cfg.RegistryPruneInterval, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := r.Prune(ctx); err != nil {
				r.log.Warn().Err(err).Msg("prune registrations failed")
			}
		})
	}
	r.log.Info().Int("registrations", len(regs)).Msg("registry initialized")
	return nil
}

func (r *Registry) Shutdown() {
	r.tracker.Dispose()
}

// Authenticate checks apiKey against the catalog entry for pkg.
func (r *Registry) Authenticate(ctx context.Context, pkg, apiKey string) (model.App, error) {
	app, err := r.catalog.GetApp(ctx, pkg)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return model.App{}, fmt.Errorf("%s: %w", pkg, model.ErrUnknownApp)
		}
		return model.App{}, fmt.Errorf("lookup app %s: %w", pkg, err)
	}
	if !security.VerifyAPIKey(app.APIKeyHash, apiKey) {
		return model.App{}, fmt.Errorf("%s: %w", pkg, model.ErrAuth)
	}
	return app, nil
}

// Register records or overwrites the registration for (package, cloud)
// and, for this deployment, re-invokes session start on every session that
// lists the package as active. It returns the sessions recovered.
func (r *Registry) Register(ctx context.Context, p RegisterParams) (model.Registration, []string, error) {
	p.PackageName = strings.TrimSpace(p.PackageName)
	if p.PackageName == "" {
		return model.Registration{}, nil, fmt.Errorf("packageName is required: %w", model.ErrInvalidRequest)
	}
	if err := validateServerURL(p.ServerURL); err != nil {
		return model.Registration{}, nil, fmt.Errorf("%v: %w", err, model.ErrInvalidRequest)
	}
	if _, err := r.Authenticate(ctx, p.PackageName, p.APIKey); err != nil {
		return model.Registration{}, nil, err
	}
	if p.CloudID == "" {
		p.CloudID = r.cfg.CloudID
	}

	now := r.clock.Now()
	reg := model.Registration{
		RegistrationID:  uuid.NewString(),
		PackageName:     p.PackageName,
		CloudID:         p.CloudID,
		ServerURL:       strings.TrimRight(strings.TrimSpace(p.ServerURL), "/"),
		Version:         p.Version,
		RegisteredAt:    now,
		LastHeartbeatAt: now,
	}
	if err := r.store.UpsertRegistration(ctx, reg); err != nil {
		return model.Registration{}, nil, fmt.Errorf("persist registration: %w", err)
	}

	k := key{pkg: reg.PackageName, cloud: reg.CloudID}
	r.mu.Lock()
	if prev, ok := r.regs[k]; ok {
		delete(r.byID, prev.RegistrationID)
	}
	r.regs[k] = reg
	r.byID[reg.RegistrationID] = k
	dir := r.dir
	r.mu.Unlock()
	r.refreshLiveGauge()

	r.log.Info().
		Str("package", reg.PackageName).
		Str("cloud_id", reg.CloudID).
		Str("server_url", reg.ServerURL).
		Str("version", reg.Version).
		Msg("tpa registered")

	if reg.CloudID != r.cfg.CloudID || dir == nil {
		return reg, nil, nil
	}
	return reg, r.recover(ctx, dir, reg.PackageName), nil
}

// recover is best effort: one failing session is logged and skipped.
func (r *Registry) recover(ctx context.Context, dir SessionDirectory, pkg string) []string {
	ids := dir.SessionsWithActiveApp(pkg)
	recovered := make([]string, 0, len(ids))
	for _, id := range ids {
		if err := dir.RecoverApp(ctx, id, pkg); err != nil {
			r.metrics.Recovery(false)
			r.log.Warn().Err(err).Str("session_id", id).Str("package", pkg).Msg("session recovery failed")
			continue
		}
		r.metrics.Recovery(true)
		recovered = append(recovered, id)
	}
	if len(ids) > 0 {
		r.log.Info().Str("package", pkg).Int("attempted", len(ids)).Int("recovered", len(recovered)).Msg("recovery finished")
	}
	return recovered
}

// Heartbeat refreshes the registration's liveness clock.
func (r *Registry) Heartbeat(ctx context.Context, pkg, registrationID string) error {
	r.mu.RLock()
	k, ok := r.byID[registrationID]
	r.mu.RUnlock()
	if !ok || k.pkg != pkg {
		return fmt.Errorf("%s/%s: %w", pkg, registrationID, model.ErrNotRegistered)
	}
	now := r.clock.Now()
	if err := r.store.TouchRegistration(ctx, registrationID, now); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("%s/%s: %w", pkg, registrationID, model.ErrNotRegistered)
		}
		return fmt.Errorf("persist heartbeat: %w", err)
	}
	r.mu.Lock()
	if reg, ok := r.regs[k]; ok && reg.RegistrationID == registrationID {
		reg.LastHeartbeatAt = now
		r.regs[k] = reg
	}
	r.mu.Unlock()
	r.refreshLiveGauge()
	return nil
}

// IsLive reports whether pkg has a registration on this deployment whose
// last heartbeat is inside the liveness window.
func (r *Registry) IsLive(pkg string) bool {
	r.mu.RLock()
	reg, ok := r.regs[key{pkg: pkg, cloud: r.cfg.CloudID}]
	r.mu.RUnlock()
	return ok && reg.IsLive(r.clock.Now(), r.cfg.LivenessWindow)
}

// ResolveEndpoint picks the session webhook URL for pkg: the live
// registration's server, else the catalog webhook. A stale registration
// resolves to no URL.
func (r *Registry) ResolveEndpoint(ctx context.Context, pkg string) (string, EndpointStatus, error) {
	r.mu.RLock()
	reg, ok := r.regs[key{pkg: pkg, cloud: r.cfg.CloudID}]
	r.mu.RUnlock()
	if ok {
		if reg.IsLive(r.clock.Now(), r.cfg.LivenessWindow) {
			return reg.ServerURL + webhookPath, EndpointLive, nil
		}
		return "", EndpointStale, nil
	}
	app, err := r.catalog.GetApp(ctx, pkg)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return "", EndpointUnregistered, fmt.Errorf("%s: %w", pkg, model.ErrUnknownApp)
		}
		return "", EndpointUnregistered, fmt.Errorf("lookup app %s: %w", pkg, err)
	}
	return app.WebhookURL, EndpointUnregistered, nil
}

// Prune forgets registrations whose heartbeat is older than the retention.
func (r *Registry) Prune(ctx context.Context) (int, error) {
	cutoff := r.clock.Now().Add(-r.cfg.RegistrationRetention)
	if _, err := r.store.PurgeRegistrations(ctx, cutoff); err != nil {
		return 0, err
	}
	r.mu.Lock()
	n := 0
	for k, reg := range r.regs {
		if reg.LastHeartbeatAt.Before(cutoff) {
			delete(r.regs, k)
			delete(r.byID, reg.RegistrationID)
			n++
		}
	}
	r.mu.Unlock()
	if n > 0 {
		r.log.Info().Int("pruned", n).Msg("pruned stale registrations")
	}
	r.refreshLiveGauge()
	return n, nil
}

func (r *Registry) Registrations() []model.Registration {
	r.mu.RLock()
	out := make([]model.Registration, 0, len(r.regs))
	for _, reg := range r.regs {
		out = append(out, reg)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].PackageName != out[j].PackageName {
			return out[i].PackageName < out[j].PackageName
		}
		return out[i].CloudID < out[j].CloudID
	})
	return out
}

func (r *Registry) LivenessWindow() time.Duration {
	return r.cfg.LivenessWindow
}

func (r *Registry) refreshLiveGauge() {
	now := r.clock.Now()
	r.mu.RLock()
	live := 0
	for _, reg := range r.regs {
		if reg.IsLive(now, r.cfg.LivenessWindow) {
			live++
		}
	}
	r.mu.RUnlock()
	r.metrics.SetLiveRegistrations(live)
}

func validateServerURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("serverUrl must be an absolute http(s) url")
	}
	if u.User != nil {
		return fmt.Errorf("serverUrl must not embed credentials")
	}
	return nil
}
