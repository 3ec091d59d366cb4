package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/g960059/glasscloud/internal/api"
	"github.com/g960059/glasscloud/internal/model"
	"github.com/g960059/glasscloud/internal/registry"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	now := s.clock.Now()
	live := 0
	for _, reg := range s.registry.Registrations() {
		if reg.CloudID == s.cfg.CloudID && reg.IsLive(now, s.registry.LivenessWindow()) {
			live++
		}
	}
	s.writeJSON(w, http.StatusOK, api.HealthResponse{
		SchemaVersion:     api.SchemaVersion,
		GeneratedAt:       now,
		Status:            "ok",
		CloudID:           s.cfg.CloudID,
		Sessions:          s.sessions.Len(),
		LiveRegistrations: live,
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalidRequest, err.Error())
		return
	}
	reg, recovered, err := s.registry.Register(r.Context(), registry.RegisterParams{
		PackageName: req.PackageName,
		ServerURL:   req.ServerURL,
		Version:     req.Version,
		APIKey:      req.APIKey,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.RegisterResponse{
		Success:        true,
		RegistrationID: reg.RegistrationID,
		ActiveSessions: len(recovered),
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req api.HeartbeatRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalidRequest, err.Error())
		return
	}
	if req.PackageName == "" || req.RegistrationID == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalidRequest, "packageName and registrationId are required")
		return
	}
	if _, err := s.registry.Authenticate(r.Context(), req.PackageName, req.APIKey); err != nil {
		s.writeDomainError(w, err)
		return
	}
	if err := s.registry.Heartbeat(r.Context(), req.PackageName, req.RegistrationID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.HeartbeatResponse{Success: true})
}

func (s *Server) handleListRegistrations(w http.ResponseWriter, _ *http.Request) {
	now := s.clock.Now()
	window := s.registry.LivenessWindow()
	items := make([]api.RegistrationItem, 0)
	for _, reg := range s.registry.Registrations() {
		items = append(items, api.RegistrationItem{
			RegistrationID:  reg.RegistrationID,
			PackageName:     reg.PackageName,
			CloudID:         reg.CloudID,
			ServerURL:       reg.ServerURL,
			Version:         reg.Version,
			RegisteredAt:    reg.RegisteredAt,
			LastHeartbeatAt: reg.LastHeartbeatAt,
			Live:            reg.IsLive(now, window),
		})
	}
	s.writeJSON(w, http.StatusOK, api.ListEnvelope[api.RegistrationItem]{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   now,
		Items:         items,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	items := make([]api.SessionItem, 0)
	for _, snap := range s.sessions.List() {
		items = append(items, toSessionItem(snap))
	}
	s.writeJSON(w, http.StatusOK, api.ListEnvelope[api.SessionItem]{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.clock.Now(),
		Items:         items,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toSessionItem(sess.Snapshot()))
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := s.sessions.EndSession(id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.ActionResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.clock.Now(),
		SessionID:     id,
		Action:        "end",
		ResultCode:    "completed",
	})
}

func (s *Server) handleStartApp(w http.ResponseWriter, r *http.Request) {
	s.appAction(w, r, "start")
}

func (s *Server) handleStopApp(w http.ResponseWriter, r *http.Request) {
	s.appAction(w, r, "stop")
}

func (s *Server) appAction(w http.ResponseWriter, r *http.Request, action string) {
	id := chi.URLParam(r, "sessionID")
	pkg := chi.URLParam(r, "packageName")
	sess, err := s.sessions.Get(id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if action == "start" {
		err = sess.StartApp(r.Context(), pkg)
	} else {
		err = sess.StopApp(r.Context(), pkg, model.StopUserDisabled)
	}
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.ActionResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.clock.Now(),
		SessionID:     id,
		PackageName:   pkg,
		Action:        action,
		ResultCode:    "accepted",
	})
}

func toSessionItem(snap model.SessionSnapshot) api.SessionItem {
	item := api.SessionItem{
		SessionID:      snap.SessionID,
		UserID:         snap.UserID,
		CreatedAt:      snap.CreatedAt,
		DisconnectedAt: snap.DisconnectedAt,
		ActiveApps:     snap.ActiveApps,
		Connections:    make([]api.ConnectionItem, 0, len(snap.Connections)),
		LockHolder:     snap.LockHolder,
		DashboardMode:  string(snap.DashboardMode),
	}
	if item.ActiveApps == nil {
		item.ActiveApps = []string{}
	}
	for _, c := range snap.Connections {
		subs := make([]string, 0, len(c.Subscriptions))
		for _, st := range c.Subscriptions {
			subs = append(subs, string(st))
		}
		item.Connections = append(item.Connections, api.ConnectionItem{
			PackageName:       c.PackageName,
			State:             string(c.State),
			ReconnectAttempts: c.ReconnectAttempts,
			Subscriptions:     subs,
			LastActivityAt:    c.LastActivityAt,
		})
	}
	return item
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON body: %v", err)
	}
	return nil
}

// writeDomainError maps sentinel errors onto status codes and E_* codes.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidRequest):
		s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalidRequest, err.Error())
	case errors.Is(err, model.ErrAuth):
		s.writeError(w, http.StatusUnauthorized, model.ErrCodeAuth, "invalid api key")
	case errors.Is(err, model.ErrUnknownApp):
		s.writeError(w, http.StatusNotFound, model.ErrCodeUnknownApp, err.Error())
	case errors.Is(err, model.ErrNotRegistered):
		s.writeError(w, http.StatusNotFound, model.ErrCodeNotRegistered, err.Error())
	case errors.Is(err, model.ErrSessionNotFound), errors.Is(err, model.ErrSessionEnded):
		s.writeError(w, http.StatusNotFound, model.ErrCodeSessionNotFound, err.Error())
	case errors.Is(err, model.ErrAppNotActive):
		s.writeError(w, http.StatusConflict, model.ErrCodeAppNotActive, err.Error())
	default:
		s.log.Error().Err(err).Msg("request failed")
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "internal error")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	s.writeJSON(w, status, api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.clock.Now(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	})
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	s.writeError(w, http.StatusMethodNotAllowed, model.ErrCodeMethodNotAllowed, "method not allowed")
}
