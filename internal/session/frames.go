package session

import (
	"fmt"

	"github.com/g960059/glasscloud/internal/connection"
	"github.com/g960059/glasscloud/internal/display"
	"github.com/g960059/glasscloud/internal/model"
	"github.com/g960059/glasscloud/internal/wire"
)

func (s *Session) handleTPALocked(l *link, msg any) error {
	if l.machine.State != model.StateActive {
		return model.NewProtocolError("frame before handshake completed", nil)
	}
	switch m := msg.(type) {
	case wire.ConnectionInit:
		return model.NewProtocolError("duplicate connection_init", nil)

	case wire.SubscriptionUpdate:
		if err := samePackage(m.PackageName, l.pkg); err != nil {
			return err
		}
		s.dispatchLocked(l, connection.Event{Kind: connection.EventSubscriptionUpdate, Streams: m.Subscriptions})

	case wire.DisplayRequest:
		if err := samePackage(m.PackageName, l.pkg); err != nil {
			return err
		}
		view, _ := model.ParseView(m.View)
		if view == model.ViewDashboard {
			s.dashboard.UpdateContent(l.pkg, wire.LayoutText(m.Layout), []model.DashboardMode{model.DashboardMain})
			return nil
		}
		outcome := s.arbiter.Submit(display.Request{
			PackageName: l.pkg,
			View:        view,
			Layout:      m.Layout,
			Duration:    m.Duration(),
			Force:       m.ForceDisplay,
			SubmittedAt: s.deps.Clock.Now(),
		})
		s.log.Debug().Str("package", l.pkg).Str("outcome", string(outcome)).Msg("display request")

	case wire.BackgroundLockRequest:
		if err := samePackage(m.PackageName, l.pkg); err != nil {
			return err
		}
		resp := wire.BackgroundLockResponse{Type: wire.TypeBackgroundLockResponse, Action: m.Action}
		if m.Action == wire.LockRelease {
			resp.Granted = s.arbiter.ReleaseLock(l.pkg)
		} else {
			resp.Granted, resp.Holder = s.arbiter.AcquireLock(l.pkg)
		}
		s.sendLocked(l, resp)

	case wire.DashboardContentUpdate:
		if err := samePackage(m.PackageName, l.pkg); err != nil {
			return err
		}
		modes := make([]model.DashboardMode, 0, len(m.Modes))
		for _, raw := range m.Modes {
			mode, _ := model.ParseDashboardMode(raw)
			modes = append(modes, mode)
		}
		s.dashboard.UpdateContent(l.pkg, m.Content, modes)

	case wire.DashboardSystemUpdate:
		slot, _ := model.ParseSystemSlot(m.Section)
		if err := s.dashboard.UpdateSystem(l.pkg, slot, m.Content); err != nil {
			return model.NewProtocolError("dashboard_system_update", err)
		}

	case wire.DashboardModeChange:
		mode, _ := model.ParseDashboardMode(m.Mode)
		if err := s.dashboard.SetMode(l.pkg, mode); err != nil {
			return model.NewProtocolError("dashboard_mode_change", err)
		}

	default:
		return model.NewProtocolError(fmt.Sprintf("unhandled frame %T", msg), nil)
	}
	return nil
}

func samePackage(claimed, pkg string) error {
	if claimed != "" && claimed != pkg {
		return model.NewProtocolError(fmt.Sprintf("packageName %q does not match connection %q", claimed, pkg), nil)
	}
	return nil
}
