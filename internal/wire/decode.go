package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/g960059/glasscloud/internal/model"
)

type envelope struct {
	Type string `json:"type"`
}

// PeekType returns the frame's type field.
func PeekType(raw []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", model.NewProtocolError("malformed frame", err)
	}
	if strings.TrimSpace(env.Type) == "" {
		return "", model.NewProtocolError("missing type", nil)
	}
	return env.Type, nil
}

// DecodeTPA parses a frame sent by a TPA. Malformed or unknown frames
// return a *model.ProtocolError.
func DecodeTPA(raw []byte) (any, error) {
	typ, err := PeekType(raw)
	if err != nil {
		return nil, err
	}
	switch typ {
	case TypeConnectionInit:
		var m ConnectionInit
		if err := decodeInto(raw, &m); err != nil {
			return nil, err
		}
		if m.PackageName == "" || m.SessionID == "" {
			return nil, model.NewProtocolError("connection_init requires sessionId and packageName", nil)
		}
		return m, nil
	case TypeSubscriptionUpdate:
		var m SubscriptionUpdate
		if err := decodeInto(raw, &m); err != nil {
			return nil, err
		}
		for _, s := range m.Subscriptions {
			if !model.IsKnownStream(s) {
				return nil, model.NewProtocolError(fmt.Sprintf("unknown stream %q", s), nil)
			}
		}
		return m, nil
	case TypeDisplayRequest:
		var m DisplayRequest
		if err := decodeInto(raw, &m); err != nil {
			return nil, err
		}
		if _, ok := model.ParseView(m.View); !ok {
			return nil, model.NewProtocolError(fmt.Sprintf("unknown view %q", m.View), nil)
		}
		if len(m.Layout) == 0 || string(m.Layout) == "null" {
			return nil, model.NewProtocolError("display_request requires layout", nil)
		}
		return m, nil
	case TypeBackgroundLockRequest:
		var m BackgroundLockRequest
		if err := decodeInto(raw, &m); err != nil {
			return nil, err
		}
		if m.Action == "" {
			m.Action = LockAcquire
		}
		if m.Action != LockAcquire && m.Action != LockRelease {
			return nil, model.NewProtocolError(fmt.Sprintf("unknown lock action %q", m.Action), nil)
		}
		return m, nil
	case TypeDashboardContentUpdate:
		var m DashboardContentUpdate
		if err := decodeInto(raw, &m); err != nil {
			return nil, err
		}
		for _, mode := range m.Modes {
			if _, ok := model.ParseDashboardMode(mode); !ok {
				return nil, model.NewProtocolError(fmt.Sprintf("unknown dashboard mode %q", mode), nil)
			}
		}
		return m, nil
	case TypeDashboardSystemUpdate:
		var m DashboardSystemUpdate
		if err := decodeInto(raw, &m); err != nil {
			return nil, err
		}
		if _, ok := model.ParseSystemSlot(m.Section); !ok {
			return nil, model.NewProtocolError(fmt.Sprintf("unknown system section %q", m.Section), nil)
		}
		return m, nil
	case TypeDashboardModeChange:
		var m DashboardModeChange
		if err := decodeInto(raw, &m); err != nil {
			return nil, err
		}
		if _, ok := model.ParseDashboardMode(m.Mode); !ok {
			return nil, model.NewProtocolError(fmt.Sprintf("unknown dashboard mode %q", m.Mode), nil)
		}
		return m, nil
	}
	return nil, model.NewProtocolError(fmt.Sprintf("unexpected frame type %q", typ), nil)
}

// DecodeCloud parses a frame sent by the cloud to a TPA.
func DecodeCloud(raw []byte) (any, error) {
	typ, err := PeekType(raw)
	if err != nil {
		return nil, err
	}
	switch typ {
	case TypeConnectionAck:
		return decodeAs[ConnectionAck](raw)
	case TypeConnectionError:
		return decodeAs[ConnectionError](raw)
	case TypeDataStream:
		return decodeAs[DataStream](raw)
	case TypeAppStopped:
		return decodeAs[AppStopped](raw)
	case TypeBackgroundLockResponse:
		return decodeAs[BackgroundLockResponse](raw)
	}
	return nil, model.NewProtocolError(fmt.Sprintf("unexpected frame type %q", typ), nil)
}

// DecodeGlasses parses a frame from the wearable. Unrecognised types are
// returned as GlassesEvent.
func DecodeGlasses(raw []byte) (any, error) {
	typ, err := PeekType(raw)
	if err != nil {
		return nil, err
	}
	switch typ {
	case TypeGlassesInit:
		var m GlassesInit
		if err := decodeInto(raw, &m); err != nil {
			return nil, err
		}
		if strings.TrimSpace(m.UserID) == "" {
			return nil, model.NewProtocolError("glasses_init requires userId", nil)
		}
		return m, nil
	case TypeStartApp:
		var m StartApp
		if err := decodeInto(raw, &m); err != nil {
			return nil, err
		}
		if m.PackageName == "" {
			return nil, model.NewProtocolError("start_app requires packageName", nil)
		}
		return m, nil
	case TypeStopApp:
		var m StopApp
		if err := decodeInto(raw, &m); err != nil {
			return nil, err
		}
		if m.PackageName == "" {
			return nil, model.NewProtocolError("stop_app requires packageName", nil)
		}
		return m, nil
	}
	return GlassesEvent{Type: typ, Raw: append(json.RawMessage(nil), raw...)}, nil
}

func decodeInto(raw []byte, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return model.NewProtocolError(fmt.Sprintf("field %q has wrong type", typeErr.Field), err)
		}
		return model.NewProtocolError("malformed frame", err)
	}
	return nil
}

func decodeAs[T any](raw []byte) (any, error) {
	var m T
	if err := decodeInto(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
