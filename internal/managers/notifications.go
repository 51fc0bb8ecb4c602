package managers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/angeloszaimis/voicectl/internal/dispatch"
)

const (
	ResourceNotifications = "notifications"
	notificationsListKey  = "notifications:list"

	TypeTimer = "Timer"
	TypeAlarm = "Alarm"
)

type Notification struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Status             string `json:"status"`
	DeviceSerialNumber string `json:"deviceSerialNumber"`
	Label              string `json:"timerLabel,omitempty"`
	RemainingMillis    int64  `json:"remainingTime,omitempty"`
	AlarmTime          int64  `json:"alarmTime,omitempty"`
}

type Notifications struct {
	api dispatch.ApiExecutor
	now func() time.Time
}

func NewNotifications(api dispatch.ApiExecutor) *Notifications {
	return &Notifications{api: api, now: time.Now}
}

func (m *Notifications) List(ctx context.Context) ([]Notification, Source, error) {
	res := m.api.Execute(ctx, dispatch.Call{
		Method:   http.MethodGet,
		Endpoint: "/api/notifications",
		CacheKey: notificationsListKey,
		Resource: ResourceNotifications,
	})

	body, src, err := decode[struct {
		Notifications []Notification `json:"notifications"`
	}](res)
	return body.Notifications, src, err
}

func (m *Notifications) Timers(ctx context.Context) ([]Notification, Source, error) {
	return m.listType(ctx, TypeTimer)
}

func (m *Notifications) Alarms(ctx context.Context) ([]Notification, Source, error) {
	return m.listType(ctx, TypeAlarm)
}

func (m *Notifications) listType(ctx context.Context, kind string) ([]Notification, Source, error) {
	all, src, err := m.List(ctx)
	if err != nil {
		return nil, src, err
	}

	out := make([]Notification, 0, len(all))
	for _, n := range all {
		if n.Type == kind {
			out = append(out, n)
		}
	}
	return out, src, nil
}

func (m *Notifications) SetTimer(ctx context.Context, device Device, d time.Duration, label string) error {
	if d < time.Second {
		return fmt.Errorf("timer duration %s too short", d)
	}

	return m.create(ctx, device, map[string]any{
		"type":               TypeTimer,
		"status":             "ON",
		"deviceSerialNumber": device.SerialNumber,
		"deviceType":         device.DeviceType,
		"remainingTime":      d.Milliseconds(),
		"timerLabel":         label,
	})
}

func (m *Notifications) SetAlarm(ctx context.Context, device Device, at time.Time) error {
	if !at.After(m.now()) {
		return fmt.Errorf("alarm time %s is in the past", at.Format(time.RFC3339))
	}

	return m.create(ctx, device, map[string]any{
		"type":               TypeAlarm,
		"status":             "ON",
		"deviceSerialNumber": device.SerialNumber,
		"deviceType":         device.DeviceType,
		"alarmTime":          at.UnixMilli(),
		"originalDate":       at.Format("2006-01-02"),
		"originalTime":       at.Format("15:04:05.000"),
	})
}

func (m *Notifications) Cancel(ctx context.Context, id string) error {
	return command(m.api.Execute(ctx, dispatch.Call{
		Method:      http.MethodDelete,
		Endpoint:    "/api/notifications/" + url.PathEscape(id),
		Resource:    ResourceNotifications,
		Invalidates: []string{notificationsListKey},
	}))
}

func (m *Notifications) create(ctx context.Context, device Device, body map[string]any) error {
	return command(m.api.Execute(ctx, dispatch.Call{
		Method:      http.MethodPut,
		Endpoint:    "/api/notifications/createReminder",
		Body:        body,
		Resource:    ResourceNotifications,
		Invalidates: []string{notificationsListKey},
	}))
}
