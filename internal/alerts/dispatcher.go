package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"spendly/internal/accounts"
)

// DefaultCooldown is the minimum time between two notifications of one alert.
const DefaultCooldown = time.Hour

var notifications = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "spendly_alert_notifications_total",
		Help: "Alert notification attempts by channel and result",
	},
	[]string{"channel", "result"},
)

// AlertMarker persists the time an alert was last sent.
type AlertMarker interface {
	MarkAlertNotified(ctx context.Context, id string, at time.Time) error
}

// Dispatcher fires alerts through their channel, at most once per cooldown.
type Dispatcher struct {
	marker   AlertMarker
	channels map[string]Channel
	cooldown time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	lastSent map[string]time.Time
}

// NewDispatcher creates a Dispatcher. A negative cooldown is treated as zero.
func NewDispatcher(marker AlertMarker, channels map[string]Channel, cooldown time.Duration) *Dispatcher {
	if cooldown < 0 {
		cooldown = 0
	}
	return &Dispatcher{
		marker:   marker,
		channels: channels,
		cooldown: cooldown,
		now:      time.Now,
		logger:   slog.Default().With("component", "alerts"),
		locks:    make(map[string]*sync.Mutex),
		lastSent: make(map[string]time.Time),
	}
}

func (d *Dispatcher) lockFor(id string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.locks[id]
	if !ok {
		l = &sync.Mutex{}
		d.locks[id] = l
	}
	return l
}

// lastNotified is the later of the stored stamp and any send this process
// made since the alert was loaded.
func (d *Dispatcher) lastNotified(a *accounts.Alert) (time.Time, bool) {
	d.mu.Lock()
	mem, ok := d.lastSent[a.ID]
	d.mu.Unlock()

	if a.LastNotificationSentAt != nil && (!ok || a.LastNotificationSentAt.After(mem)) {
		return *a.LastNotificationSentAt, true
	}
	return mem, ok
}

// MaybeNotify sends the alert when currentValue has reached its threshold
// and the cooldown has passed. It reports whether a notification went out.
// Failures are logged and counted, never returned.
func (d *Dispatcher) MaybeNotify(ctx context.Context, a *accounts.Alert, currentValue float64) bool {
	if a == nil || currentValue < a.Threshold {
		return false
	}

	lock := d.lockFor(a.ID)
	lock.Lock()
	defer lock.Unlock()

	now := d.now()
	if last, ok := d.lastNotified(a); ok && now.Sub(last) < d.cooldown {
		d.logger.Debug("alert in cooldown", "alert_id", a.ID, "last_sent", last)
		return false
	}

	name, destination, err := ParseTarget(a.Notification)
	if err != nil {
		d.logger.Warn("alert has an invalid notification target", "alert_id", a.ID, "error", err)
		notifications.WithLabelValues("invalid", "failed").Inc()
		return false
	}
	channel, ok := d.channels[name]
	if !ok {
		d.logger.Warn("alert uses an unknown channel", "alert_id", a.ID, "channel", name)
		notifications.WithLabelValues(name, "failed").Inc()
		return false
	}

	msg := Message{
		AlertID:      a.ID,
		Scope:        a.Scope.String(),
		Metric:       string(a.Metric),
		Period:       string(a.Period),
		Threshold:    a.Threshold,
		CurrentValue: currentValue,
		Text: fmt.Sprintf("Usage alert: %s %s %s is %g, threshold %g.",
			a.Scope, a.Period, a.Metric, currentValue, a.Threshold),
		SentAt: now.UTC(),
		Secret: a.Secret,
	}
	if err := channel.Send(ctx, msg, destination); err != nil {
		d.logger.Error("alert notification failed", "alert_id", a.ID, "channel", name, "error", err)
		notifications.WithLabelValues(name, "failed").Inc()
		return false
	}
	notifications.WithLabelValues(name, "sent").Inc()

	d.mu.Lock()
	d.lastSent[a.ID] = now
	d.mu.Unlock()
	sent := now
	a.LastNotificationSentAt = &sent

	if err := d.marker.MarkAlertNotified(ctx, a.ID, now); err != nil {
		d.logger.Error("failed to record alert notification", "alert_id", a.ID, "error", err)
	}
	return true
}
