// Package notification delivers operational alerts to external
// channels (log, webhooks, Telegram): poll pipeline offline and
// recovery transitions, snapshot store failures, session expiry.
package notification

import (
	"context"
	"fmt"
	"log"
	"time"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Kind tags what happened so webhook consumers can route alerts.
type Kind string

const (
	KindOffline  Kind = "offline"
	KindRecovery Kind = "recovery"
	KindStorage  Kind = "storage"
	KindSession  Kind = "session"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Kind    Kind       `json:"kind"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
}

// OfflineAlert is fired when the health monitor crosses the failure
// threshold.
func OfflineAlert(reason string) Alert {
	return Alert{
		Level:   AlertCritical,
		Kind:    KindOffline,
		Title:   "poll pipeline offline",
		Message: reason,
	}
}

// RecoveryAlert is fired on the first successful probe after offline.
func RecoveryAlert() Alert {
	return Alert{
		Level:   AlertInfo,
		Kind:    KindRecovery,
		Title:   "poll pipeline recovered",
		Message: "probe succeeded, scheduler restarted",
	}
}

// StorageAlert is fired when a snapshot write fails.
func StorageAlert(err error) Alert {
	return Alert{
		Level:   AlertCritical,
		Kind:    KindStorage,
		Title:   "snapshot store failure",
		Message: err.Error(),
	}
}

// SessionExpiredAlert is fired when the provider rejects the token
// mid-day.
func SessionExpiredAlert() Alert {
	return Alert{
		Level:   AlertWarning,
		Kind:    KindSession,
		Title:   "session expired",
		Message: "provider rejected the access token, reconnect required",
	}
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the operational log. Always configured,
// so every alert leaves at least one trace.
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	log.Printf("[notify] [%s] %s: %s", alert.Level, alert.Title, alert.Message)
	return nil
}

// Dispatcher fans one alert out to every configured sink. Delivery
// errors are logged, never propagated, and a slow sink cannot block
// the caller. A nil Dispatcher drops alerts silently, so callers can
// hold one without wiring checks.
type Dispatcher struct {
	sinks   []Notifier
	timeout time.Duration
}

func NewDispatcher(sinks ...Notifier) *Dispatcher {
	return &Dispatcher{sinks: sinks, timeout: 10 * time.Second}
}

// Notify delivers asynchronously, one goroutine per sink.
func (d *Dispatcher) Notify(alert Alert) {
	if d == nil {
		return
	}
	for _, sink := range d.sinks {
		go func(n Notifier) {
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			defer cancel()
			if err := n.Send(ctx, alert); err != nil {
				log.Printf("[notify] delivery failed: %v", err)
			}
		}(sink)
	}
}

// NotifySync delivers on the calling goroutine, collecting the first
// failure. Used on shutdown paths where pending goroutines would be
// lost.
func (d *Dispatcher) NotifySync(ctx context.Context, alert Alert) error {
	if d == nil {
		return nil
	}
	var first error
	for _, sink := range d.sinks {
		if err := sink.Send(ctx, alert); err != nil {
			log.Printf("[notify] delivery failed: %v", err)
			if first == nil {
				first = fmt.Errorf("notify: %w", err)
			}
		}
	}
	return first
}
