package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (r *recordingNotifier) Send(ctx context.Context, alert Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.alerts = append(r.alerts, alert)
	return nil
}

func (r *recordingNotifier) received() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Alert, len(r.alerts))
	copy(out, r.alerts)
	return out
}

func TestDispatcherFansOut(t *testing.T) {
	a := &recordingNotifier{}
	b := &recordingNotifier{}
	d := NewDispatcher(a, b)

	if err := d.NotifySync(context.Background(), OfflineAlert("probe refused")); err != nil {
		t.Fatalf("NotifySync failed: %v", err)
	}

	for name, sink := range map[string]*recordingNotifier{"a": a, "b": b} {
		got := sink.received()
		if len(got) != 1 {
			t.Fatalf("sink %s alerts = %d, want 1", name, len(got))
		}
		if got[0].Kind != KindOffline || got[0].Level != AlertCritical {
			t.Errorf("sink %s alert = %+v", name, got[0])
		}
	}
}

func TestDispatcherSinkFailureDoesNotBlockOthers(t *testing.T) {
	bad := &recordingNotifier{err: errors.New("refused")}
	good := &recordingNotifier{}
	d := NewDispatcher(bad, good)

	err := d.NotifySync(context.Background(), RecoveryAlert())
	if err == nil {
		t.Fatalf("expected first failure to surface")
	}
	if len(good.received()) != 1 {
		t.Errorf("healthy sink starved: %d alerts", len(good.received()))
	}
}

func TestNilDispatcherDropsQuietly(t *testing.T) {
	var d *Dispatcher
	d.Notify(StorageAlert(errors.New("disk full")))
	if err := d.NotifySync(context.Background(), RecoveryAlert()); err != nil {
		t.Errorf("nil dispatcher returned %v", err)
	}
}

func TestDispatcherAsyncDelivery(t *testing.T) {
	sink := &recordingNotifier{}
	d := NewDispatcher(sink)
	d.Notify(SessionExpiredAlert())

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(sink.received()) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("alert never delivered")
}

func TestAlertConstructors(t *testing.T) {
	off := OfflineAlert("two probes failed")
	if off.Kind != KindOffline || off.Level != AlertCritical || off.Message != "two probes failed" {
		t.Errorf("offline = %+v", off)
	}
	rec := RecoveryAlert()
	if rec.Kind != KindRecovery || rec.Level != AlertInfo {
		t.Errorf("recovery = %+v", rec)
	}
	st := StorageAlert(errors.New("sqlite locked"))
	if st.Kind != KindStorage || st.Message != "sqlite locked" {
		t.Errorf("storage = %+v", st)
	}
	se := SessionExpiredAlert()
	if se.Kind != KindSession || se.Level != AlertWarning {
		t.Errorf("session = %+v", se)
	}
}

func TestWebhookNotifier(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	if err := n.Send(context.Background(), OfflineAlert("probe refused")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got["service"] != "oipulse" || got["kind"] != "offline" || got["level"] != "CRITICAL" {
		t.Errorf("payload = %v", got)
	}
	if got["message"] != "probe refused" {
		t.Errorf("message = %v", got["message"])
	}
}

func TestWebhookNotifierErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if err := NewWebhookNotifier(srv.URL).Send(context.Background(), RecoveryAlert()); err == nil {
		t.Fatalf("expected error on 502")
	}
}

func TestTelegramNotifier(t *testing.T) {
	var path string
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
	}))
	defer srv.Close()

	n := NewTelegramNotifier("bot-token", "chat-42")
	n.apiBase = srv.URL
	if err := n.Send(context.Background(), StorageAlert(errors.New("disk full"))); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if path != "/botbot-token/sendMessage" {
		t.Errorf("path = %q", path)
	}
	if got["chat_id"] != "chat-42" || got["parse_mode"] != "MarkdownV2" {
		t.Errorf("payload = %v", got)
	}
}

func TestEscapeMarkdown(t *testing.T) {
	got := escapeMarkdown("a-b.c(d)")
	want := `a\-b\.c\(d\)`
	if got != want {
		t.Errorf("escaped = %q, want %q", got, want)
	}
}
