package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"oipulse/internal/marketday"
	"oipulse/internal/model"
	"oipulse/internal/store/sqlite"
	"oipulse/pkg/optionchain"
)

// base32 secret used by the TOTP reference vectors.
const testTOTPSecret = "JBSWY3DPEHPK3PXP"

func newTestManager(t *testing.T, cfg Config) (*Manager, *sqlite.Store, *optionchain.Client) {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "session.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	client := optionchain.NewClient(optionchain.Config{})
	return New(s, client, cfg), s, client
}

func appendRow(t *testing.T, s *sqlite.Store) {
	t.Helper()
	p := model.Point{}
	if _, err := s.Append(&p, time.Now().UTC()); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
}

func TestConnectInstallsAndPersists(t *testing.T) {
	m, s, client := newTestManager(t, Config{Expiry: "2026-08-27"})

	cleared, err := m.Connect("tok-abcd1234")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if cleared {
		t.Errorf("expected no clear on first identity")
	}
	if client.AccessToken() != "tok-abcd1234" {
		t.Errorf("token = %q", client.AccessToken())
	}

	token, day, err := s.LoadSession()
	if err != nil {
		t.Fatalf("LoadSession failed: %v", err)
	}
	if token != "tok-abcd1234" {
		t.Errorf("persisted token = %q", token)
	}
	if want := marketday.DateKey(time.Now()); day != want {
		t.Errorf("persisted day = %q, want %q", day, want)
	}
	if !m.Authorized() {
		t.Errorf("expected authorized after connect")
	}
}

func TestConnectEmptyToken(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	if _, err := m.Connect("   "); err == nil {
		t.Fatalf("expected error for blank token")
	}
}

func TestReconnectWithNewTokenClearsSnapshots(t *testing.T) {
	m, s, _ := newTestManager(t, Config{Expiry: "2026-08-27"})

	if _, err := m.Connect("tok-first-1111"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	appendRow(t, s)

	cleared, err := m.Connect("tok-other-2222")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !cleared {
		t.Errorf("expected clear on token change")
	}
	if n, _ := s.Count(); n != 0 {
		t.Errorf("count = %d, want 0", n)
	}
}

func TestSourceIdentityMasking(t *testing.T) {
	m, _, _ := newTestManager(t, Config{Expiry: "2026-08-27", EnvToken: "secret-from-env"})

	id := m.SourceIdentity()
	if id != "upstox|Nifty 50|2026-08-27|env" {
		t.Errorf("identity = %q", id)
	}

	if _, err := m.Connect("secret-tok-9876"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	id = m.SourceIdentity()
	if !strings.HasSuffix(id, "|...9876") {
		t.Errorf("identity = %q, want ...9876 suffix", id)
	}
	if strings.Contains(id, "secret-tok") {
		t.Errorf("identity leaks token: %q", id)
	}
}

func TestExpiryChangeClearsSnapshots(t *testing.T) {
	m, s, _ := newTestManager(t, Config{Expiry: "2026-08-27"})
	if _, err := m.Connect("tok-abcd1234"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	appendRow(t, s)

	m.SetExpiry("2026-09-03")
	cleared, err := m.SourceCheck()
	if err != nil {
		t.Fatalf("SourceCheck failed: %v", err)
	}
	if !cleared {
		t.Errorf("expected clear on expiry change")
	}
	if m.Expiry() != "2026-09-03" {
		t.Errorf("expiry = %q", m.Expiry())
	}
}

func TestRestoreSameDay(t *testing.T) {
	m, s, client := newTestManager(t, Config{})
	now := time.Now()
	if err := s.SaveSession("tok-persisted", marketday.DateKey(now)); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	restored, err := m.Restore(now)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if !restored {
		t.Fatalf("expected restore")
	}
	if client.AccessToken() != "tok-persisted" {
		t.Errorf("token = %q", client.AccessToken())
	}
}

func TestRestoreIgnoresStaleToken(t *testing.T) {
	m, s, client := newTestManager(t, Config{})
	if err := s.SaveSession("tok-old", "2020-01-01"); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	restored, err := m.Restore(time.Now())
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if restored {
		t.Errorf("expected stale token to be skipped")
	}
	if client.AccessToken() != "" {
		t.Errorf("token = %q, want empty", client.AccessToken())
	}
}

func TestRestoreEmptyStore(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	restored, err := m.Restore(time.Now())
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if restored {
		t.Errorf("expected nothing to restore")
	}
}

func TestAutoLogin(t *testing.T) {
	var gotBody struct {
		ClientCode string `json:"client_code"`
		PIN        string `json:"pin"`
		TOTP       string `json:"totp"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"success","data":{"access_token":"tok-auto","expires_at":"2026-08-20"}}`))
	}))
	defer srv.Close()

	s, err := sqlite.Open(filepath.Join(t.TempDir(), "session.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()
	client := optionchain.NewClient(optionchain.Config{AuthURL: srv.URL})
	m := New(s, client, Config{
		Expiry:     "2026-08-27",
		TOTPSecret: testTOTPSecret,
		ClientCode: "AB1234",
		PIN:        "0000",
	})
	if !m.CanAutoLogin() {
		t.Fatalf("expected auto-login to be available")
	}

	cleared, err := m.AutoLogin(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("AutoLogin failed: %v", err)
	}
	if cleared {
		t.Errorf("expected no clear on first identity")
	}
	if client.AccessToken() != "tok-auto" {
		t.Errorf("token = %q", client.AccessToken())
	}
	if gotBody.ClientCode != "AB1234" || gotBody.PIN != "0000" {
		t.Errorf("credentials = %+v", gotBody)
	}
	if len(gotBody.TOTP) != 6 {
		t.Errorf("totp = %q, want 6 digits", gotBody.TOTP)
	}

	token, day, err := s.LoadSession()
	if err != nil {
		t.Fatalf("LoadSession failed: %v", err)
	}
	if token != "tok-auto" || day != "2026-08-20" {
		t.Errorf("persisted session = (%q, %q)", token, day)
	}
}

func TestAutoLoginWithoutCredentials(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	if m.CanAutoLogin() {
		t.Fatalf("expected auto-login unavailable")
	}
	if _, err := m.AutoLogin(context.Background(), time.Now()); err == nil {
		t.Fatalf("expected error without credentials")
	}
}

func TestExpiredHookFiresOnce(t *testing.T) {
	m, _, client := newTestManager(t, Config{})
	if _, err := m.Connect("tok-abcd1234"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	calls := 0
	m.ExpiredHook = func() { calls++ }

	client.SessionExpiryHook()
	client.SessionExpiryHook()

	if calls != 1 {
		t.Errorf("hook calls = %d, want 1", calls)
	}
	if m.Authorized() {
		t.Errorf("expected unauthorized after expiry")
	}

	// A fresh connect re-arms the hook.
	if _, err := m.Connect("tok-fresh-5678"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !m.Authorized() {
		t.Errorf("expected authorized after reconnect")
	}
	client.SessionExpiryHook()
	if calls != 2 {
		t.Errorf("hook calls = %d, want 2", calls)
	}
}
