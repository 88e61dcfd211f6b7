// Package session owns the broker credential lifecycle: the access
// token used by the option-chain client, its persistence across
// restarts, and the data-source identity that decides when stored
// snapshots belong to a different token or expiry and must be cleared.
package session

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"

	"oipulse/internal/marketday"
	"oipulse/internal/store/sqlite"
	"oipulse/pkg/optionchain"
)

// Config carries the credentials the manager starts with. EnvToken is
// a token handed in through the environment; the TOTP fields enable
// unattended login and may be left empty when the token is supplied
// manually through the connect endpoint.
type Config struct {
	Expiry     string // option contract expiry date, YYYY-MM-DD
	EnvToken   string
	TOTPSecret string
	ClientCode string
	PIN        string
}

// Manager is the single owner of the access token. Every component
// that needs the token or the source identity goes through it, so a
// reconnect with fresh credentials takes effect without a restart.
type Manager struct {
	store  *sqlite.Store
	client *optionchain.Client

	totpSecret string
	clientCode string
	pin        string

	mu      sync.Mutex
	expiry  string
	fromEnv bool
	expired bool

	// ExpiredHook runs when the broker rejects the token mid-day.
	ExpiredHook func()
}

func New(store *sqlite.Store, client *optionchain.Client, cfg Config) *Manager {
	m := &Manager{
		store:      store,
		client:     client,
		totpSecret: cfg.TOTPSecret,
		clientCode: cfg.ClientCode,
		pin:        cfg.PIN,
		expiry:     cfg.Expiry,
	}
	if cfg.EnvToken != "" {
		client.SetAccessToken(cfg.EnvToken)
		m.fromEnv = true
		log.Printf("[session] using access token from environment")
	}
	client.SessionExpiryHook = m.handleExpired
	return m
}

// Connect installs a manually supplied token, persists it for the
// current trading day, and reports whether the snapshot table was
// cleared because the data source identity changed.
func (m *Manager) Connect(token string) (cleared bool, err error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return false, errors.New("session: empty access token")
	}

	m.mu.Lock()
	m.fromEnv = false
	m.expired = false
	m.mu.Unlock()

	m.client.SetAccessToken(token)
	day := marketday.DateKey(time.Now())
	if err := m.store.SaveSession(token, day); err != nil {
		return false, err
	}
	cleared, err = m.SourceCheck()
	if err != nil {
		return false, err
	}
	log.Printf("[session] token installed (valid %s, cleared=%v)", day, cleared)
	return cleared, nil
}

// Restore reloads a persisted token at startup. Tokens are valid for a
// single trading day, so anything saved under an older date is ignored.
func (m *Manager) Restore(now time.Time) (bool, error) {
	token, day, err := m.store.LoadSession()
	if err != nil {
		return false, err
	}
	if token == "" {
		return false, nil
	}
	if day != marketday.DateKey(now) {
		log.Printf("[session] stored token from %s is stale, ignoring", day)
		return false, nil
	}
	m.client.SetAccessToken(token)
	m.mu.Lock()
	m.fromEnv = false
	m.expired = false
	m.mu.Unlock()
	log.Printf("[session] restored token for %s", day)
	return true, nil
}

// CanAutoLogin reports whether TOTP credentials are configured.
func (m *Manager) CanAutoLogin() bool {
	return m.totpSecret != "" && m.clientCode != "" && m.pin != ""
}

// AutoLogin generates a fresh TOTP code and exchanges it for a session
// token, then persists and identity-checks it like Connect does.
func (m *Manager) AutoLogin(ctx context.Context, now time.Time) (cleared bool, err error) {
	if !m.CanAutoLogin() {
		return false, errors.New("session: auto-login credentials not configured")
	}
	code, err := totp.GenerateCode(m.totpSecret, now)
	if err != nil {
		return false, err
	}
	sess, err := m.client.GenerateSession(ctx, m.clientCode, m.pin, code)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	m.fromEnv = false
	m.expired = false
	m.mu.Unlock()

	day := sess.ExpiresAt
	if day == "" {
		day = marketday.DateKey(now)
	}
	if err := m.store.SaveSession(sess.AccessToken, day); err != nil {
		return false, err
	}
	cleared, err = m.SourceCheck()
	if err != nil {
		return false, err
	}
	log.Printf("[session] auto-login ok (valid %s, cleared=%v)", day, cleared)
	return cleared, nil
}

// SetExpiry records the option contract expiry picked for the day. A
// change flows into the source identity and is caught by the next
// SourceCheck.
func (m *Manager) SetExpiry(date string) {
	m.mu.Lock()
	m.expiry = date
	m.mu.Unlock()
}

func (m *Manager) Expiry() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expiry
}

// SourceIdentity describes where snapshot data comes from. Rows fetched
// under a different identity are not comparable, so a change clears the
// table. The token is masked to its last four characters.
func (m *Manager) SourceIdentity() string {
	m.mu.Lock()
	expiry, fromEnv := m.expiry, m.fromEnv
	m.mu.Unlock()
	return "upstox|Nifty 50|" + expiry + "|" + maskToken(m.client.AccessToken(), fromEnv)
}

// SourceCheck compares the current identity against the persisted one
// and clears stored snapshots when they differ.
func (m *Manager) SourceCheck() (cleared bool, err error) {
	return m.store.CheckSourceChange(m.SourceIdentity())
}

// Authorized reports whether a token is installed and the broker has
// not rejected it.
func (m *Manager) Authorized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.expired && m.client.AccessToken() != ""
}

func (m *Manager) handleExpired() {
	m.mu.Lock()
	already := m.expired
	m.expired = true
	m.mu.Unlock()
	if already {
		return
	}
	log.Printf("[session] broker rejected token, reconnect required")
	if m.ExpiredHook != nil {
		m.ExpiredHook()
	}
}

func maskToken(token string, fromEnv bool) string {
	if fromEnv {
		return "env"
	}
	if len(token) <= 4 {
		return "..." + token
	}
	return "..." + token[len(token)-4:]
}
