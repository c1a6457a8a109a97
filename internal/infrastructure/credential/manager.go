package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/modelgate/modelgate/pkg/safego"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	// minCheckInterval throttles the pre-call expiry re-check.
	minCheckInterval = 30 * time.Second
	// refreshMargin refreshes OAuth tokens this long before they expire.
	refreshMargin = 5 * time.Minute
)

// Status is the observable health of a managed credential.
// Invariant: Functional implies Errors is empty and the credential is not
// expired.
type Status struct {
	Functional    bool
	LastValidated int64 // unix seconds
	Errors        []string
}

// RefreshConfig carries the OAuth token endpoint used to renew tokens.
type RefreshConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// Manager owns one file-backed credential for one backend: it validates at
// startup, refreshes on demand, watches the file for changes and exposes
// health. Reads are snapshots; writes (refresh, reload) take the per-backend
// lock.
type Manager struct {
	backend string
	path    string
	refresh RefreshConfig
	client  *http.Client
	logger  *zap.Logger

	mu     sync.RWMutex
	cred   *Credential
	status Status

	lastCheckMu sync.Mutex
	lastCheck   time.Time

	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewManager creates a manager for one backend's credential file. client is
// the shared pooled HTTP client, used for token refresh calls.
func NewManager(backend, path string, refresh RefreshConfig, client *http.Client, logger *zap.Logger) *Manager {
	return &Manager{
		backend: backend,
		path:    path,
		refresh: refresh,
		client:  client,
		logger: logger.With(
			zap.String("component", "credential-manager"),
			zap.String("backend", backend),
		),
		stopCh: make(chan struct{}),
	}
}

// Backend returns the backend this manager serves.
func (m *Manager) Backend() string { return m.backend }

// Init runs the startup validation pipeline: file readable, parses cleanly,
// structurally valid, not expired (or refreshable), refreshed when near
// expiry. On success the file watch starts; on failure errors are recorded
// and the credential is marked non-functional.
func (m *Manager) Init(ctx context.Context) error {
	if err := m.revalidate(ctx); err != nil {
		m.logger.Warn("Credential validation failed at startup", zap.Error(err))
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	if err := watcher.Add(m.path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", m.path, err)
	}
	m.watcher = watcher

	safego.Go(m.logger, "credential-watch-"+m.backend, func() { m.watchLoop(ctx) })
	return nil
}

// Close stops the file watcher.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		if m.watcher != nil {
			m.watcher.Close()
		}
	})
}

// Functional reports whether the credential currently satisfies all
// validation invariants.
func (m *Manager) Functional() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status.Functional
}

// GetErrors returns a defensive copy of the recorded validation errors.
func (m *Manager) GetErrors() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.status.Errors...)
}

// Status returns a snapshot of the credential health.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := m.status
	st.Errors = append([]string(nil), m.status.Errors...)
	return st
}

// Secret returns the current wire secret after a throttled freshness check.
// Called before every upstream call.
func (m *Manager) Secret(ctx context.Context) (string, error) {
	m.EnsureFresh(ctx)

	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.status.Functional || m.cred == nil {
		return "", fmt.Errorf("credential for backend %s is not functional: %v", m.backend, m.status.Errors)
	}
	return m.cred.Secret(), nil
}

// EnsureFresh re-verifies expiry at most once per minCheckInterval. Expired
// credentials are reloaded from disk and then refreshed.
func (m *Manager) EnsureFresh(ctx context.Context) {
	m.lastCheckMu.Lock()
	if time.Since(m.lastCheck) < minCheckInterval {
		m.lastCheckMu.Unlock()
		return
	}
	m.lastCheck = time.Now()
	m.lastCheckMu.Unlock()

	m.mu.RLock()
	cred := m.cred
	m.mu.RUnlock()

	now := time.Now()
	if cred != nil && !cred.Expired(now) && !cred.NearExpiry(now, refreshMargin) {
		return
	}

	if err := m.revalidate(ctx); err != nil {
		m.logger.Warn("Credential freshness check failed", zap.Error(err))
	}
}

// revalidate runs the full validation pipeline and replaces the credential
// snapshot under the write lock.
func (m *Manager) revalidate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record := func(errs ...string) {
		m.status = Status{
			Functional:    false,
			LastValidated: time.Now().Unix(),
			Errors:        errs,
		}
	}

	if _, err := os.Stat(m.path); err != nil {
		record(fmt.Sprintf("credential file: %v", err))
		return fmt.Errorf("credential file: %w", err)
	}

	cred, err := ParseFile(m.path)
	if err != nil {
		record(err.Error())
		return err
	}

	if problems := cred.ValidateStructure(); len(problems) > 0 {
		record(problems...)
		return fmt.Errorf("credential structure invalid: %v", problems)
	}

	now := time.Now()
	needsRefresh := cred.Expired(now) || cred.NearExpiry(now, refreshMargin)
	if needsRefresh {
		if !cred.Refreshable() {
			record("credential expired and not refreshable")
			return fmt.Errorf("credential for %s expired and not refreshable", m.backend)
		}
		refreshed, err := m.refreshToken(ctx, cred)
		if err != nil {
			record(fmt.Sprintf("token refresh failed: %v", err))
			return fmt.Errorf("refresh token: %w", err)
		}
		cred = refreshed
		if err := m.persist(cred); err != nil {
			m.logger.Warn("Could not persist refreshed credential", zap.Error(err))
		}
	}

	m.cred = cred
	m.status = Status{Functional: true, LastValidated: now.Unix()}
	m.logger.Info("Credential validated",
		zap.String("type", string(cred.Type)),
		zap.Bool("refreshed", needsRefresh),
	)
	return nil
}

// refreshToken exchanges the refresh token at the configured endpoint.
func (m *Manager) refreshToken(ctx context.Context, cred *Credential) (*Credential, error) {
	if m.refresh.TokenURL == "" {
		return nil, fmt.Errorf("no oauth_token_url configured for backend %s", m.backend)
	}

	conf := &oauth2.Config{
		ClientID:     m.refresh.ClientID,
		ClientSecret: m.refresh.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: m.refresh.TokenURL},
	}

	// Route the token exchange through the shared pooled client.
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.client)
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		return nil, err
	}

	next := *cred
	next.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		next.RefreshToken = tok.RefreshToken
	}
	if !tok.Expiry.IsZero() {
		next.ExpiryMS = tok.Expiry.UnixMilli()
	}
	return &next, nil
}

// persist writes the refreshed credential back to disk so restarts pick up
// the new token.
func (m *Manager) persist(cred *Credential) error {
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}

// watchLoop re-runs validation whenever the credential file changes.
func (m *Manager) watchLoop(ctx context.Context) {
	// Editors often replace files (rename+create); debounce bursts.
	var timer *time.Timer
	trigger := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(200*time.Millisecond, func() {
			m.logger.Info("Credential file changed, revalidating")
			if err := m.revalidate(ctx); err != nil {
				m.logger.Warn("Revalidation after file change failed", zap.Error(err))
			}
			// A rename may have dropped the watch; re-add best effort.
			_ = m.watcher.Add(m.path)
		})
	}

	for {
		select {
		case <-m.stopCh:
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				trigger()
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("Credential watcher error", zap.Error(err))
		}
	}
}
