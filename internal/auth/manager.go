// Package auth is the single source of truth for credentials used to talk
// to the model provider. It caches the active credential in memory, lazily
// refreshes OAuth tokens, and persists auth.json atomically so a crash
// partway through a write never leaves a truncated document on disk.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EnvAPIKey is the environment variable consulted when no auth.json is present.
const EnvAPIKey = "OPENAI_API_KEY"

// refreshInterval is how stale last_refresh must be before GetToken
// transparently refreshes the access token.
const refreshInterval = 28 * 24 * time.Hour

// refreshTimeout bounds RefreshToken; the call is considered failed after this.
const refreshTimeout = 60 * time.Second

// Mode identifies which credential the Manager is currently serving.
type Mode string

const (
	// ModeAPIKey serves a bearer API key taken from auth.json or the environment.
	ModeAPIKey Mode = "api-key"
	// ModeChatGPT serves an OAuth access token refreshed from a refresh token.
	ModeChatGPT Mode = "chatgpt"
)

// TokenData is the OAuth token bundle persisted inside auth.json.
type TokenData struct {
	IDToken      string `json:"id_token"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	AccountID    string `json:"account_id,omitempty"`
}

// authDotJSON is the on-disk schema of auth.json (mode 0600 on POSIX).
type authDotJSON struct {
	OpenAIAPIKey *string    `json:"OPENAI_API_KEY,omitempty"`
	Tokens       *TokenData `json:"tokens,omitempty"`
	LastRefresh  *time.Time `json:"last_refresh,omitempty"`
}

// Snapshot is an immutable view of the currently active credential.
type Snapshot struct {
	Mode      Mode
	APIKey    string
	Tokens    TokenData
	AccountID string
}

// Token returns the bearer token this snapshot should present to the provider.
func (s Snapshot) Token() string {
	if s.Mode == ModeAPIKey {
		return s.APIKey
	}
	return s.Tokens.AccessToken
}

// Error sentinels returned by RefreshToken.
var (
	// ErrTokenUnavailable means the cached credential has no refresh token to use.
	ErrTokenUnavailable = errors.New("auth: refresh token is not available")
	// ErrRefreshTimeout means the refresh request did not complete within 60s.
	ErrRefreshTimeout = errors.New("auth: refresh timed out")
)

// UpstreamError wraps a non-2xx response from the refresh endpoint.
type UpstreamError struct {
	StatusCode int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("auth: refresh endpoint returned status %d", e.StatusCode)
}

// Refresher performs the OAuth refresh-token exchange. Production code backs
// this with an HTTP client against the provider's token endpoint; tests can
// substitute a fake.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (TokenData, error)
}

// PreferredMode lets the operator force API-key auth even when both an API
// key and ChatGPT tokens are present in auth.json (mirrors plan-type
// precedence rule 2 in the decision table below).
type PreferredMode string

const (
	PreferAPIKey  PreferredMode = "api-key"
	PreferChatGPT PreferredMode = "chatgpt"
)

// Manager is the engine's single source of truth for credentials. It is
// safe for concurrent use: the cached snapshot is behind a read/write lock,
// and refreshes serialize through a single writer so two concurrent callers
// never race to rewrite auth.json.
type Manager struct {
	home          string // agent home directory; auth.json lives at home/auth.json
	preferredMode PreferredMode
	refresher     Refresher

	mu       sync.RWMutex
	snapshot *Snapshot // nil when no credential is available
}

// NewManager constructs a Manager rooted at home and loads the initial
// credential from disk or environment. home must already exist.
func NewManager(home string, preferred PreferredMode, refresher Refresher) (*Manager, error) {
	m := &Manager{home: home, preferredMode: preferred, refresher: refresher}
	if _, err := m.reloadLocked(); err != nil {
		return nil, err
	}
	return m, nil
}

// AuthFile returns the path to auth.json under the agent home.
func (m *Manager) AuthFile() string {
	return filepath.Join(m.home, "auth.json")
}

// Auth returns the current cached snapshot, or (Snapshot{}, false) if no
// credential is available.
func (m *Manager) Auth() (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.snapshot == nil {
		return Snapshot{}, false
	}
	return *m.snapshot, true
}

// GetToken returns a bearer token suitable for the next request, refreshing
// first if the cached ChatGPT token is older than 28 days. API-key mode
// never refreshes.
func (m *Manager) GetToken(ctx context.Context) (string, error) {
	m.mu.RLock()
	snap := m.snapshot
	m.mu.RUnlock()
	if snap == nil {
		return "", errors.New("auth: no credential available")
	}
	if snap.Mode == ModeAPIKey {
		return snap.APIKey, nil
	}

	stale, err := m.lastRefreshStale()
	if err != nil {
		return "", err
	}
	if stale {
		if _, err := m.RefreshToken(ctx); err != nil {
			return "", err
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot.Tokens.AccessToken, nil
}

func (m *Manager) lastRefreshStale() (bool, error) {
	raw, err := m.readDisk()
	if err != nil {
		return false, err
	}
	if raw.LastRefresh == nil {
		return true, nil
	}
	return time.Since(*raw.LastRefresh) > refreshInterval, nil
}

// RefreshToken obtains a fresh access token via the OAuth refresh endpoint
// and persists it atomically. Returns ErrTokenUnavailable when the cached
// credential has no refresh token, ErrRefreshTimeout after 60s, or an
// *UpstreamError on a non-2xx response.
func (m *Manager) RefreshToken(ctx context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.snapshot == nil || m.snapshot.Mode != ModeChatGPT || m.snapshot.Tokens.RefreshToken == "" {
		return Snapshot{}, ErrTokenUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	type result struct {
		tokens TokenData
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		tokens, err := m.refresher.Refresh(ctx, m.snapshot.Tokens.RefreshToken)
		ch <- result{tokens, err}
	}()

	select {
	case <-ctx.Done():
		return Snapshot{}, ErrRefreshTimeout
	case res := <-ch:
		if res.err != nil {
			return Snapshot{}, res.err
		}
		return m.persistRefreshLocked(res.tokens)
	}
}

// persistRefreshLocked merges refreshed tokens into the on-disk auth.json
// and updates the cache. Caller must hold m.mu.
func (m *Manager) persistRefreshLocked(refreshed TokenData) (Snapshot, error) {
	raw, err := m.readDisk()
	if err != nil {
		return Snapshot{}, err
	}
	tokens := raw.Tokens
	if tokens == nil {
		tokens = &TokenData{}
	}
	if refreshed.IDToken != "" {
		tokens.IDToken = refreshed.IDToken
	}
	if refreshed.AccessToken != "" {
		tokens.AccessToken = refreshed.AccessToken
	}
	if refreshed.RefreshToken != "" {
		tokens.RefreshToken = refreshed.RefreshToken
	}
	raw.Tokens = tokens
	now := time.Now().UTC()
	raw.LastRefresh = &now

	if err := writeAtomic(m.AuthFile(), raw); err != nil {
		return Snapshot{}, err
	}

	snap := snapshotFromDisk(raw, m.preferredMode)
	m.snapshot = &snap
	return snap, nil
}

// Reload re-reads auth.json from disk and updates the cache. External edits
// to auth.json are NOT observed until Reload is called. Returns whether the
// cached value changed.
func (m *Manager) Reload() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reloadLocked()
}

func (m *Manager) reloadLocked() (bool, error) {
	prev := m.snapshot

	raw, err := m.readDisk()
	if errors.Is(err, os.ErrNotExist) {
		if apiKey := os.Getenv(EnvAPIKey); apiKey != "" {
			snap := Snapshot{Mode: ModeAPIKey, APIKey: apiKey}
			m.snapshot = &snap
			return !snapshotsEqual(prev, &snap), nil
		}
		m.snapshot = nil
		return prev != nil, nil
	}
	if err != nil {
		// Malformed auth.json is a hard error — never silently fall back to env.
		return false, fmt.Errorf("auth: malformed %s: %w", m.AuthFile(), err)
	}

	snap := snapshotFromDisk(raw, m.preferredMode)
	m.snapshot = &snap
	return !snapshotsEqual(prev, &snap), nil
}

// Logout deletes auth.json and reloads. Returns whether a file existed.
func (m *Manager) Logout() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := os.Remove(m.AuthFile())
	existed := true
	if errors.Is(err, os.ErrNotExist) {
		existed = false
		err = nil
	}
	if err != nil {
		return false, err
	}
	if _, err := m.reloadLocked(); err != nil {
		return existed, err
	}
	return existed, nil
}

// LoginWithAPIKey writes an auth.json containing only an API key, for CLI
// `login --api-key` flows. Clears any cached ChatGPT tokens.
func (m *Manager) LoginWithAPIKey(apiKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw := authDotJSON{OpenAIAPIKey: &apiKey}
	if err := writeAtomic(m.AuthFile(), raw); err != nil {
		return err
	}
	snap := snapshotFromDisk(raw, m.preferredMode)
	m.snapshot = &snap
	return nil
}

func (m *Manager) readDisk() (authDotJSON, error) {
	data, err := os.ReadFile(m.AuthFile())
	if err != nil {
		return authDotJSON{}, err
	}
	var raw authDotJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return authDotJSON{}, err
	}
	return raw, nil
}

// writeAtomic writes to a sibling temp file then renames into place. On
// POSIX the mode is set to 0600 before the rename so the file is never
// briefly world-readable.
func writeAtomic(path string, raw authDotJSON) error {
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".auth-*.json.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// snapshotFromDisk applies the mode-selection precedence table:
//  1. auth.json has an API key and no ChatGPT tokens -> ApiKey.
//  2. auth.json has both, and the operator prefers ApiKey -> ApiKey.
//  3. Otherwise, if tokens are present -> ChatGPT.
//  4. Otherwise -> ApiKey with whatever key is present (possibly empty).
func snapshotFromDisk(raw authDotJSON, preferred PreferredMode) Snapshot {
	hasAPIKey := raw.OpenAIAPIKey != nil && *raw.OpenAIAPIKey != ""
	hasTokens := raw.Tokens != nil

	if hasAPIKey && !hasTokens {
		return Snapshot{Mode: ModeAPIKey, APIKey: *raw.OpenAIAPIKey}
	}
	if hasAPIKey && hasTokens && preferred == PreferAPIKey {
		return Snapshot{Mode: ModeAPIKey, APIKey: *raw.OpenAIAPIKey}
	}
	if hasTokens {
		snap := Snapshot{Mode: ModeChatGPT, Tokens: *raw.Tokens, AccountID: raw.Tokens.AccountID}
		return snap
	}
	if hasAPIKey {
		return Snapshot{Mode: ModeAPIKey, APIKey: *raw.OpenAIAPIKey}
	}
	return Snapshot{}
}

func snapshotsEqual(a, b *Snapshot) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
