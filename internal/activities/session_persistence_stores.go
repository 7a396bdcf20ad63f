package activities

import (
	"sync"

	"github.com/relayforge/agentharness/internal/auth"
	"github.com/relayforge/agentharness/internal/rollout"
)

// authStore is a worker-scoped cache of per-home auth managers, keyed by
// agent home directory rather than session ID: credentials are shared by
// every session rooted at the same home. Follows the same pattern as
// mcp.McpStore.
type authStore struct {
	mu       sync.Mutex
	managers map[string]*auth.Manager
}

func newAuthStore() *authStore {
	return &authStore{managers: make(map[string]*auth.Manager)}
}

func (s *authStore) get(home string) (*auth.Manager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mgr, ok := s.managers[home]; ok {
		return mgr, nil
	}
	mgr, err := auth.NewManager(home, auth.PreferChatGPT, auth.NewHTTPRefresher(auth.DefaultTokenURL, auth.DefaultClientID, auth.DefaultScopes))
	if err != nil {
		return nil, err
	}
	s.managers[home] = mgr
	return mgr, nil
}

// rolloutStore is a worker-scoped cache of open rollout recorders, keyed
// by session ID.
type rolloutStore struct {
	mu        sync.Mutex
	recorders map[string]*rollout.Recorder
}

func newRolloutStore() *rolloutStore {
	return &rolloutStore{recorders: make(map[string]*rollout.Recorder)}
}

func (s *rolloutStore) put(sessionID string, r *rollout.Recorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorders[sessionID] = r
}

func (s *rolloutStore) get(sessionID string) (*rollout.Recorder, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recorders[sessionID]
	return r, ok
}

func (s *rolloutStore) remove(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recorders, sessionID)
}
