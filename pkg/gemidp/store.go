package gemidp

import (
	"context"
	"sync"
)

// MemoryStore is a LocalDataSource living as long as the process.
type MemoryStore struct {
	mu          sync.RWMutex
	config      *Configuration
	ssoToken    *SingleSignOnToken
	accessToken string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Configuration(ctx context.Context) (*Configuration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config, nil
}

func (s *MemoryStore) SetConfiguration(ctx context.Context, config *Configuration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = config
	return nil
}

func (s *MemoryStore) InvalidateConfiguration(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = nil
	return nil
}

func (s *MemoryStore) SingleSignOnToken(ctx context.Context) (*SingleSignOnToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ssoToken == nil {
		return nil, nil
	}
	token := *s.ssoToken
	return &token, nil
}

func (s *MemoryStore) SetSingleSignOnToken(ctx context.Context, token SingleSignOnToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ssoToken = &token
	return nil
}

func (s *MemoryStore) InvalidateSingleSignOnTokenRetainingScope(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ssoToken != nil {
		s.ssoToken = &SingleSignOnToken{Scope: s.ssoToken.Scope}
	}
	return nil
}

func (s *MemoryStore) DecryptedAccessToken(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accessToken, nil
}

func (s *MemoryStore) SetDecryptedAccessToken(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessToken = token
	return nil
}

func (s *MemoryStore) InvalidateDecryptedAccessToken(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessToken = ""
	return nil
}
