package mockidp

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-secure-stdlib/nonceutil"
)

var errUnknownCode = errors.New("authorization code unknown, expired or already redeemed")

// codeService issues authorization codes which can be redeemed once.
type codeService struct {
	nonces nonceutil.NonceService

	mu       sync.Mutex
	sessions map[string]*session
}

func newCodeService() (*codeService, error) {
	nonces := nonceutil.NewNonceService()
	if err := nonces.Initialize(); err != nil {
		return nil, fmt.Errorf("could not initialize code service: %w", err)
	}
	return &codeService{
		nonces:   nonces,
		sessions: make(map[string]*session),
	}, nil
}

func (c *codeService) Issue(sess *session) (string, error) {
	code, _, err := c.nonces.Get()
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.sessions[code] = sess
	c.mu.Unlock()
	return code, nil
}

func (c *codeService) Redeem(code string) (*session, error) {
	c.mu.Lock()
	sess, ok := c.sessions[code]
	delete(c.sessions, code)
	c.mu.Unlock()

	if !c.nonces.Redeem(code) || !ok {
		return nil, errUnknownCode
	}
	return sess, nil
}
