// ABOUTME: Static producer credentials checked against bcrypt hashes
// ABOUTME: Lets backend processes publish events without a user token

package auth

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ServiceKey is a named credential. Hash is a bcrypt hash of the secret.
type ServiceKey struct {
	Name string
	Hash string
}

// ServiceKeyVerifier accepts tokens of the form "<name>:<secret>".
type ServiceKeyVerifier struct {
	hashes map[string][]byte
}

// NewServiceKeyVerifier validates that every hash parses before accepting it.
func NewServiceKeyVerifier(keys []ServiceKey) (*ServiceKeyVerifier, error) {
	v := &ServiceKeyVerifier{hashes: make(map[string][]byte, len(keys))}
	for _, k := range keys {
		if k.Name == "" || strings.Contains(k.Name, ":") {
			return nil, fmt.Errorf("invalid service key name %q", k.Name)
		}
		if _, dup := v.hashes[k.Name]; dup {
			return nil, fmt.Errorf("duplicate service key %q", k.Name)
		}
		if _, err := bcrypt.Cost([]byte(k.Hash)); err != nil {
			return nil, fmt.Errorf("service key %q: %w", k.Name, err)
		}
		v.hashes[k.Name] = []byte(k.Hash)
	}
	return v, nil
}

// Len returns the number of configured keys.
func (v *ServiceKeyVerifier) Len() int {
	return len(v.hashes)
}

// Verify checks token against the named key.
func (v *ServiceKeyVerifier) Verify(token string) (*Identity, error) {
	name, secret, ok := strings.Cut(token, ":")
	if !ok || name == "" || secret == "" {
		return nil, fmt.Errorf("%w: not a service key", ErrInvalidToken)
	}
	hash, ok := v.hashes[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown service key", ErrInvalidToken)
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(secret)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return nil, fmt.Errorf("%w: service key mismatch", ErrInvalidToken)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	return &Identity{
		PrincipalID: "service:" + name,
		Kind:        KindService,
	}, nil
}

// HashServiceSecret produces the config hash for a new service key.
func HashServiceSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
