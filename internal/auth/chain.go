// ABOUTME: Combines several token verifiers
// ABOUTME: The first verifier that accepts a token wins

package auth

import "fmt"

// ChainVerifier tries each verifier in order.
type ChainVerifier struct {
	verifiers []TokenVerifier
}

// NewChainVerifier skips nil verifiers.
func NewChainVerifier(verifiers ...TokenVerifier) *ChainVerifier {
	c := &ChainVerifier{}
	for _, v := range verifiers {
		if v != nil {
			c.verifiers = append(c.verifiers, v)
		}
	}
	return c
}

// Verify returns the first successful identity. When every verifier refuses
// the token, the first verifier's error is returned since it is usually the
// most specific (an expired JWT rather than "not a service key").
func (c *ChainVerifier) Verify(token string) (*Identity, error) {
	var first error
	for _, v := range c.verifiers {
		id, err := v.Verify(token)
		if err == nil {
			return id, nil
		}
		if first == nil {
			first = err
		}
	}
	if first == nil {
		return nil, fmt.Errorf("%w: no verifiers configured", ErrUnauthorized)
	}
	return nil, first
}
