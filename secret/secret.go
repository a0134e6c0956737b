// Package secret abstracts credential lookup for AI providers. The core
// assumes no contract beyond "give me the secret for this provider";
// encryption-at-rest is the backing store's business.
package secret

import (
	"context"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// ErrNotConfigured means no credential exists for the requested provider.
var ErrNotConfigured = errors.New("credential not configured")

// Store resolves an opaque secret for a provider.
type Store interface {
	GetCredential(ctx context.Context, provider string) (string, error)
}

// EnvStore reads credentials from CHATVAULT_CREDENTIAL_<PROVIDER>
// environment variables.
type EnvStore struct {
	prefix string
}

func NewEnvStore() *EnvStore {
	return &EnvStore{prefix: "CHATVAULT_CREDENTIAL_"}
}

func (s *EnvStore) GetCredential(_ context.Context, provider string) (string, error) {
	key := s.prefix + strings.ToUpper(strings.ReplaceAll(provider, "-", "_"))
	value := os.Getenv(key)
	if value == "" {
		return "", errors.Wrapf(ErrNotConfigured, "provider %s", provider)
	}
	return value, nil
}

// StaticStore serves a fixed secret for every provider. Used by tests and
// by single-provider deployments configured through the profile.
type StaticStore struct {
	secret string
}

func NewStaticStore(secret string) *StaticStore {
	return &StaticStore{secret: secret}
}

func (s *StaticStore) GetCredential(_ context.Context, provider string) (string, error) {
	if s.secret == "" {
		return "", errors.Wrapf(ErrNotConfigured, "provider %s", provider)
	}
	return s.secret, nil
}
