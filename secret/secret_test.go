package secret

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvStore(t *testing.T) {
	t.Setenv("CHATVAULT_CREDENTIAL_OPENAI", "sk-test")
	t.Setenv("CHATVAULT_CREDENTIAL_MY_PROXY", "sk-proxy")

	s := NewEnvStore()
	ctx := context.Background()

	got, err := s.GetCredential(ctx, "openai")
	require.NoError(t, err)
	assert.Equal(t, "sk-test", got)

	// Dashes map to underscores in the variable name.
	got, err = s.GetCredential(ctx, "my-proxy")
	require.NoError(t, err)
	assert.Equal(t, "sk-proxy", got)

	_, err = s.GetCredential(ctx, "ollama")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotConfigured))
}

func TestStaticStore(t *testing.T) {
	ctx := context.Background()

	got, err := NewStaticStore("sk-fixed").GetCredential(ctx, "anything")
	require.NoError(t, err)
	assert.Equal(t, "sk-fixed", got)

	_, err = NewStaticStore("").GetCredential(ctx, "anything")
	assert.True(t, errors.Is(err, ErrNotConfigured))
}
