package routing

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreason-ai/gateway/internal/apierror"
)

func TestResolveSeededModels(t *testing.T) {
	r := NewRouter()

	tests := []struct {
		model    string
		provider string
	}{
		{"gpt-4o", "openai"},
		{"gpt-3.5-turbo", "openai"},
		{"o1-preview", "openai"},
		{"claude-3-opus", "anthropic"},
	}
	for _, tt := range tests {
		d, err := r.Resolve(tt.model)
		require.NoError(t, err, tt.model)
		assert.Equal(t, tt.provider, d.Provider, tt.model)
		assert.NotEmpty(t, d.SecretPath)
		assert.NotEmpty(t, d.BaseURL)
	}
}

func TestResolveUnknownModel(t *testing.T) {
	r := NewRouter()

	_, err := r.Resolve("foo-7")
	require.Error(t, err)

	var apiErr *apierror.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, apierror.ModelUnknown, apiErr.Kind)
	assert.Equal(t, "Unsupported model architecture", apiErr.Detail)
}

func TestLongerPrefixWins(t *testing.T) {
	r := NewRouter()
	r.Register("o", Descriptor{Provider: "catch-all", SecretPath: "secret/x", BaseURL: "http://x"})

	// o1-preview must hit the more specific o1- route, not the catch-all.
	d, err := r.Resolve("o1-preview")
	require.NoError(t, err)
	assert.Equal(t, "openai", d.Provider)

	d, err = r.Resolve("other-model")
	require.NoError(t, err)
	assert.Equal(t, "catch-all", d.Provider)
}

func TestRegisterReplacesExisting(t *testing.T) {
	r := NewRouter()
	r.Register("gpt-", Descriptor{Provider: "azure", SecretPath: "secret/azure", BaseURL: "http://azure"})

	d, err := r.Resolve("gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "azure", d.Provider)
}

func TestProviders(t *testing.T) {
	r := NewRouter()
	assert.ElementsMatch(t, []string{"openai", "anthropic"}, r.Providers())
}
