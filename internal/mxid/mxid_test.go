package mxid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	u, err := Parse("@alice:example.org")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Localpart)
	assert.Equal(t, "example.org", u.ServerName)
	assert.Equal(t, "@alice:example.org", u.String())
	assert.False(t, u.IsHistorical())

	u, err = Parse("@bob:[::1]:8448")
	require.NoError(t, err)
	assert.Equal(t, "[::1]:8448", u.ServerName)

	tests := []struct {
		in   string
		want error
	}{
		{"", ErrEmpty},
		{"alice:example.org", ErrMissingSigil},
		{"@alice", ErrMissingServer},
		{"@alice:", ErrMissingServer},
		{"@:example.org", ErrInvalidChar},
		{"@al ice:example.org", ErrInvalidChar},
		{"@alice:exa_mple.org", ErrInvalidServer},
		{"@alice:example.org:", ErrInvalidServer},
		{"@alice:example.org:80a", ErrInvalidServer},
		{"@" + strings.Repeat("a", MaxLength) + ":example.org", ErrTooLong},
	}
	for _, tt := range tests {
		_, err := Parse(tt.in)
		assert.ErrorIs(t, err, tt.want, "input %q", tt.in)
	}
}

func TestHistorical(t *testing.T) {
	u, err := Parse("@Alice!:example.org")
	require.NoError(t, err)
	assert.True(t, u.IsHistorical())

	u, err = Parse("@a.b_c=d-e/f+g:example.org")
	require.NoError(t, err)
	assert.False(t, u.IsHistorical())
}

func TestParseWithServerName(t *testing.T) {
	u, err := ParseWithServerName("carol", "example.org")
	require.NoError(t, err)
	assert.Equal(t, "@carol:example.org", u.String())

	u, err = ParseWithServerName("@carol:example.org", "example.org")
	require.NoError(t, err)
	assert.Equal(t, "carol", u.Localpart)

	_, err = ParseWithServerName("@carol:other.org", "example.org")
	assert.ErrorIs(t, err, ErrForeignServer)

	_, err = ParseWithServerName("", "example.org")
	assert.ErrorIs(t, err, ErrEmpty)
}
