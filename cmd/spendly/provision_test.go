package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spendly/internal/accounts"
)

func TestParseScope(t *testing.T) {
	s, err := parseScope("", "u1")
	require.NoError(t, err)
	assert.Equal(t, accounts.Scope{Kind: accounts.ScopeUser, ID: "u1"}, s)

	s, err = parseScope("credential:c1", "u1")
	require.NoError(t, err)
	assert.Equal(t, accounts.Scope{Kind: accounts.ScopeCredential, ID: "c1"}, s)

	_, err = parseScope("c1", "u1")
	assert.Error(t, err)
}
