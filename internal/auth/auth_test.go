package auth

import (
	"testing"
	"time"

	"droidpool/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueVerifyRoundTrip(t *testing.T) {
	tokens := NewTokens("sekret", time.Hour)

	raw, err := tokens.Issue(42, models.RoleDeveloper, time.Now().UTC())
	require.NoError(t, err)

	id, err := tokens.Verify(raw)
	require.NoError(t, err)
	assert.EqualValues(t, 42, id.UserID)
	assert.Equal(t, models.RoleDeveloper, id.Role)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	raw, err := NewTokens("sekret", time.Hour).Issue(1, models.RoleAdmin, time.Now().UTC())
	require.NoError(t, err)

	_, err = NewTokens("other", time.Hour).Verify(raw)
	require.Error(t, err)
}

func TestVerifyRejectsExpired(t *testing.T) {
	tokens := NewTokens("sekret", time.Minute)
	raw, err := tokens.Issue(1, models.RoleViewer, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)

	_, err = tokens.Verify(raw)
	require.Error(t, err)
}

func TestVerifyRejectsUnknownRole(t *testing.T) {
	tokens := NewTokens("sekret", time.Hour)
	raw, err := tokens.Issue(1, models.Role("superuser"), time.Now().UTC())
	require.NoError(t, err)

	_, err = tokens.Verify(raw)
	require.Error(t, err)
}

func TestSubjectRoundTrip(t *testing.T) {
	id, err := parseSubject(jwtSubject(7))
	require.NoError(t, err)
	assert.EqualValues(t, 7, id)

	_, err = parseSubject("not-a-number")
	require.Error(t, err)
}
