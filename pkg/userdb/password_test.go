package userdb

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeAndCheckHash(t *testing.T) {
	t.Parallel()

	hashed, err := MakeHash("s3cret-Pw")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hashed, "PBKDF2$sha256$"))

	assert.True(t, CheckHash("s3cret-Pw", hashed))
	assert.False(t, CheckHash("wrong", hashed))
	assert.False(t, CheckHash("s3cret-Pw", "garbage"))
	assert.False(t, CheckHash("s3cret-Pw", "PBKDF2$sha256$bad$salt$key"))
}

func TestHashesAreSalted(t *testing.T) {
	t.Parallel()

	first, err := MakeHash("same")
	require.NoError(t, err)
	second, err := MakeHash("same")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestPasswordRequirements(t *testing.T) {
	t.Parallel()

	tests := []struct {
		policy     string
		minLen     int
		minClasses int
		wantErr    bool
	}{
		{PolicyNone, 0, 0, false},
		{PolicyWeak, 6, 2, false},
		{PolicyMedium, 8, 3, false},
		{PolicyHigh, 10, 4, false},
		{"custom:12:2", 12, 2, false},
		{"custom:x:y", 0, 0, true},
		{"bogus", 0, 0, true},
	}
	for _, tc := range tests {
		t.Run(tc.policy, func(t *testing.T) {
			minLen, minClasses, err := PasswordRequirements(tc.policy)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.minLen, minLen)
			assert.Equal(t, tc.minClasses, minClasses)
		})
	}
}

func TestAssurePasswordStrength(t *testing.T) {
	t.Parallel()

	require.NoError(t, AssurePasswordStrength(PolicyMedium, "Abcdef12"))
	assert.Error(t, AssurePasswordStrength(PolicyMedium, "short1A"))
	assert.Error(t, AssurePasswordStrength(PolicyMedium, "abcdefgh"))
	require.NoError(t, AssurePasswordStrength(PolicyNone, ""))
}

func TestClientIDDirRoundTrip(t *testing.T) {
	t.Parallel()

	dir := ClientIDDir(testDN)
	assert.NotContains(t, dir, "/")
	assert.NotContains(t, dir, " ")
	assert.Equal(t, testDN, ClientDirID(dir))
}

func TestExtractField(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "test@site.dk", ExtractField(testDN, "emailAddress"))
	assert.Equal(t, "Test User", ExtractField(testDN, "CN"))
	assert.Equal(t, "", ExtractField(testDN, "serialNumber"))
}
