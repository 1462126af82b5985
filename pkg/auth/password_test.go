package auth

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		name       string
		password   string
		shouldFail bool
	}{
		{"valid strong password", "SecureP@ss123", false},
		{"valid with symbols", "MyP@ssw0rd!", false},
		{"too short", "Pass@1", true},
		{"missing uppercase", "securepass@123", true},
		{"missing lowercase", "SECUREPASS@123", true},
		{"missing digit", "SecurePass@xyz", true},
		{"missing special character", "SecurePass123", true},
		{"common password", "P@ssw0rd1", true},
		{"too long", "Aa1@" + strings.Repeat("x", MaxPasswordLen), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePassword(tt.password)

			if !tt.shouldFail {
				assert.NoError(t, err)
				return
			}

			require.Error(t, err)
			assert.Equal(t, "invalid password", err.Error())

			var verr *PasswordValidationError
			require.True(t, errors.As(err, &verr))
			assert.NotEmpty(t, verr.Errors)
		})
	}
}

func TestHashAndComparePassword(t *testing.T) {
	password := "SecureP@ss123"

	hash, err := HashPasswordWithCost(password, bcrypt.MinCost)
	require.NoError(t, err)
	assert.NotEqual(t, password, hash)

	assert.NoError(t, ComparePassword(hash, password))
	assert.Error(t, ComparePassword(hash, "WrongPassword123!"))
}

func TestHashPassword_EmptyRejected(t *testing.T) {
	_, err := HashPasswordWithCost("", bcrypt.MinCost)
	assert.Error(t, err)
}

func TestHashPassword_DefaultCost(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping full-cost bcrypt in short mode")
	}

	hash, err := HashPassword("SecureP@ss123")
	require.NoError(t, err)

	cost, err := bcrypt.Cost([]byte(hash))
	require.NoError(t, err)
	assert.Equal(t, BcryptCost, cost)
}
