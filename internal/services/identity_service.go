package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BradenHooton/revguard/internal/auth"
	"github.com/BradenHooton/revguard/internal/models"
	pkgauth "github.com/BradenHooton/revguard/pkg/auth"
	"golang.org/x/crypto/bcrypt"
)

// UserRepository defines the user lookups the local identity provider needs
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	Create(ctx context.Context, user *models.User) (*models.User, error)
}

// IdentityResult is a successful password authentication
type IdentityResult struct {
	SubjectID string
	Token     string
	ExpiresAt time.Time
}

// IdentityProvider is the external collaborator that owns credentials
type IdentityProvider interface {
	Authenticate(ctx context.Context, email, password string) (*IdentityResult, error)
	RefreshSession(ctx context.Context, token string) (string, time.Time, error)
	CurrentUser(ctx context.Context, token string) (string, error)
	MFAEnabled(ctx context.Context, subjectID string) (bool, error)
}

// LocalIdentityProvider authenticates against the users table and issues
// signed session tokens
type LocalIdentityProvider struct {
	users      UserRepository
	tm         *auth.TokenManager
	dummyHash  []byte
	bcryptCost int
	logger     *slog.Logger
}

// NewLocalIdentityProvider creates a new LocalIdentityProvider
func NewLocalIdentityProvider(users UserRepository, tm *auth.TokenManager, logger *slog.Logger) *LocalIdentityProvider {
	// Compared against for unknown emails so both failure paths cost one bcrypt check
	dummy, _ := bcrypt.GenerateFromPassword([]byte("revguard-unknown-user"), bcrypt.DefaultCost)

	return &LocalIdentityProvider{
		users:      users,
		tm:         tm,
		dummyHash:  dummy,
		bcryptCost: pkgauth.BcryptCost,
		logger:     logger,
	}
}

// Authenticate checks email and password. Unknown emails, wrong passwords and
// inactive accounts all fail with models.ErrInvalidCredentials.
func (p *LocalIdentityProvider) Authenticate(ctx context.Context, email, password string) (*IdentityResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	user, err := p.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			_ = bcrypt.CompareHashAndPassword(p.dummyHash, []byte(password))
			return nil, models.ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	if err := pkgauth.ComparePassword(user.PasswordHash, password); err != nil {
		return nil, models.ErrInvalidCredentials
	}

	if user.Status != "active" {
		p.logger.Info("login rejected for inactive account", slog.String("subject_id", user.ID), slog.String("status", user.Status))
		return nil, models.ErrInvalidCredentials
	}

	token, expiresAt, err := p.tm.GenerateSessionToken(user.ID, user.Email)
	if err != nil {
		return nil, err
	}

	return &IdentityResult{SubjectID: user.ID, Token: token, ExpiresAt: expiresAt}, nil
}

// RefreshSession exchanges a valid token for a new one. A token that can no
// longer be refreshed yields models.ErrIdentityTokenExpired.
func (p *LocalIdentityProvider) RefreshSession(ctx context.Context, token string) (string, time.Time, error) {
	claims, err := p.tm.ValidateToken(token)
	if err != nil {
		if errors.Is(err, models.ErrIdentityTokenExpired) {
			return "", time.Time{}, err
		}
		return "", time.Time{}, fmt.Errorf("%w: %w", models.ErrIdentityTokenExpired, err)
	}

	user, err := p.users.GetByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return "", time.Time{}, models.ErrIdentityTokenExpired
		}
		return "", time.Time{}, fmt.Errorf("failed to look up user: %w", err)
	}
	if user.Status != "active" {
		return "", time.Time{}, models.ErrIdentityTokenExpired
	}

	return p.tm.GenerateSessionToken(user.ID, user.Email)
}

// CurrentUser returns the subject a token was issued to
func (p *LocalIdentityProvider) CurrentUser(ctx context.Context, token string) (string, error) {
	claims, err := p.tm.ValidateToken(token)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

// MFAEnabled reports whether the subject must pass a second factor
func (p *LocalIdentityProvider) MFAEnabled(ctx context.Context, subjectID string) (bool, error) {
	user, err := p.users.GetByID(ctx, subjectID)
	if err != nil {
		return false, fmt.Errorf("failed to look up user: %w", err)
	}
	return user.MFAEnabled, nil
}

// EnsureUser creates an active account for email unless one exists
func (p *LocalIdentityProvider) EnsureUser(ctx context.Context, email, password, name string, mfaEnabled bool) (bool, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	_, err := p.users.GetByEmail(ctx, email)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return false, fmt.Errorf("failed to check if user exists: %w", err)
	}

	if err := pkgauth.ValidatePassword(password); err != nil {
		return false, err
	}

	hash, err := pkgauth.HashPasswordWithCost(password, p.bcryptCost)
	if err != nil {
		return false, err
	}

	_, err = p.users.Create(ctx, &models.User{
		Email:        email,
		PasswordHash: hash,
		Name:         name,
		MFAEnabled:   mfaEnabled,
		Status:       "active",
	})
	if err != nil {
		return false, fmt.Errorf("failed to create user: %w", err)
	}
	return true, nil
}
