// Package accounts handles signup and the pre-signup purchase check.
package accounts

import (
	"context"
	"errors"
	"time"

	internalerrors "github.com/fitjourney/subscriptions/internal/errors"
	"github.com/fitjourney/subscriptions/internal/logging"
	"github.com/fitjourney/subscriptions/internal/registry"
	"github.com/fitjourney/subscriptions/internal/tiers"
	"github.com/fitjourney/subscriptions/internal/validate"
)

// Store is the subset of the registry used for signup.
type Store interface {
	CreateUser(ctx context.Context, u *registry.User) error
	FindUserByEmail(ctx context.Context, email string) (*registry.User, error)
	FindUnresolvedPending(ctx context.Context, email string) (*registry.PendingActivation, error)
}

// PendingApplier applies a parked purchase to a new account.
type PendingApplier interface {
	ApplyPending(ctx context.Context, user *registry.User) (bool, error)
}

// SignupRequest is the body of POST /api/signup.
type SignupRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	FullName string `json:"full_name" validate:"max=200"`
}

// SignupResult is the created account and whether a pending purchase was applied.
type SignupResult struct {
	User                *registry.User `json:"user"`
	SubscriptionApplied bool           `json:"subscription_applied"`
}

// PurchaseStatus reports whether a paid purchase is waiting for an email.
type PurchaseStatus struct {
	Email     string     `json:"email"`
	CanSignup bool       `json:"can_signup"`
	Tier      tiers.Tier `json:"tier,omitempty"`
	PeriodEnd *time.Time `json:"period_end,omitempty"`
}

// Service creates accounts and picks up purchases made before signup.
type Service struct {
	store   Store
	applier PendingApplier
}

// NewService creates a signup service.
func NewService(store Store, applier PendingApplier) *Service {
	return &Service{store: store, applier: applier}
}

// Signup creates an account and applies any pending activation for its
// email. Failing to apply the pending record never fails the signup.
func (s *Service) Signup(ctx context.Context, req SignupRequest) (*SignupResult, error) {
	req.Email = registry.NormalizeEmail(req.Email)
	if err := validate.Struct(req); err != nil {
		return nil, err
	}

	existing, err := s.store.FindUserByEmail(ctx, req.Email)
	if err != nil {
		return nil, internalerrors.WrapStoreError("find_user", req.Email, err)
	}
	if existing != nil {
		return nil, internalerrors.NewConflictError("signup", req.Email, "an account with this email already exists")
	}

	user := &registry.User{Email: req.Email, FullName: req.FullName, Status: registry.StatusNone}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, internalerrors.ErrConflict) {
			return nil, internalerrors.NewConflictError("signup", req.Email, "an account with this email already exists")
		}
		return nil, internalerrors.WrapStoreError("create_user", req.Email, err)
	}

	logger := logging.FromContext(ctx)
	logger.Info().Str("user_id", user.ID).Str("email", user.Email).Msg("Account created")

	applied := false
	if s.applier != nil {
		applied, err = s.applier.ApplyPending(ctx, user)
		if err != nil {
			logger.Error().Err(err).Str("email", user.Email).Msg("Failed to apply pending activation at signup")
			applied = false
		}
	}
	return &SignupResult{User: user, SubscriptionApplied: applied}, nil
}

// VerifyPurchase reports whether email has an unresolved pending activation.
func (s *Service) VerifyPurchase(ctx context.Context, email string) (*PurchaseStatus, error) {
	email = registry.NormalizeEmail(email)
	if err := validate.Var(email, "required,email"); err != nil {
		return nil, internalerrors.NewValidationError("verify_purchase", email, "a valid email is required")
	}
	p, err := s.store.FindUnresolvedPending(ctx, email)
	if err != nil {
		return nil, internalerrors.WrapStoreError("find_pending", email, err)
	}
	status := &PurchaseStatus{Email: email}
	if p != nil {
		end := p.PeriodEnd
		status.CanSignup = true
		status.Tier = p.Tier
		status.PeriodEnd = &end
	}
	return status, nil
}
