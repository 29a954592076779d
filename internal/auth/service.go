package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"shopperspoint/internal/mail"
	"shopperspoint/internal/observability"
	"shopperspoint/internal/revocation"
	"shopperspoint/internal/sidetoken"
	"shopperspoint/internal/token"
)

const (
	defaultLockThreshold    = 3
	defaultPasswordMaxAge   = 90 * 24 * time.Hour
	defaultActivationTTL    = 3 * time.Hour
	defaultPasswordResetTTL = 15 * time.Minute

	mailTimeout = 10 * time.Second
)

type AccountStore interface {
	GetByEmail(ctx context.Context, email string) (Account, error)
	EmailExists(ctx context.Context, email string) (bool, error)
	Create(ctx context.Context, account Account) error
	RecordFailedAttempt(ctx context.Context, email string, lockThreshold int) (int, bool, error)
	ResetAttemptCount(ctx context.Context, email string) error
	MarkPasswordExpired(ctx context.Context, email string) error
	Activate(ctx context.Context, email string) error
	UpdatePassword(ctx context.Context, email, passwordHash string) error
}

type TokenRegistry interface {
	Revoke(ctx context.Context, accessToken, refreshToken, accountEmail string) error
	IsRevoked(ctx context.Context, tokenValue string) (bool, error)
}

type SideTokens interface {
	Issue(ctx context.Context, email string, purpose sidetoken.Purpose, ttl time.Duration) (string, error)
	Consume(ctx context.Context, tokenValue string, purpose sidetoken.Purpose) (string, error)
}

type Service struct {
	store      AccountStore
	registry   TokenRegistry
	sideTokens SideTokens
	codec      *token.Codec
	mailer     mail.Mailer
	logger     *observability.Logger

	lockThreshold    int
	passwordMaxAge   time.Duration
	activationTTL    time.Duration
	passwordResetTTL time.Duration
}

func NewService(
	store AccountStore,
	registry TokenRegistry,
	sideTokens SideTokens,
	codec *token.Codec,
	mailer mail.Mailer,
	logger *observability.Logger,
) *Service {
	return &Service{
		store:            store,
		registry:         registry,
		sideTokens:       sideTokens,
		codec:            codec,
		mailer:           mailer,
		logger:           logger,
		lockThreshold:    defaultLockThreshold,
		passwordMaxAge:   defaultPasswordMaxAge,
		activationTTL:    defaultActivationTTL,
		passwordResetTTL: defaultPasswordResetTTL,
	}
}

func (s *Service) WithSecurityConfig(lockThreshold int, passwordMaxAge, activationTTL, passwordResetTTL time.Duration) {
	if lockThreshold > 0 {
		s.lockThreshold = lockThreshold
	}
	if passwordMaxAge > 0 {
		s.passwordMaxAge = passwordMaxAge
	}
	if activationTTL > 0 {
		s.activationTTL = activationTTL
	}
	if passwordResetTTL > 0 {
		s.passwordResetTTL = passwordResetTTL
	}
}

// Login validates the submitted secret and drives the lockout state
// machine. On the third consecutive mismatch the account locks until an
// explicit password reset clears it.
func (s *Service) Login(ctx context.Context, email, password string) (TokenPair, error) {
	account, err := s.store.GetByEmail(ctx, email)
	if err != nil {
		return TokenPair{}, err
	}

	now := time.Now().UTC()

	if account.PasswordExpired {
		return TokenPair{}, ErrPasswordExpired
	}
	if account.PasswordUpdated.Add(s.passwordMaxAge).Before(now) {
		if err := s.store.MarkPasswordExpired(ctx, email); err != nil {
			return TokenPair{}, err
		}
		s.logger.Warn("password_expired", map[string]any{"email": email})
		return TokenPair{}, ErrPasswordExpired
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		if account.Locked {
			return TokenPair{}, ErrAccountLocked
		}

		attempts, locked, err := s.store.RecordFailedAttempt(ctx, email, s.lockThreshold)
		if err != nil {
			return TokenPair{}, err
		}
		if locked {
			s.logger.Warn("account_locked", map[string]any{"email": email, "attempts": attempts})
			s.notify(func(ctx context.Context) error {
				return s.mailer.AccountLocked(ctx, email)
			})
			return TokenPair{}, ErrAccountLocked
		}

		s.logger.Warn("invalid_credentials", map[string]any{"email": email, "attempts": attempts})
		return TokenPair{}, InvalidCredentialsError{Remaining: s.lockThreshold - attempts}
	}

	if account.Locked {
		return TokenPair{}, ErrAccountLocked
	}
	if !account.Active {
		return TokenPair{}, ErrAccountInactive
	}

	if account.InvalidAttempts > 0 && account.InvalidAttempts < s.lockThreshold {
		if err := s.store.ResetAttemptCount(ctx, email); err != nil {
			return TokenPair{}, err
		}
	}

	pair, err := s.issueTokens(email)
	if err != nil {
		return TokenPair{}, err
	}

	s.logger.Info("login_success", map[string]any{"email": email})
	return pair, nil
}

// Logout blacklists the current token pair. A duplicate logout is a
// success without a second registry write.
func (s *Service) Logout(ctx context.Context, accessToken, refreshToken string) error {
	claims, err := s.codec.Parse(accessToken)
	if err != nil {
		return ErrAccountNotFound
	}

	account, err := s.store.GetByEmail(ctx, claims.Subject)
	if err != nil {
		return err
	}

	if err := s.registry.Revoke(ctx, accessToken, refreshToken, account.Email); err != nil {
		if errors.Is(err, revocation.ErrAlreadyRevoked) {
			return nil
		}
		return err
	}

	s.logger.Info("logout_success", map[string]any{"email": account.Email})
	return nil
}

type Registration struct {
	FirstName  string
	MiddleName string
	LastName   string
	Email      string
	Password   string
	Role       Role

	PhoneNumber    string
	CompanyName    string
	CompanyContact string
	GSTNumber      string
}

// Register creates an inactive account and mails an activation token.
func (s *Service) Register(ctx context.Context, reg Registration) error {
	taken, err := s.store.EmailExists(ctx, reg.Email)
	if err != nil {
		return err
	}
	if taken {
		return ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(reg.Password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	account := Account{
		Email:        reg.Email,
		PasswordHash: string(hash),
		FirstName:    reg.FirstName,
		MiddleName:   reg.MiddleName,
		LastName:     reg.LastName,
		Role:         reg.Role,
	}
	switch reg.Role {
	case RoleBuyer:
		account.Buyer = &BuyerProfile{PhoneNumber: reg.PhoneNumber}
	case RoleSeller:
		account.Seller = &SellerProfile{
			CompanyName:    reg.CompanyName,
			CompanyContact: reg.CompanyContact,
			GSTNumber:      reg.GSTNumber,
		}
	default:
		return fmt.Errorf("unknown account role %q", reg.Role)
	}

	if err := s.store.Create(ctx, account); err != nil {
		return err
	}

	tokenValue, err := s.sideTokens.Issue(ctx, reg.Email, sidetoken.PurposeActivation, s.activationTTL)
	if err != nil {
		return err
	}

	s.notify(func(ctx context.Context) error {
		return s.mailer.ActivationLink(ctx, reg.Email, tokenValue)
	})

	s.logger.Info("account_registered", map[string]any{"email": reg.Email, "role": reg.Role})
	return nil
}

// Activate consumes a single-use activation token and enables the account.
func (s *Service) Activate(ctx context.Context, tokenValue string) error {
	email, err := s.sideTokens.Consume(ctx, tokenValue, sidetoken.PurposeActivation)
	if err != nil {
		return err
	}

	if err := s.store.Activate(ctx, email); err != nil {
		return err
	}

	s.notify(func(ctx context.Context) error {
		return s.mailer.AccountActivated(ctx, email)
	})

	s.logger.Info("account_activated", map[string]any{"email": email})
	return nil
}

// ResendActivation issues a fresh activation token for an account that
// never activated, replacing any outstanding token. Without it an account
// whose activation token lapsed would be stuck: the consumed token is gone
// and the email is already registered.
func (s *Service) ResendActivation(ctx context.Context, email string) error {
	account, err := s.store.GetByEmail(ctx, email)
	if err != nil {
		return err
	}
	if account.Active {
		return ErrAlreadyActive
	}

	tokenValue, err := s.sideTokens.Issue(ctx, email, sidetoken.PurposeActivation, s.activationTTL)
	if err != nil {
		return err
	}

	s.notify(func(ctx context.Context) error {
		return s.mailer.ActivationLink(ctx, email, tokenValue)
	})

	s.logger.Info("activation_link_resent", map[string]any{"email": email})
	return nil
}

// ForgotPassword issues a fresh reset token, replacing any outstanding one.
// Locked accounts may request a reset: the reset is the unlock path.
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	account, err := s.store.GetByEmail(ctx, email)
	if err != nil {
		return err
	}
	if !account.Active {
		return ErrAccountInactive
	}

	tokenValue, err := s.sideTokens.Issue(ctx, email, sidetoken.PurposePasswordReset, s.passwordResetTTL)
	if err != nil {
		return err
	}

	s.notify(func(ctx context.Context) error {
		return s.mailer.PasswordResetLink(ctx, email, tokenValue)
	})

	s.logger.Info("password_reset_requested", map[string]any{"email": email})
	return nil
}

// ResetPassword consumes the reset token and installs the new credential,
// clearing the lock flag, the failure counter and the expiry flag.
func (s *Service) ResetPassword(ctx context.Context, tokenValue, newPassword string) error {
	email, err := s.sideTokens.Consume(ctx, tokenValue, sidetoken.PurposePasswordReset)
	if err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	if err := s.store.UpdatePassword(ctx, email, string(hash)); err != nil {
		return err
	}

	s.notify(func(ctx context.Context) error {
		return s.mailer.PasswordChanged(ctx, email)
	})

	s.logger.Info("password_reset_completed", map[string]any{"email": email})
	return nil
}

func (s *Service) issueTokens(email string) (TokenPair, error) {
	access, err := s.codec.Issue(email, token.KindAccess)
	if err != nil {
		return TokenPair{}, err
	}

	refresh, err := s.codec.Issue(email, token.KindRefresh)
	if err != nil {
		return TokenPair{}, err
	}

	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// notify runs a mail delivery in the background; the triggering request
// never waits on it or sees its failure.
func (s *Service) notify(send func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), mailTimeout)
		defer cancel()

		if err := send(ctx); err != nil {
			s.logger.Error("mail_delivery_failed", map[string]any{"error": err.Error()})
		}
	}()
}
