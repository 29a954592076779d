package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"shopperspoint/internal/mail"
	"shopperspoint/internal/observability"
	"shopperspoint/internal/revocation"
	"shopperspoint/internal/sidetoken"
	"shopperspoint/internal/token"
)

type fakeStore struct {
	mu       sync.Mutex
	accounts map[string]*Account
}

func newFakeStore(accounts ...*Account) *fakeStore {
	store := &fakeStore{accounts: make(map[string]*Account)}
	for _, account := range accounts {
		store.accounts[account.Email] = account
	}
	return store
}

func (f *fakeStore) GetByEmail(_ context.Context, email string) (Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, ok := f.accounts[email]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return *account, nil
}

func (f *fakeStore) EmailExists(_ context.Context, email string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.accounts[email]
	return ok, nil
}

func (f *fakeStore) Create(_ context.Context, account Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	// The real repository hard-codes password_updated_at = now() on insert.
	account.PasswordUpdated = time.Now().UTC()
	f.accounts[account.Email] = &account
	return nil
}

func (f *fakeStore) RecordFailedAttempt(_ context.Context, email string, lockThreshold int) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, ok := f.accounts[email]
	if !ok {
		return 0, false, ErrAccountNotFound
	}
	account.InvalidAttempts++
	if account.InvalidAttempts >= lockThreshold {
		account.Locked = true
	}
	return account.InvalidAttempts, account.Locked, nil
}

func (f *fakeStore) ResetAttemptCount(_ context.Context, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if account, ok := f.accounts[email]; ok {
		account.InvalidAttempts = 0
	}
	return nil
}

func (f *fakeStore) MarkPasswordExpired(_ context.Context, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if account, ok := f.accounts[email]; ok {
		account.PasswordExpired = true
	}
	return nil
}

func (f *fakeStore) Activate(_ context.Context, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, ok := f.accounts[email]
	if !ok {
		return ErrAccountNotFound
	}
	if account.Active {
		return ErrAlreadyActive
	}
	account.Active = true
	return nil
}

func (f *fakeStore) UpdatePassword(_ context.Context, email, passwordHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, ok := f.accounts[email]
	if !ok {
		return ErrAccountNotFound
	}
	account.PasswordHash = passwordHash
	account.InvalidAttempts = 0
	account.Locked = false
	account.PasswordExpired = false
	account.PasswordUpdated = time.Now().UTC()
	return nil
}

func (f *fakeStore) get(email string) Account {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.accounts[email]
}

type fakeRegistry struct {
	mu      sync.Mutex
	revoked map[string]bool
	err     error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{revoked: make(map[string]bool)}
}

func (f *fakeRegistry) Revoke(_ context.Context, accessToken, refreshToken, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.revoked[accessToken] || f.revoked[refreshToken] {
		return revocation.ErrAlreadyRevoked
	}
	f.revoked[accessToken] = true
	f.revoked[refreshToken] = true
	return nil
}

func (f *fakeRegistry) IsRevoked(_ context.Context, tokenValue string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	return f.revoked[tokenValue], nil
}

type fakeSideTokens struct {
	mu     sync.Mutex
	tokens map[string]issuedSideToken
	issued int
}

type issuedSideToken struct {
	email     string
	purpose   sidetoken.Purpose
	expiresAt time.Time
}

func newFakeSideTokens() *fakeSideTokens {
	return &fakeSideTokens{tokens: make(map[string]issuedSideToken)}
}

func (f *fakeSideTokens) Issue(_ context.Context, email string, purpose sidetoken.Purpose, ttl time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for value, issued := range f.tokens {
		if issued.email == email && issued.purpose == purpose {
			delete(f.tokens, value)
		}
	}
	f.issued++
	value := "side-token-" + string(purpose) + "-" + email
	f.tokens[value] = issuedSideToken{email: email, purpose: purpose, expiresAt: time.Now().UTC().Add(ttl)}
	return value, nil
}

func (f *fakeSideTokens) Consume(_ context.Context, tokenValue string, purpose sidetoken.Purpose) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	issued, ok := f.tokens[tokenValue]
	if !ok || issued.purpose != purpose {
		return "", sidetoken.ErrNotFound
	}
	delete(f.tokens, tokenValue)
	if time.Now().UTC().After(issued.expiresAt) {
		return "", sidetoken.ErrExpired
	}
	return issued.email, nil
}

type mailCall struct {
	kind  string
	email string
}

type fakeMailer struct {
	calls chan mailCall
}

func newFakeMailer() *fakeMailer {
	return &fakeMailer{calls: make(chan mailCall, 16)}
}

func (f *fakeMailer) ActivationLink(_ context.Context, email, _ string) error {
	f.calls <- mailCall{kind: "activation", email: email}
	return nil
}

func (f *fakeMailer) PasswordResetLink(_ context.Context, email, _ string) error {
	f.calls <- mailCall{kind: "reset", email: email}
	return nil
}

func (f *fakeMailer) AccountLocked(_ context.Context, email string) error {
	f.calls <- mailCall{kind: "locked", email: email}
	return nil
}

func (f *fakeMailer) AccountActivated(_ context.Context, email string) error {
	f.calls <- mailCall{kind: "activated", email: email}
	return nil
}

func (f *fakeMailer) PasswordChanged(_ context.Context, email string) error {
	f.calls <- mailCall{kind: "password_changed", email: email}
	return nil
}

func (f *fakeMailer) expectCall(t *testing.T, kind string) mailCall {
	t.Helper()
	select {
	case call := <-f.calls:
		assert.Equal(t, kind, call.kind)
		return call
	case <-time.After(2 * time.Second):
		t.Fatalf("expected %q mail, got none", kind)
		return mailCall{}
	}
}

var _ mail.Mailer = (*fakeMailer)(nil)

const testPassword = "correct horse battery staple"

func hashPassword(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

func activeAccount(t *testing.T, email string) *Account {
	t.Helper()
	return &Account{
		ID:              "acct-1",
		Email:           email,
		PasswordHash:    hashPassword(t, testPassword),
		FirstName:       "Test",
		Role:            RoleBuyer,
		Active:          true,
		PasswordUpdated: time.Now().UTC(),
		Buyer:           &BuyerProfile{},
	}
}

type serviceFixture struct {
	service    *Service
	store      *fakeStore
	registry   *fakeRegistry
	sideTokens *fakeSideTokens
	mailer     *fakeMailer
	codec      *token.Codec
}

func newServiceFixture(t *testing.T, accounts ...*Account) *serviceFixture {
	t.Helper()
	store := newFakeStore(accounts...)
	registry := newFakeRegistry()
	sideTokens := newFakeSideTokens()
	mailer := newFakeMailer()
	codec := token.NewCodec("test-secret", 15*time.Minute, 7*24*time.Hour)
	service := NewService(store, registry, sideTokens, codec, mailer, observability.NewLogger())

	return &serviceFixture{
		service:    service,
		store:      store,
		registry:   registry,
		sideTokens: sideTokens,
		mailer:     mailer,
		codec:      codec,
	}
}

func TestLogin_Success(t *testing.T) {
	fx := newServiceFixture(t, activeAccount(t, "user@example.com"))

	pair, err := fx.service.Login(context.Background(), "user@example.com", testPassword)
	require.NoError(t, err)

	access, err := fx.codec.Parse(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", access.Subject)
	assert.Equal(t, token.KindAccess, access.Kind)

	refresh, err := fx.codec.Parse(pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", refresh.Subject)
	assert.Equal(t, token.KindRefresh, refresh.Kind)
}

func TestLogin_WrongPasswordReportsRemainingAttempts(t *testing.T) {
	fx := newServiceFixture(t, activeAccount(t, "user@example.com"))

	_, err := fx.service.Login(context.Background(), "user@example.com", "wrong")
	var invalid InvalidCredentialsError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, 2, invalid.Remaining)

	_, err = fx.service.Login(context.Background(), "user@example.com", "wrong")
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, 1, invalid.Remaining)
}

func TestLogin_ThirdFailureLocksAccount(t *testing.T) {
	fx := newServiceFixture(t, activeAccount(t, "user@example.com"))

	for i := 0; i < 2; i++ {
		_, err := fx.service.Login(context.Background(), "user@example.com", "wrong")
		var invalid InvalidCredentialsError
		require.ErrorAs(t, err, &invalid)
	}

	_, err := fx.service.Login(context.Background(), "user@example.com", "wrong")
	assert.ErrorIs(t, err, ErrAccountLocked)
	assert.True(t, fx.store.get("user@example.com").Locked)

	call := fx.mailer.expectCall(t, "locked")
	assert.Equal(t, "user@example.com", call.email)

	// The correct secret no longer helps once locked.
	_, err = fx.service.Login(context.Background(), "user@example.com", testPassword)
	assert.ErrorIs(t, err, ErrAccountLocked)
}

func TestLogin_LockedMismatchDoesNotTouchCounter(t *testing.T) {
	account := activeAccount(t, "user@example.com")
	account.Locked = true
	account.InvalidAttempts = 3
	fx := newServiceFixture(t, account)

	_, err := fx.service.Login(context.Background(), "user@example.com", "wrong")
	assert.ErrorIs(t, err, ErrAccountLocked)
	assert.Equal(t, 3, fx.store.get("user@example.com").InvalidAttempts)
}

func TestLogin_SuccessResetsCounter(t *testing.T) {
	account := activeAccount(t, "user@example.com")
	account.InvalidAttempts = 2
	fx := newServiceFixture(t, account)

	_, err := fx.service.Login(context.Background(), "user@example.com", testPassword)
	require.NoError(t, err)
	assert.Equal(t, 0, fx.store.get("user@example.com").InvalidAttempts)
}

func TestLogin_InactiveAccount(t *testing.T) {
	account := activeAccount(t, "user@example.com")
	account.Active = false
	fx := newServiceFixture(t, account)

	_, err := fx.service.Login(context.Background(), "user@example.com", testPassword)
	assert.ErrorIs(t, err, ErrAccountInactive)
}

func TestLogin_PasswordAgeExpiry(t *testing.T) {
	account := activeAccount(t, "user@example.com")
	account.PasswordUpdated = time.Now().UTC().Add(-120 * 24 * time.Hour)
	fx := newServiceFixture(t, account)

	_, err := fx.service.Login(context.Background(), "user@example.com", testPassword)
	assert.ErrorIs(t, err, ErrPasswordExpired)
	assert.True(t, fx.store.get("user@example.com").PasswordExpired)

	// Terminal until an explicit reset, even with the correct secret.
	_, err = fx.service.Login(context.Background(), "user@example.com", testPassword)
	assert.ErrorIs(t, err, ErrPasswordExpired)
}

func TestLogin_UnknownAccount(t *testing.T) {
	fx := newServiceFixture(t)

	_, err := fx.service.Login(context.Background(), "nobody@example.com", testPassword)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestLogout_RevokesPairOnce(t *testing.T) {
	fx := newServiceFixture(t, activeAccount(t, "user@example.com"))

	pair, err := fx.service.Login(context.Background(), "user@example.com", testPassword)
	require.NoError(t, err)

	require.NoError(t, fx.service.Logout(context.Background(), pair.AccessToken, pair.RefreshToken))

	revoked, err := fx.registry.IsRevoked(context.Background(), pair.AccessToken)
	require.NoError(t, err)
	assert.True(t, revoked)

	// Duplicate logout succeeds without another registry write.
	require.NoError(t, fx.service.Logout(context.Background(), pair.AccessToken, pair.RefreshToken))
}

func TestLogout_RegistryErrorPropagates(t *testing.T) {
	fx := newServiceFixture(t, activeAccount(t, "user@example.com"))

	pair, err := fx.service.Login(context.Background(), "user@example.com", testPassword)
	require.NoError(t, err)

	fx.registry.err = errors.New("store down")
	assert.Error(t, fx.service.Logout(context.Background(), pair.AccessToken, pair.RefreshToken))
}

func TestRegisterAndActivate(t *testing.T) {
	fx := newServiceFixture(t)

	err := fx.service.Register(context.Background(), Registration{
		FirstName: "New",
		Email:     "new@example.com",
		Password:  testPassword,
		Role:      RoleBuyer,
	})
	require.NoError(t, err)
	fx.mailer.expectCall(t, "activation")

	account := fx.store.get("new@example.com")
	assert.False(t, account.Active)

	tokenValue := "side-token-activation-new@example.com"
	require.NoError(t, fx.service.Activate(context.Background(), tokenValue))
	fx.mailer.expectCall(t, "activated")
	assert.True(t, fx.store.get("new@example.com").Active)

	// Single use: the second consume fails.
	err = fx.service.Activate(context.Background(), tokenValue)
	assert.ErrorIs(t, err, sidetoken.ErrNotFound)
}

func TestResendActivation_RecoversLapsedToken(t *testing.T) {
	fx := newServiceFixture(t)

	registration := Registration{
		FirstName: "New",
		Email:     "new@example.com",
		Password:  testPassword,
		Role:      RoleBuyer,
	}
	require.NoError(t, fx.service.Register(context.Background(), registration))
	fx.mailer.expectCall(t, "activation")

	// The activation window lapses before the link is used.
	tokenValue := "side-token-activation-new@example.com"
	fx.sideTokens.mu.Lock()
	issued := fx.sideTokens.tokens[tokenValue]
	issued.expiresAt = time.Now().UTC().Add(-time.Minute)
	fx.sideTokens.tokens[tokenValue] = issued
	fx.sideTokens.mu.Unlock()

	assert.ErrorIs(t, fx.service.Activate(context.Background(), tokenValue), sidetoken.ErrExpired)

	// The lapsed token is consumed and the email stays taken, so neither a
	// retry nor a fresh registration can activate the account.
	assert.ErrorIs(t, fx.service.Activate(context.Background(), tokenValue), sidetoken.ErrNotFound)
	assert.ErrorIs(t, fx.service.Register(context.Background(), registration), ErrEmailTaken)
	_, err := fx.service.Login(context.Background(), "new@example.com", testPassword)
	assert.ErrorIs(t, err, ErrAccountInactive)

	// Resending is the way out: a fresh token activates the account.
	require.NoError(t, fx.service.ResendActivation(context.Background(), "new@example.com"))
	fx.mailer.expectCall(t, "activation")

	require.NoError(t, fx.service.Activate(context.Background(), tokenValue))
	fx.mailer.expectCall(t, "activated")

	_, err = fx.service.Login(context.Background(), "new@example.com", testPassword)
	assert.NoError(t, err)
}

func TestResendActivation_AlreadyActive(t *testing.T) {
	fx := newServiceFixture(t, activeAccount(t, "user@example.com"))

	err := fx.service.ResendActivation(context.Background(), "user@example.com")
	assert.ErrorIs(t, err, ErrAlreadyActive)
}

func TestResendActivation_UnknownAccount(t *testing.T) {
	fx := newServiceFixture(t)

	err := fx.service.ResendActivation(context.Background(), "ghost@example.com")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestRegister_DuplicateEmail(t *testing.T) {
	fx := newServiceFixture(t, activeAccount(t, "user@example.com"))

	err := fx.service.Register(context.Background(), Registration{
		FirstName: "Dup",
		Email:     "user@example.com",
		Password:  testPassword,
		Role:      RoleBuyer,
	})
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestResetPassword_UnlocksLockedAccount(t *testing.T) {
	account := activeAccount(t, "user@example.com")
	account.Locked = true
	account.InvalidAttempts = 3
	fx := newServiceFixture(t, account)

	require.NoError(t, fx.service.ForgotPassword(context.Background(), "user@example.com"))
	fx.mailer.expectCall(t, "reset")

	tokenValue := "side-token-password_reset-user@example.com"
	require.NoError(t, fx.service.ResetPassword(context.Background(), tokenValue, "a brand new password"))
	fx.mailer.expectCall(t, "password_changed")

	updated := fx.store.get("user@example.com")
	assert.False(t, updated.Locked)
	assert.Equal(t, 0, updated.InvalidAttempts)

	_, err := fx.service.Login(context.Background(), "user@example.com", "a brand new password")
	assert.NoError(t, err)
}

func TestForgotPassword_ReplacesOutstandingToken(t *testing.T) {
	fx := newServiceFixture(t, activeAccount(t, "user@example.com"))

	require.NoError(t, fx.service.ForgotPassword(context.Background(), "user@example.com"))
	fx.mailer.expectCall(t, "reset")
	require.NoError(t, fx.service.ForgotPassword(context.Background(), "user@example.com"))
	fx.mailer.expectCall(t, "reset")

	fx.sideTokens.mu.Lock()
	defer fx.sideTokens.mu.Unlock()
	assert.Equal(t, 2, fx.sideTokens.issued)
	assert.Len(t, fx.sideTokens.tokens, 1)
}

func TestForgotPassword_InactiveAccount(t *testing.T) {
	account := activeAccount(t, "user@example.com")
	account.Active = false
	fx := newServiceFixture(t, account)

	err := fx.service.ForgotPassword(context.Background(), "user@example.com")
	assert.ErrorIs(t, err, ErrAccountInactive)
}
