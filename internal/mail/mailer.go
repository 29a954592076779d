package mail

import (
	"context"
	"fmt"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"

	"shopperspoint/internal/observability"
)

// Mailer is the outbound notification collaborator. Callers invoke it
// fire-and-forget; delivery failures are logged, never surfaced to the
// request that triggered them.
type Mailer interface {
	ActivationLink(ctx context.Context, email, tokenValue string) error
	PasswordResetLink(ctx context.Context, email, tokenValue string) error
	AccountLocked(ctx context.Context, email string) error
	AccountActivated(ctx context.Context, email string) error
	PasswordChanged(ctx context.Context, email string) error
}

type SendGridMailer struct {
	client *sendgrid.Client
	from   *sgmail.Email
	appURL string
}

func NewSendGridMailer(apiKey, fromName, fromAddress, appURL string) *SendGridMailer {
	return &SendGridMailer{
		client: sendgrid.NewSendClient(apiKey),
		from:   sgmail.NewEmail(fromName, fromAddress),
		appURL: appURL,
	}
}

func (m *SendGridMailer) ActivationLink(ctx context.Context, email, tokenValue string) error {
	body := fmt.Sprintf("Welcome! Activate your account within 3 hours: %s/auth/activate?token=%s", m.appURL, tokenValue)
	return m.send(ctx, email, "Activate your account", body)
}

func (m *SendGridMailer) PasswordResetLink(ctx context.Context, email, tokenValue string) error {
	body := fmt.Sprintf("Use this link to reset your password: %s/auth/reset-password?token=%s", m.appURL, tokenValue)
	return m.send(ctx, email, "Reset your password", body)
}

func (m *SendGridMailer) AccountLocked(ctx context.Context, email string) error {
	body := "Your account has been locked after repeated failed sign-in attempts. Reset your password to unlock it."
	return m.send(ctx, email, "Account locked", body)
}

func (m *SendGridMailer) AccountActivated(ctx context.Context, email string) error {
	return m.send(ctx, email, "Account activated", "Your account is now active. You can sign in.")
}

func (m *SendGridMailer) PasswordChanged(ctx context.Context, email string) error {
	return m.send(ctx, email, "Password changed", "Your password was changed. If this wasn't you, contact support.")
}

func (m *SendGridMailer) send(ctx context.Context, email, subject, body string) error {
	msg := sgmail.NewSingleEmail(m.from, subject, sgmail.NewEmail("", email), body, "")
	resp, err := m.client.SendWithContext(ctx, msg)
	if err != nil {
		return fmt.Errorf("sendgrid send: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("sendgrid send: status %d", resp.StatusCode)
	}

	return nil
}

// LogMailer stands in when no SendGrid key is configured: it records what
// would have been sent, so local runs still show activation and reset
// token values.
type LogMailer struct {
	logger *observability.Logger
}

func NewLogMailer(logger *observability.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (m *LogMailer) ActivationLink(_ context.Context, email, tokenValue string) error {
	m.logger.Info("mail_activation_link", map[string]any{"email": email, "token": tokenValue})
	return nil
}

func (m *LogMailer) PasswordResetLink(_ context.Context, email, tokenValue string) error {
	m.logger.Info("mail_password_reset_link", map[string]any{"email": email, "token": tokenValue})
	return nil
}

func (m *LogMailer) AccountLocked(_ context.Context, email string) error {
	m.logger.Info("mail_account_locked", map[string]any{"email": email})
	return nil
}

func (m *LogMailer) AccountActivated(_ context.Context, email string) error {
	m.logger.Info("mail_account_activated", map[string]any{"email": email})
	return nil
}

func (m *LogMailer) PasswordChanged(_ context.Context, email string) error {
	m.logger.Info("mail_password_changed", map[string]any{"email": email})
	return nil
}
