package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrAlreadyActive = errors.New("account already active")

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) GetByEmail(ctx context.Context, email string) (Account, error) {
	var account Account
	var middleName, lastName sql.NullString
	var phoneNumber, companyName, companyContact, gstNumber sql.NullString

	err := r.db.QueryRowContext(ctx, `
		SELECT a.id, a.email, a.password_hash, a.first_name, a.middle_name, a.last_name,
		       a.role, a.is_active, a.is_locked, a.is_expired, a.invalid_attempt_count,
		       a.password_updated_at, a.created_at, a.updated_at,
		       b.phone_number, s.company_name, s.company_contact, s.gst_number
		FROM accounts a
		LEFT JOIN buyer_profiles b ON b.account_id = a.id
		LEFT JOIN seller_profiles s ON s.account_id = a.id
		WHERE a.email = $1
	`, email).Scan(
		&account.ID, &account.Email, &account.PasswordHash, &account.FirstName, &middleName, &lastName,
		&account.Role, &account.Active, &account.Locked, &account.PasswordExpired, &account.InvalidAttempts,
		&account.PasswordUpdated, &account.CreatedAt, &account.UpdatedAt,
		&phoneNumber, &companyName, &companyContact, &gstNumber,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("query account by email: %w", err)
	}

	account.MiddleName = middleName.String
	account.LastName = lastName.String

	switch account.Role {
	case RoleBuyer:
		account.Buyer = &BuyerProfile{PhoneNumber: phoneNumber.String}
	case RoleSeller:
		account.Seller = &SellerProfile{
			CompanyName:    companyName.String,
			CompanyContact: companyContact.String,
			GSTNumber:      gstNumber.String,
		}
	}

	return account, nil
}

func (r *Repository) EmailExists(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM accounts WHERE email = $1)
	`, email).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check account email: %w", err)
	}

	return exists, nil
}

func (r *Repository) Create(ctx context.Context, account Account) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate account id: %w", err)
	}

	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin account tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO accounts (
			id, email, password_hash, first_name, middle_name, last_name, role,
			is_active, is_locked, is_expired, invalid_attempt_count,
			password_updated_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, FALSE, FALSE, 0, $8, $8, $8)
	`, id.String(), account.Email, account.PasswordHash, account.FirstName,
		account.MiddleName, account.LastName, account.Role, now)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}

	switch account.Role {
	case RoleBuyer:
		phone := ""
		if account.Buyer != nil {
			phone = account.Buyer.PhoneNumber
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO buyer_profiles (account_id, phone_number)
			VALUES ($1, $2)
		`, id.String(), phone); err != nil {
			return fmt.Errorf("insert buyer profile: %w", err)
		}
	case RoleSeller:
		profile := account.Seller
		if profile == nil {
			profile = &SellerProfile{}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO seller_profiles (account_id, company_name, company_contact, gst_number)
			VALUES ($1, $2, $3, $4)
		`, id.String(), profile.CompanyName, profile.CompanyContact, profile.GSTNumber); err != nil {
			return fmt.Errorf("insert seller profile: %w", err)
		}
	default:
		return fmt.Errorf("unknown account role %q", account.Role)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit account tx: %w", err)
	}

	return nil
}

// RecordFailedAttempt increments the failure counter and flips the lock
// flag at the threshold in one conditional update, so concurrent failed
// logins for the same account cannot lose increments.
func (r *Repository) RecordFailedAttempt(ctx context.Context, email string, lockThreshold int) (int, bool, error) {
	var attempts int
	var locked bool
	err := r.db.QueryRowContext(ctx, `
		UPDATE accounts
		SET invalid_attempt_count = invalid_attempt_count + 1,
		    is_locked = is_locked OR (invalid_attempt_count + 1 >= $2),
		    updated_at = $3
		WHERE email = $1
		RETURNING invalid_attempt_count, is_locked
	`, email, lockThreshold, time.Now().UTC()).Scan(&attempts, &locked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, ErrAccountNotFound
		}
		return 0, false, fmt.Errorf("record failed attempt: %w", err)
	}

	return attempts, locked, nil
}

func (r *Repository) ResetAttemptCount(ctx context.Context, email string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET invalid_attempt_count = 0, updated_at = $2
		WHERE email = $1 AND invalid_attempt_count > 0
	`, email, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("reset attempt count: %w", err)
	}

	return nil
}

func (r *Repository) MarkPasswordExpired(ctx context.Context, email string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET is_expired = TRUE, updated_at = $2
		WHERE email = $1
	`, email, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark password expired: %w", err)
	}

	return nil
}

func (r *Repository) Activate(ctx context.Context, email string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET is_active = TRUE, updated_at = $2
		WHERE email = $1 AND is_active = FALSE
	`, email, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("activate account: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("activate account rows affected: %w", err)
	}
	if affected == 0 {
		exists, err := r.EmailExists(ctx, email)
		if err != nil {
			return err
		}
		if !exists {
			return ErrAccountNotFound
		}
		return ErrAlreadyActive
	}

	return nil
}

// UpdatePassword installs a new credential and clears every lockout and
// expiry flag: a successful reset is the explicit unlock.
func (r *Repository) UpdatePassword(ctx context.Context, email, passwordHash string) error {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET password_hash = $2,
		    invalid_attempt_count = 0,
		    is_locked = FALSE,
		    is_expired = FALSE,
		    password_updated_at = $3,
		    updated_at = $3
		WHERE email = $1
	`, email, passwordHash, now)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update password rows affected: %w", err)
	}
	if affected == 0 {
		return ErrAccountNotFound
	}

	return nil
}
