package auth

import (
	"errors"
	"fmt"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountLocked   = errors.New("account locked")
	ErrAccountInactive = errors.New("account not active")
	ErrPasswordExpired = errors.New("password expired")
	ErrEmailTaken      = errors.New("email already registered")
)

// InvalidCredentialsError carries the number of attempts left before the
// account locks.
type InvalidCredentialsError struct {
	Remaining int
}

func (e InvalidCredentialsError) Error() string {
	return fmt.Sprintf("invalid credentials, %d attempts remaining", e.Remaining)
}
