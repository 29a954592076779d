package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/go-playground/validator/v10"

	"shopperspoint/internal/sidetoken"
)

const maxJSONBodyBytes = 1 << 20

type Handler struct {
	service  *Service
	validate *validator.Validate
}

func NewHandler(service *Service) *Handler {
	return &Handler{
		service:  service,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type registerRequest struct {
	FirstName  string `json:"first_name" validate:"required"`
	MiddleName string `json:"middle_name"`
	LastName   string `json:"last_name"`
	Email      string `json:"email" validate:"required,email"`
	Password   string `json:"password" validate:"required,min=8,max=200"`
	Role       string `json:"role" validate:"required,oneof=buyer seller"`

	PhoneNumber    string `json:"phone_number"`
	CompanyName    string `json:"company_name"`
	CompanyContact string `json:"company_contact"`
	GSTNumber      string `json:"gst_number"`
}

type activateRequest struct {
	Token string `json:"token" validate:"required"`
}

type resendActivationRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type forgotPasswordRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type resetPasswordRequest struct {
	Token    string `json:"token" validate:"required"`
	Password string `json:"password" validate:"required,min=8,max=200"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !h.decode(w, r, &body) {
		return
	}

	pair, err := h.service.Login(r.Context(), normalizeEmail(body.Email), body.Password)
	if err != nil {
		var invalid InvalidCredentialsError
		switch {
		case errors.As(err, &invalid):
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"error":              "invalid credentials",
				"kind":               "INVALID_CREDENTIALS",
				"remaining_attempts": invalid.Remaining,
			})
		case errors.Is(err, ErrAccountNotFound):
			writeErrorKind(w, http.StatusUnauthorized, "invalid credentials", "INVALID_CREDENTIALS")
		case errors.Is(err, ErrAccountLocked):
			writeErrorKind(w, http.StatusUnauthorized, "account is locked, reset your password to unlock it", "ACCOUNT_LOCKED")
		case errors.Is(err, ErrAccountInactive):
			writeErrorKind(w, http.StatusUnauthorized, "account is not active", "ACCOUNT_INACTIVE")
		case errors.Is(err, ErrPasswordExpired):
			writeErrorKind(w, http.StatusUnauthorized, "password expired, please reset your password", "PASSWORD_EXPIRED")
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to login")
		}
		return
	}

	setAuthCookies(w, pair, h.service.codec.AccessTTL(), h.service.codec.RefreshTTL())
	writeJSON(w, http.StatusOK, map[string]string{"message": "login successful"})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	accessValue := cookieValue(r, accessCookieName)
	refreshValue := cookieValue(r, refreshCookieName)

	// Cookies are cleared no matter how the registry write goes.
	clearAuthCookies(w)

	err := h.service.Logout(r.Context(), accessValue, refreshValue)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to logout")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "logout successful"})
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if !h.decode(w, r, &body) {
		return
	}

	err := h.service.Register(r.Context(), Registration{
		FirstName:      strings.TrimSpace(body.FirstName),
		MiddleName:     strings.TrimSpace(body.MiddleName),
		LastName:       strings.TrimSpace(body.LastName),
		Email:          normalizeEmail(body.Email),
		Password:       body.Password,
		Role:           Role(body.Role),
		PhoneNumber:    strings.TrimSpace(body.PhoneNumber),
		CompanyName:    strings.TrimSpace(body.CompanyName),
		CompanyContact: strings.TrimSpace(body.CompanyContact),
		GSTNumber:      strings.TrimSpace(body.GSTNumber),
	})
	if err != nil {
		if errors.Is(err, ErrEmailTaken) {
			writeError(w, http.StatusConflict, "email already registered, please try another")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to register")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"message": "registered, check your email for the activation link"})
}

func (h *Handler) Activate(w http.ResponseWriter, r *http.Request) {
	var body activateRequest
	if !h.decode(w, r, &body) {
		return
	}

	err := h.service.Activate(r.Context(), strings.TrimSpace(body.Token))
	if err != nil {
		switch {
		case errors.Is(err, sidetoken.ErrNotFound):
			writeError(w, http.StatusBadRequest, "activation token is not valid")
		case errors.Is(err, sidetoken.ErrExpired):
			writeError(w, http.StatusBadRequest, "activation token is expired")
		case errors.Is(err, ErrAlreadyActive):
			writeError(w, http.StatusConflict, "account is already activated")
		case errors.Is(err, ErrAccountNotFound):
			writeError(w, http.StatusBadRequest, "activation token is not valid")
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to activate account")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "account activated"})
}

func (h *Handler) ResendActivation(w http.ResponseWriter, r *http.Request) {
	var body resendActivationRequest
	if !h.decode(w, r, &body) {
		return
	}

	err := h.service.ResendActivation(r.Context(), normalizeEmail(body.Email))
	if err != nil {
		switch {
		case errors.Is(err, ErrAccountNotFound):
			writeError(w, http.StatusNotFound, "account not found")
		case errors.Is(err, ErrAlreadyActive):
			writeError(w, http.StatusConflict, "account is already activated")
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to resend activation link")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "activation link sent, check your email"})
}

func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var body forgotPasswordRequest
	if !h.decode(w, r, &body) {
		return
	}

	err := h.service.ForgotPassword(r.Context(), normalizeEmail(body.Email))
	if err != nil {
		switch {
		case errors.Is(err, ErrAccountNotFound):
			writeError(w, http.StatusNotFound, "account not found")
		case errors.Is(err, ErrAccountInactive):
			writeError(w, http.StatusBadRequest, "account is not active")
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to request password reset")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "reset link sent, check your email"})
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var body resetPasswordRequest
	if !h.decode(w, r, &body) {
		return
	}

	err := h.service.ResetPassword(r.Context(), strings.TrimSpace(body.Token), body.Password)
	if err != nil {
		switch {
		case errors.Is(err, sidetoken.ErrNotFound):
			writeError(w, http.StatusBadRequest, "reset token is not valid, password not updated")
		case errors.Is(err, sidetoken.ErrExpired):
			writeError(w, http.StatusBadRequest, "reset token is expired, password not updated")
		case errors.Is(err, ErrAccountNotFound):
			writeError(w, http.StatusBadRequest, "reset token is not valid, password not updated")
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to reset password")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "password changed successfully"})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}

	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "request validation failed")
		return false
	}

	return true
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeErrorKind(w http.ResponseWriter, status int, message, kind string) {
	writeJSON(w, status, map[string]string{"error": message, "kind": kind})
}
