package auth

import (
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/google/uuid"

	apperrors "github.com/smartcyclemarket/smartcyclemarket/internal/errors"
	"github.com/smartcyclemarket/smartcyclemarket/internal/storage"
	"github.com/smartcyclemarket/smartcyclemarket/internal/validators"
)

const maxAvatarBytes = 5 << 20

type SignUpRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type SignInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type EmailRequest struct {
	Email string `json:"email"`
}

type TokenRequest struct {
	ID       string `json:"id"`
	Token    string `json:"token"`
	Password string `json:"password,omitempty"`
}

type UpdateProfileRequest struct {
	Name string `json:"name"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type ProfileResponse struct {
	Profile any `json:"profile"`
}

type TokensResponse struct {
	Tokens *TokenPair `json:"tokens"`
}

type Handlers struct {
	service *Service
}

func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

func (h *Handlers) SignUp(w http.ResponseWriter, r *http.Request) error {
	var req SignUpRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	if err := validators.NewUser(req.Name, req.Email, req.Password); err != nil {
		return translate(err)
	}

	if _, err := h.service.SignUp(r.Context(), req.Name, req.Email, req.Password); err != nil {
		return translate(err)
	}

	writeJSON(w, r, http.StatusCreated, MessageResponse{Message: "Please verify your email"})
	return nil
}

func (h *Handlers) VerifyEmail(w http.ResponseWriter, r *http.Request) error {
	id, token, err := decodeTokenRequest(r, nil)
	if err != nil {
		return err
	}
	if err := h.service.VerifyEmail(r.Context(), id, token); err != nil {
		return translate(err)
	}

	writeJSON(w, r, http.StatusOK, MessageResponse{Message: "Email verified"})
	return nil
}

func (h *Handlers) ResendVerification(w http.ResponseWriter, r *http.Request) error {
	profile := ProfileFromContext(r.Context())
	if profile == nil {
		return apperrors.Unauthorized("Unauthorized")
	}
	if err := h.service.ResendVerification(r.Context(), profile); err != nil {
		return translate(err)
	}

	writeJSON(w, r, http.StatusOK, MessageResponse{Message: "Please verify your email"})
	return nil
}

func (h *Handlers) SignIn(w http.ResponseWriter, r *http.Request) error {
	var req SignInRequest
	if err := decode(r, &req); err != nil {
		return err
	}

	result, err := h.service.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		return translate(err)
	}

	writeJSON(w, r, http.StatusOK, result)
	return nil
}

func (h *Handlers) Refresh(w http.ResponseWriter, r *http.Request) error {
	var req RefreshRequest
	if err := decode(r, &req); err != nil {
		return err
	}

	tokens, err := h.service.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		return translate(err)
	}

	writeJSON(w, r, http.StatusOK, TokensResponse{Tokens: tokens})
	return nil
}

func (h *Handlers) SignOut(w http.ResponseWriter, r *http.Request) error {
	profile := ProfileFromContext(r.Context())
	if profile == nil {
		return apperrors.Unauthorized("Unauthorized")
	}
	var req RefreshRequest
	if err := decode(r, &req); err != nil {
		return err
	}

	id, err := uuid.Parse(profile.ID)
	if err != nil {
		return apperrors.Unauthorized("Unauthorized")
	}
	if err := h.service.SignOut(r.Context(), id, req.RefreshToken); err != nil {
		return translate(err)
	}

	writeJSON(w, r, http.StatusOK, MessageResponse{Message: "Signed out"})
	return nil
}

func (h *Handlers) ForgotPassword(w http.ResponseWriter, r *http.Request) error {
	var req EmailRequest
	if err := decode(r, &req); err != nil {
		return err
	}

	if err := h.service.ForgotPassword(r.Context(), req.Email); err != nil {
		return translate(err)
	}

	writeJSON(w, r, http.StatusOK, MessageResponse{Message: "Password reset link sent"})
	return nil
}

// CheckResetToken answers {"valid": true} for a live reset token.
func (h *Handlers) CheckResetToken(w http.ResponseWriter, r *http.Request) error {
	id, token, err := decodeTokenRequest(r, nil)
	if err != nil {
		return err
	}
	if err := h.service.CheckResetToken(r.Context(), id, token); err != nil {
		return translate(err)
	}

	writeJSON(w, r, http.StatusOK, map[string]bool{"valid": true})
	return nil
}

func (h *Handlers) ResetPassword(w http.ResponseWriter, r *http.Request) error {
	var password string
	id, token, err := decodeTokenRequest(r, &password)
	if err != nil {
		return err
	}
	if err := h.service.ResetPassword(r.Context(), id, token, password); err != nil {
		return translate(err)
	}

	writeJSON(w, r, http.StatusOK, MessageResponse{Message: "Password updated successfully!"})
	return nil
}

func (h *Handlers) Profile(w http.ResponseWriter, r *http.Request) error {
	profile := ProfileFromContext(r.Context())
	if profile == nil {
		return apperrors.Unauthorized("Unauthorized")
	}
	writeJSON(w, r, http.StatusOK, ProfileResponse{Profile: profile})
	return nil
}

func (h *Handlers) UpdateProfile(w http.ResponseWriter, r *http.Request) error {
	id, err := currentUserID(r)
	if err != nil {
		return err
	}
	var req UpdateProfileRequest
	if err := decode(r, &req); err != nil {
		return err
	}

	profile, err := h.service.UpdateName(r.Context(), id, req.Name)
	if err != nil {
		return translate(err)
	}

	writeJSON(w, r, http.StatusOK, ProfileResponse{Profile: profile})
	return nil
}

func (h *Handlers) UpdateAvatar(w http.ResponseWriter, r *http.Request) error {
	id, err := currentUserID(r)
	if err != nil {
		return err
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxAvatarBytes)
	if err := r.ParseMultipartForm(maxAvatarBytes); err != nil {
		return apperrors.ValidationError("No file found")
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["avatar"]
	switch {
	case len(files) == 0:
		return apperrors.ValidationError("No file found")
	case len(files) > 1:
		return apperrors.ValidationError("Only one file is allowed")
	}
	fh := files[0]
	contentType := fh.Header.Get("Content-Type")
	if !IsImage(contentType) {
		return apperrors.ValidationError("Only images are allowed")
	}

	f, err := fh.Open()
	if err != nil {
		return err
	}
	defer f.Close()

	profile, err := h.service.UpdateAvatar(r.Context(), id, uploadInput(fh, f, contentType))
	if err != nil {
		return translate(err)
	}

	writeJSON(w, r, http.StatusOK, ProfileResponse{Profile: profile})
	return nil
}

func (h *Handlers) PublicProfile(w http.ResponseWriter, r *http.Request) error {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return apperrors.BadRequest("Invalid id")
	}

	profile, err := h.service.PublicProfile(r.Context(), id)
	if err != nil {
		return translate(err)
	}

	writeJSON(w, r, http.StatusOK, ProfileResponse{Profile: profile})
	return nil
}

// IsImage reports whether contentType names an image media type.
func IsImage(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "image/")
}

func uploadInput(fh *multipart.FileHeader, f multipart.File, contentType string) storage.UploadInput {
	return storage.UploadInput{
		Body:        f,
		Size:        fh.Size,
		ContentType: contentType,
	}
}

func currentUserID(r *http.Request) (uuid.UUID, error) {
	profile := ProfileFromContext(r.Context())
	if profile == nil {
		return uuid.Nil, apperrors.Unauthorized("Unauthorized")
	}
	id, err := uuid.Parse(profile.ID)
	if err != nil {
		return uuid.Nil, apperrors.Unauthorized("Unauthorized")
	}
	return id, nil
}

// decodeTokenRequest reads and validates an {id, token} body. When password
// is non-nil the body must also carry a valid new password.
func decodeTokenRequest(r *http.Request, password *string) (uuid.UUID, string, error) {
	var req TokenRequest
	if err := decode(r, &req); err != nil {
		return uuid.Nil, "", err
	}

	var err error
	if password != nil {
		err = validators.ResetPassword(req.ID, req.Token, req.Password)
		*password = req.Password
	} else {
		err = validators.TokenAndID(req.ID, req.Token)
	}
	if err != nil {
		return uuid.Nil, "", translate(err)
	}

	return uuid.MustParse(req.ID), req.Token, nil
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperrors.BadRequest("invalid request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), status, data)
}

// translate maps service errors onto the HTTP error taxonomy. Errors it does
// not know pass through and become a 500.
func translate(err error) error {
	var fieldErr *validators.FieldError
	var mailErr *MailError
	switch {
	case errors.As(err, &fieldErr):
		return apperrors.ValidationError(fieldErr.Message).WithDetails(map[string]any{"field": fieldErr.Field})
	case errors.Is(err, ErrEmailExists):
		return apperrors.EmailExists()
	case errors.Is(err, ErrInvalidCredentials):
		return apperrors.InvalidCredentials()
	case errors.Is(err, ErrUnauthorized):
		return apperrors.Unauthorized("Unauthorized")
	case errors.Is(err, ErrInvalidToken):
		return apperrors.InvalidOneTimeToken()
	case errors.Is(err, ErrUserNotFound):
		return apperrors.UserNotFound()
	case errors.Is(err, ErrSamePassword):
		return apperrors.SamePassword()
	case errors.As(err, &mailErr):
		return apperrors.MailError("Failed to send mail").WithCause(err)
	}
	return err
}
