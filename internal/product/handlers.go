package product

import (
	"errors"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/smartcyclemarket/smartcyclemarket/internal/auth"
	apperrors "github.com/smartcyclemarket/smartcyclemarket/internal/errors"
	"github.com/smartcyclemarket/smartcyclemarket/internal/storage"
	"github.com/smartcyclemarket/smartcyclemarket/internal/validators"
)

const (
	maxImageBytes   = 5 << 20
	maxRequestBytes = MaxImages*maxImageBytes + 1<<20

	defaultPageSize = 20
	maxPageSize     = 100
)

type Handlers struct {
	service *Service
}

func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

type MessageResponse struct {
	Message string `json:"message"`
}

// Create handles POST /product/list.
func (h *Handlers) Create(w http.ResponseWriter, r *http.Request) error {
	owner, err := currentUserID(r)
	if err != nil {
		return err
	}

	form, err := parseForm(w, r)
	if err != nil {
		return err
	}
	defer form.RemoveAll()

	in, err := validators.ParseProduct(productForm(form))
	if err != nil {
		return translate(err)
	}
	uploads, closeAll, err := openImages(form)
	if err != nil {
		return err
	}
	defer closeAll()

	if _, err := h.service.Create(r.Context(), owner, in, uploads); err != nil {
		return translate(err)
	}

	writeJSON(w, r, http.StatusCreated, MessageResponse{Message: "Product created successfully"})
	return nil
}

// Update handles PATCH /product/{id}.
func (h *Handlers) Update(w http.ResponseWriter, r *http.Request) error {
	owner, err := currentUserID(r)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return apperrors.ValidationError("Invalid product id")
	}

	form, err := parseForm(w, r)
	if err != nil {
		return err
	}
	defer form.RemoveAll()

	in, err := validators.ParseProduct(productForm(form))
	if err != nil {
		return translate(err)
	}
	uploads, closeAll, err := openImages(form)
	if err != nil {
		return err
	}
	defer closeAll()

	if _, err := h.service.Update(r.Context(), owner, id, in, formValue(form, "thumbnail"), uploads); err != nil {
		return translate(err)
	}

	writeJSON(w, r, http.StatusCreated, MessageResponse{Message: "Product updated successfully"})
	return nil
}

// Get handles GET /product/{id}.
func (h *Handlers) Get(w http.ResponseWriter, r *http.Request) error {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return apperrors.ValidationError("Invalid product id")
	}

	d, err := h.service.Get(r.Context(), id)
	if err != nil {
		return translate(err)
	}

	writeJSON(w, r, http.StatusOK, map[string]any{"product": d})
	return nil
}

// Listings handles GET /product/listings.
func (h *Handlers) Listings(w http.ResponseWriter, r *http.Request) error {
	owner, err := currentUserID(r)
	if err != nil {
		return err
	}
	limit, offset := parsePagination(r)

	products, err := h.service.Listings(r.Context(), owner, limit, offset)
	if err != nil {
		return err
	}

	writeJSON(w, r, http.StatusOK, map[string]any{"products": products})
	return nil
}

// Delete handles DELETE /product/{id}.
func (h *Handlers) Delete(w http.ResponseWriter, r *http.Request) error {
	owner, err := currentUserID(r)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return apperrors.ValidationError("Invalid product id")
	}

	if err := h.service.Delete(r.Context(), owner, id); err != nil {
		return translate(err)
	}

	writeJSON(w, r, http.StatusOK, MessageResponse{Message: "Product removed successfully"})
	return nil
}

func parseForm(w http.ResponseWriter, r *http.Request) (*multipart.Form, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := r.ParseMultipartForm(maxRequestBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, apperrors.ValidationError("Request too large")
		}
		return nil, apperrors.BadRequest("invalid multipart form")
	}
	return r.MultipartForm, nil
}

func productForm(form *multipart.Form) validators.ProductForm {
	return validators.ProductForm{
		Name:           formValue(form, "name"),
		Description:    formValue(form, "description"),
		Category:       formValue(form, "category"),
		Price:          formValue(form, "price"),
		PurchasingDate: formValue(form, "purchasingDate"),
	}
}

func formValue(form *multipart.Form, key string) string {
	if v := form.Value[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// openImages checks and opens the "images" files. The returned func closes
// every opened file.
func openImages(form *multipart.Form) ([]storage.UploadInput, func(), error) {
	files := form.File["images"]
	if len(files) > MaxImages {
		return nil, func() {}, apperrors.ValidationError("Only 5 images are allowed")
	}
	for _, fh := range files {
		if !auth.IsImage(fh.Header.Get("Content-Type")) {
			return nil, func() {}, apperrors.ValidationError("Only images are allowed")
		}
	}

	var opened []multipart.File
	closeAll := func() {
		for _, f := range opened {
			f.Close()
		}
	}

	uploads := make([]storage.UploadInput, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			closeAll()
			return nil, func() {}, err
		}
		opened = append(opened, f)
		uploads = append(uploads, storage.UploadInput{
			Body:        f,
			Size:        fh.Size,
			ContentType: fh.Header.Get("Content-Type"),
		})
	}
	return uploads, closeAll, nil
}

func parsePagination(r *http.Request) (limit, offset int) {
	limit = defaultPageSize

	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, maxPageSize)
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return limit, offset
}

func currentUserID(r *http.Request) (uuid.UUID, error) {
	p := auth.ProfileFromContext(r.Context())
	if p == nil {
		return uuid.Nil, apperrors.Unauthorized("Unauthorized")
	}
	id, err := uuid.Parse(p.ID)
	if err != nil {
		return uuid.Nil, apperrors.Unauthorized("Unauthorized")
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), status, data)
}

func translate(err error) error {
	var fieldErr *validators.FieldError
	switch {
	case errors.As(err, &fieldErr):
		return apperrors.ValidationError(fieldErr.Message).WithDetails(map[string]any{"field": fieldErr.Field})
	case errors.Is(err, ErrNotFound):
		return apperrors.ProductNotFound()
	case errors.Is(err, ErrTooManyImages):
		return apperrors.ValidationError("Only 5 images are allowed")
	case errors.Is(err, ErrUpload):
		return apperrors.StorageError("failed to store product images").WithCause(err)
	}
	return err
}
