// Package product manages product listings and their pictures.
package product

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smartcyclemarket/smartcyclemarket/internal/auth"
	"github.com/smartcyclemarket/smartcyclemarket/internal/db"
	"github.com/smartcyclemarket/smartcyclemarket/internal/logger"
	"github.com/smartcyclemarket/smartcyclemarket/internal/storage"
	"github.com/smartcyclemarket/smartcyclemarket/internal/validators"
)

// MaxImages is the most pictures a product may carry.
const MaxImages = 5

var (
	ErrNotFound      = errors.New("product not found")
	ErrTooManyImages = errors.New("too many images")
	ErrUpload        = errors.New("image upload failed")
)

type Store interface {
	Create(ctx context.Context, p *db.Product) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Product, error)
	Update(ctx context.Context, p *db.Product) error
	Delete(ctx context.Context, id, owner uuid.UUID) (*db.Product, error)
	ListByOwner(ctx context.Context, owner uuid.UUID, limit, offset int) ([]*db.Product, error)
}

// Profiles resolves the public profile of a seller.
type Profiles interface {
	PublicProfile(ctx context.Context, id uuid.UUID) (*auth.PublicProfile, error)
}

// Gauge tracks uploads in flight.
type Gauge interface {
	AddGauge(name string, delta int64)
}

type Seller struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// Detail is a product as returned to clients.
type Detail struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Thumbnail   string    `json:"thumbnail,omitempty"`
	Category    string    `json:"category"`
	Price       float64   `json:"price"`
	Date        time.Time `json:"date"`
	Images      []string  `json:"images"`
	Seller      *Seller   `json:"seller,omitempty"`
}

type Config struct {
	Products Store
	Images   storage.ImageStore
	Profiles Profiles
	Gauge    Gauge
	Logger   *logger.Logger
}

type Service struct {
	products Store
	images   storage.ImageStore
	profiles Profiles
	gauge    Gauge
	log      *logger.Logger
}

func NewService(cfg Config) *Service {
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		products: cfg.Products,
		images:   cfg.Images,
		profiles: cfg.Profiles,
		gauge:    cfg.Gauge,
		log:      log.WithComponent("product"),
	}
}

// Create lists a new product. The first uploaded image becomes the thumbnail.
func (s *Service) Create(ctx context.Context, owner uuid.UUID, in *validators.Product, uploads []storage.UploadInput) (*db.Product, error) {
	if len(uploads) > MaxImages {
		return nil, ErrTooManyImages
	}

	images, err := s.uploadAll(ctx, uploads)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	p := &db.Product{
		ID:             uuid.New(),
		Owner:          owner,
		Name:           in.Name,
		Description:    in.Description,
		Price:          in.Price,
		Category:       in.Category,
		PurchasingDate: in.PurchasingDate,
		Images:         images,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if len(images) > 0 {
		p.Thumbnail = images[0].URL
	}

	if err := s.products.Create(ctx, p); err != nil {
		s.deleteImages(ctx, images)
		return nil, err
	}
	return p, nil
}

// Update replaces the fields of owner's product and appends uploads to its
// images. A non-empty thumbnail overrides the current one.
func (s *Service) Update(ctx context.Context, owner, id uuid.UUID, in *validators.Product, thumbnail string, uploads []storage.UploadInput) (*db.Product, error) {
	p, err := s.products.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrProductNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if p.Owner != owner {
		return nil, ErrNotFound
	}
	if len(p.Images)+len(uploads) > MaxImages {
		return nil, ErrTooManyImages
	}

	images, err := s.uploadAll(ctx, uploads)
	if err != nil {
		return nil, err
	}

	p.Name = in.Name
	p.Description = in.Description
	p.Price = in.Price
	p.Category = in.Category
	p.PurchasingDate = in.PurchasingDate
	p.Images = append(p.Images, images...)
	if thumbnail != "" {
		p.Thumbnail = thumbnail
	} else if p.Thumbnail == "" && len(p.Images) > 0 {
		p.Thumbnail = p.Images[0].URL
	}

	if err := s.products.Update(ctx, p); err != nil {
		s.deleteImages(ctx, images)
		if errors.Is(err, db.ErrProductNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

// Get returns a product with its seller.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Detail, error) {
	p, err := s.products.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrProductNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	d := toDetail(p)
	seller, err := s.profiles.PublicProfile(ctx, p.Owner)
	switch {
	case err == nil:
		d.Seller = &Seller{ID: seller.ID, Name: seller.Name, Avatar: seller.Avatar}
	case errors.Is(err, auth.ErrUserNotFound):
		// listing outlived its seller
	default:
		return nil, err
	}
	return d, nil
}

// Listings returns owner's products, newest first.
func (s *Service) Listings(ctx context.Context, owner uuid.UUID, limit, offset int) ([]*Detail, error) {
	products, err := s.products.ListByOwner(ctx, owner, limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]*Detail, 0, len(products))
	for _, p := range products {
		out = append(out, toDetail(p))
	}
	return out, nil
}

// Delete removes owner's product and then its stored images.
func (s *Service) Delete(ctx context.Context, owner, id uuid.UUID) error {
	p, err := s.products.Delete(ctx, id, owner)
	if err != nil {
		if errors.Is(err, db.ErrProductNotFound) {
			return ErrNotFound
		}
		return err
	}
	s.deleteImages(ctx, p.Images)
	return nil
}

// uploadAll stores every upload concurrently. If any upload fails the ones
// that succeeded are removed again.
func (s *Service) uploadAll(ctx context.Context, uploads []storage.UploadInput) ([]db.Image, error) {
	if len(uploads) == 0 {
		return nil, nil
	}

	images := make([]db.Image, len(uploads))
	errs := make([]error, len(uploads))

	var wg sync.WaitGroup
	for i := range uploads {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.addGauge(1)
			defer s.addGauge(-1)

			in := uploads[i]
			in.Folder = "products"
			in.Transform = storage.ProductTransform
			img, err := s.images.Upload(ctx, in)
			if err != nil {
				errs[i] = err
				return
			}
			images[i] = db.Image{URL: img.URL, ID: img.ID}
		}(i)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		var uploaded []db.Image
		for i, img := range images {
			if errs[i] == nil {
				uploaded = append(uploaded, img)
			}
		}
		s.deleteImages(ctx, uploaded)
		return nil, errors.Join(ErrUpload, err)
	}
	return images, nil
}

func (s *Service) addGauge(delta int64) {
	if s.gauge != nil {
		s.gauge.AddGauge("image_uploads_in_flight", delta)
	}
}

func (s *Service) deleteImages(ctx context.Context, images []db.Image) {
	for _, img := range images {
		if err := s.images.Delete(ctx, img.ID); err != nil {
			s.log.Warn(ctx, "failed to delete stored image", map[string]interface{}{
				"image_id": img.ID,
				"error":    err.Error(),
			})
		}
	}
}

func toDetail(p *db.Product) *Detail {
	urls := make([]string, 0, len(p.Images))
	for _, img := range p.Images {
		urls = append(urls, img.URL)
	}
	return &Detail{
		ID:          p.ID.String(),
		Name:        p.Name,
		Description: p.Description,
		Thumbnail:   p.Thumbnail,
		Category:    p.Category,
		Price:       p.Price,
		Date:        p.PurchasingDate,
		Images:      urls,
	}
}
