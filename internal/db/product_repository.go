package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrProductNotFound = errors.New("product not found")

// Image is a stored product picture. It has the same shape as Avatar.
type Image = Avatar

type Product struct {
	ID             uuid.UUID
	Owner          uuid.UUID
	Name           string
	Description    string
	Price          float64
	Category       string
	PurchasingDate time.Time
	Images         []Image
	Thumbnail      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type ProductRepository struct {
	db *DB
}

func NewProductRepository(db *DB) *ProductRepository {
	return &ProductRepository{db: db}
}

const productColumns = `id, owner, name, description, price, category, purchasing_date, images, thumbnail, created_at, updated_at`

func scanProduct(row rowScanner) (*Product, error) {
	p := &Product{}
	var images []byte
	var thumbnail sql.NullString
	err := row.Scan(
		&p.ID, &p.Owner, &p.Name, &p.Description, &p.Price, &p.Category,
		&p.PurchasingDate, &images, &thumbnail, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, err
	}
	if len(images) > 0 {
		if err := json.Unmarshal(images, &p.Images); err != nil {
			return nil, fmt.Errorf("decode product images: %w", err)
		}
	}
	p.Thumbnail = thumbnail.String
	return p, nil
}

func encodeImages(images []Image) ([]byte, error) {
	if images == nil {
		images = []Image{}
	}
	return json.Marshal(images)
}

func (r *ProductRepository) Create(ctx context.Context, p *Product) error {
	images, err := encodeImages(p.Images)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO products (id, owner, name, description, price, category, purchasing_date, images, thumbnail, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = r.db.ExecContext(ctx, query,
		p.ID, p.Owner, p.Name, p.Description, p.Price, p.Category, p.PurchasingDate,
		images, nullString(p.Thumbnail), p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func (r *ProductRepository) GetByID(ctx context.Context, id uuid.UUID) (*Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE id = $1`
	return scanProduct(r.db.QueryRowContext(ctx, query, id))
}

// Update overwrites the mutable fields of a product owned by p.Owner.
func (r *ProductRepository) Update(ctx context.Context, p *Product) error {
	images, err := encodeImages(p.Images)
	if err != nil {
		return err
	}

	query := `
		UPDATE products
		SET name = $3, description = $4, price = $5, category = $6, purchasing_date = $7,
			images = $8, thumbnail = $9, updated_at = NOW()
		WHERE id = $1 AND owner = $2
	`
	result, err := r.db.ExecContext(ctx, query,
		p.ID, p.Owner, p.Name, p.Description, p.Price, p.Category, p.PurchasingDate,
		images, nullString(p.Thumbnail),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrProductNotFound
	}
	return nil
}

// Delete removes a product owned by owner and returns the deleted row.
func (r *ProductRepository) Delete(ctx context.Context, id, owner uuid.UUID) (*Product, error) {
	query := `DELETE FROM products WHERE id = $1 AND owner = $2 RETURNING ` + productColumns
	return scanProduct(r.db.QueryRowContext(ctx, query, id, owner))
}

// ListByOwner returns the owner's products, newest first.
func (r *ProductRepository) ListByOwner(ctx context.Context, owner uuid.UUID, limit, offset int) ([]*Product, error) {
	query := `
		SELECT ` + productColumns + `
		FROM products
		WHERE owner = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.QueryContext(ctx, query, owner, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []*Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
