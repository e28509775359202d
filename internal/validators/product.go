package validators

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Categories a product can be listed under.
var Categories = []string{
	"Electronics",
	"Fashion",
	"Fitness",
	"Home & Kitchen",
	"Books",
	"Toys & Games",
	"Vehicles",
	"Musical Instruments",
	"Sports",
	"Others",
}

func validCategory(c string) bool {
	for _, cat := range Categories {
		if cat == c {
			return true
		}
	}
	return false
}

// ProductForm is the raw multipart form of a product listing.
type ProductForm struct {
	Name           string
	Description    string
	Category       string
	Price          string
	PurchasingDate string
}

// Product is a validated listing.
type Product struct {
	Name           string
	Description    string
	Category       string
	Price          float64
	PurchasingDate time.Time
}

// ParseProduct applies the product schema to f.
func ParseProduct(f ProductForm) (*Product, error) {
	p := &Product{
		Name:        NormalizeText(f.Name),
		Description: NormalizeText(f.Description),
		Category:    strings.TrimSpace(f.Category),
	}

	err := Validate(
		requiredMsg("name", p.Name, "Name is missing!"),
		requiredMsg("description", p.Description, "Description is missing!"),
		requiredMsg("category", p.Category, "Category is missing!"),
		func() *FieldError {
			if !validCategory(p.Category) {
				return &FieldError{Field: "category", Message: "Invalid category!"}
			}
			return nil
		},
		requiredMsg("price", f.Price, "Price is missing!"),
		func() *FieldError {
			price, err := strconv.ParseFloat(strings.TrimSpace(f.Price), 64)
			if err != nil || math.IsNaN(price) || math.IsInf(price, 0) || price < 0 {
				return &FieldError{Field: "price", Message: "Invalid price!"}
			}
			p.Price = price
			return nil
		},
		requiredMsg("purchasingDate", f.PurchasingDate, "Purchasing date is missing!"),
		func() *FieldError {
			d, err := parseDate(strings.TrimSpace(f.PurchasingDate))
			if err != nil {
				return &FieldError{Field: "purchasingDate", Message: "Invalid purchasing date!"}
			}
			p.PurchasingDate = d
			return nil
		},
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}
