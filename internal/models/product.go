package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ProductStatus is the lifecycle status of a local product
type ProductStatus string

const (
	ProductPending   ProductStatus = "pending"
	ProductValidated ProductStatus = "validated"
	ProductDeleted   ProductStatus = "deleted"
)

// Product is the local, normalized copy of a source catalog entry.
// Price is always in major currency units.
type Product struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	StoreMappingID uuid.UUID `gorm:"type:uuid;not null;index" json:"storeMappingId"`

	// Identity. SourceVariantID is empty for sources without variants.
	SourceSystem    string `gorm:"type:varchar(50);not null;uniqueIndex:idx_products_identity,priority:1" json:"sourceSystem"`
	SourceID        string `gorm:"type:varchar(255);not null;uniqueIndex:idx_products_identity,priority:2" json:"sourceId"`
	SourceVariantID string `gorm:"type:varchar(255);not null;default:'';uniqueIndex:idx_products_identity,priority:3" json:"sourceVariantId,omitempty"`
	SourceStoreID   string `gorm:"type:varchar(255);not null;uniqueIndex:idx_products_identity,priority:4" json:"sourceStoreId"`

	Title    string          `gorm:"type:varchar(500)" json:"title"`
	Barcode  string          `gorm:"type:varchar(255);index" json:"barcode,omitempty"`
	SKU      string          `gorm:"column:sku;type:varchar(255);index" json:"sku,omitempty"`
	Price    decimal.Decimal `gorm:"type:numeric(12,2)" json:"price"`
	Currency string          `gorm:"type:varchar(10)" json:"currency,omitempty"`
	ImageURL string          `gorm:"type:varchar(1000)" json:"imageUrl,omitempty"`
	Payload  JSONB           `json:"payload,omitempty"`

	ContentHash      string        `gorm:"type:varchar(64)" json:"-"`
	Status           ProductStatus `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	ValidationErrors string        `gorm:"type:text" json:"validationErrors,omitempty"`

	// PublishedCode is the code the label was last written under on the ESL side.
	// Only the sync worker sets it.
	PublishedCode string `gorm:"type:varchar(255)" json:"publishedCode,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName specifies the table name
func (Product) TableName() string {
	return "products"
}

func (p *Product) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// ESLCode is the product code the ESL vendor keys items by
func (p *Product) ESLCode() string {
	if p.Barcode != "" {
		return p.Barcode
	}
	if p.SKU != "" {
		return p.SKU
	}
	return p.SourceID
}

// ItemKey is the identifier the source POS uses for price writes
func (p *Product) ItemKey() string {
	if p.SourceVariantID != "" {
		return p.SourceVariantID
	}
	return p.SourceID
}

// ComputeContentHash fingerprints every synced attribute so unchanged payloads can be skipped
func (p *Product) ComputeContentHash() string {
	payload, _ := json.Marshal(p.Payload)
	doc := struct {
		Title    string `json:"t"`
		Barcode  string `json:"b"`
		SKU      string `json:"s"`
		Price    string `json:"p"`
		Currency string `json:"c"`
		ImageURL string `json:"i"`
		Payload  string `json:"x"`
	}{p.Title, p.Barcode, p.SKU, p.Price.StringFixed(2), p.Currency, p.ImageURL, string(payload)}
	raw, _ := json.Marshal(doc)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
