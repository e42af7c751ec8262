package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// Metadata keys stored on a StoreMapping
const (
	MetaAccessToken           = "access_token"
	MetaRefreshToken          = "refresh_token"
	MetaTokenExpiresAt        = "token_expires_at"
	MetaRefreshTokenExpiresAt = "refresh_token_expires_at"
	MetaTimezone              = "timezone"
	MetaPollCursor            = "poll_cursor"
	MetaPollCount             = "poll_count"
	MetaLastGhostCleanupAt    = "last_ghost_cleanup_at"
	MetaDefaultCategory       = "default_category"
)

// JSONB custom type for PostgreSQL JSONB
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = make(map[string]interface{})
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("unsupported JSONB source type %T", value)
	}
	if len(bytes) == 0 {
		*j = make(map[string]interface{})
		return nil
	}
	return json.Unmarshal(bytes, j)
}

// GormDBDataType picks the column type per dialect
func (JSONB) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	if db.Dialector.Name() == "postgres" {
		return "JSONB"
	}
	return "JSON"
}

// Clone returns a shallow copy that can be mutated safely
func (j JSONB) Clone() JSONB {
	out := make(JSONB, len(j))
	for k, v := range j {
		out[k] = v
	}
	return out
}

// String returns the string value for key
func (j JSONB) String(key string) string {
	if v, ok := j[key].(string); ok {
		return v
	}
	return ""
}

// Int returns the integer value for key, tolerating JSON number decoding
func (j JSONB) Int(key string) int {
	switch v := j[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

// Time returns the RFC3339 timestamp stored under key, or the zero time
func (j JSONB) Time(key string) time.Time {
	raw := j.String(key)
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// SetTime stores t as RFC3339, or removes the key for a zero time
func (j JSONB) SetTime(key string, t time.Time) {
	if t.IsZero() {
		delete(j, key)
		return
	}
	j[key] = t.UTC().Format(time.RFC3339Nano)
}

// StoreMapping maps a source tenant onto an ESL store
type StoreMapping struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	SourceSystem  string    `gorm:"type:varchar(50);not null;uniqueIndex:idx_store_mappings_source_store,priority:1" json:"sourceSystem"`
	SourceStoreID string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_store_mappings_source_store,priority:2" json:"sourceStoreId"`
	ESLStoreCode  string    `gorm:"column:esl_store_code;type:varchar(255);not null" json:"eslStoreCode"`
	IsActive      bool      `gorm:"not null;default:true;index" json:"isActive"`

	// Tokens, expiry, timezone, poll cursor and counters
	Metadata JSONB `json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName specifies the table name
func (StoreMapping) TableName() string {
	return "store_mappings"
}

func (m *StoreMapping) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Metadata == nil {
		m.Metadata = JSONB{}
	}
	return nil
}

// TenantKey identifies the tenant in logs and lock names
func (m *StoreMapping) TenantKey() string {
	return m.SourceSystem + ":" + m.SourceStoreID
}

// Timezone returns the store timezone name, or fallback when unset
func (m *StoreMapping) Timezone(fallback string) string {
	if tz := m.Metadata.String(MetaTimezone); tz != "" {
		return tz
	}
	return fallback
}

// Location resolves the store timezone
func (m *StoreMapping) Location(fallback string) (*time.Location, error) {
	name := m.Timezone(fallback)
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q for %s: %w", name, m.TenantKey(), err)
	}
	return loc, nil
}

// PollCursor returns the incremental polling cursor
func (m *StoreMapping) PollCursor() time.Time {
	return m.Metadata.Time(MetaPollCursor)
}

// PollCount returns how many polls have completed
func (m *StoreMapping) PollCount() int {
	return m.Metadata.Int(MetaPollCount)
}

// LastGhostCleanupAt returns when the last full ghost sweep ran
func (m *StoreMapping) LastGhostCleanupAt() time.Time {
	return m.Metadata.Time(MetaLastGhostCleanupAt)
}

// Credentials is the OAuth credential set held in StoreMapping.metadata
type Credentials struct {
	AccessToken      string
	RefreshToken     string
	ExpiresAt        time.Time
	RefreshExpiresAt time.Time
}

// HasRefreshToken reports whether the credentials can be renewed
func (c *Credentials) HasRefreshToken() bool {
	return c != nil && c.RefreshToken != ""
}
