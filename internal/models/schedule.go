package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RepeatType controls how a price schedule recurs
type RepeatType string

const (
	RepeatNone    RepeatType = "none"
	RepeatDaily   RepeatType = "daily"
	RepeatWeekly  RepeatType = "weekly"
	RepeatMonthly RepeatType = "monthly"
)

// TriggerType records which slot boundary was processed last
type TriggerType string

const (
	TriggerStart TriggerType = "start"
	TriggerEnd   TriggerType = "end"
)

// ScheduleItem is one product price change within a schedule
type ScheduleItem struct {
	ProductCode   string          `json:"productCode"`
	PromoPrice    decimal.Decimal `json:"promoPrice"`
	OriginalPrice decimal.Decimal `json:"originalPrice"`
}

// TimeSlot is a store-local HH:MM window
type TimeSlot struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// ParseClock parses HH:MM into hours and minutes
func ParseClock(value string) (int, int, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time of day %q: %w", value, err)
	}
	return t.Hour(), t.Minute(), nil
}

// PriceAdjustmentSchedule applies promotional prices during store-local time slots.
// NextTriggerAt is the next pending boundary in UTC, or nil once exhausted.
type PriceAdjustmentSchedule struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	StoreMappingID uuid.UUID `gorm:"type:uuid;not null;index" json:"storeMappingId"`
	Name           string    `gorm:"type:varchar(255)" json:"name"`

	Items       datatypes.JSONSlice[ScheduleItem] `json:"items"`
	TimeSlots   datatypes.JSONSlice[TimeSlot]     `json:"timeSlots"`
	RepeatType  RepeatType                        `gorm:"type:varchar(20);not null;default:'none'" json:"repeatType"`
	TriggerDays datatypes.JSONSlice[int]          `json:"triggerDays,omitempty"`

	// Store-local calendar dates
	StartDate *time.Time `json:"startDate,omitempty"`
	EndDate   *time.Time `json:"endDate,omitempty"`

	IsActive        bool        `gorm:"not null;default:true;index:idx_price_schedules_due,priority:1" json:"isActive"`
	LastTriggeredAt *time.Time  `json:"lastTriggeredAt,omitempty"`
	LastTriggerType TriggerType `gorm:"type:varchar(10)" json:"lastTriggerType,omitempty"`
	NextTriggerAt   *time.Time  `gorm:"index:idx_price_schedules_due,priority:2" json:"nextTriggerAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName specifies the table name
func (PriceAdjustmentSchedule) TableName() string {
	return "price_adjustment_schedules"
}

func (s *PriceAdjustmentSchedule) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}
