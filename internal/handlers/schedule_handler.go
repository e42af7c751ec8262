package handlers

import (
	"net/http"
	"time"

	"esl-sync-service/internal/models"
	"esl-sync-service/internal/repository"
	"esl-sync-service/internal/services"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const dateLayout = "2006-01-02"

// ScheduleHandler manages price adjustment schedules
type ScheduleHandler struct {
	scheduler   *services.PriceScheduler
	mappingRepo *repository.StoreMappingRepository
}

// NewScheduleHandler creates a new schedule handler
func NewScheduleHandler(scheduler *services.PriceScheduler, mappingRepo *repository.StoreMappingRepository) *ScheduleHandler {
	return &ScheduleHandler{
		scheduler:   scheduler,
		mappingRepo: mappingRepo,
	}
}

// CreateScheduleRequest is the body of a schedule creation.
// Dates are store-local calendar dates (YYYY-MM-DD).
type CreateScheduleRequest struct {
	Name        string                `json:"name"`
	Items       []models.ScheduleItem `json:"items" binding:"required,min=1"`
	TimeSlots   []models.TimeSlot     `json:"timeSlots" binding:"required,min=1"`
	RepeatType  models.RepeatType     `json:"repeatType"`
	TriggerDays []int                 `json:"triggerDays"`
	StartDate   string                `json:"startDate"`
	EndDate     string                `json:"endDate"`
}

func parseDate(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	d, err := time.Parse(dateLayout, value)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Create serves POST /api/v1/stores/:source/:storeId/schedules
func (h *ScheduleHandler) Create(c *gin.Context) {
	var req CreateScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	startDate, err := parseDate(req.StartDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid startDate"})
		return
	}
	endDate, err := parseDate(req.EndDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid endDate"})
		return
	}

	mapping, err := h.mappingRepo.GetBySourceStore(c.Request.Context(), c.Param("source"), c.Param("storeId"))
	if err != nil {
		respondError(c, err)
		return
	}

	repeat := req.RepeatType
	if repeat == "" {
		repeat = models.RepeatNone
	}
	schedule := &models.PriceAdjustmentSchedule{
		StoreMappingID: mapping.ID,
		Name:           req.Name,
		Items:          datatypes.JSONSlice[models.ScheduleItem](req.Items),
		TimeSlots:      datatypes.JSONSlice[models.TimeSlot](req.TimeSlots),
		RepeatType:     repeat,
		TriggerDays:    datatypes.JSONSlice[int](req.TriggerDays),
		StartDate:      startDate,
		EndDate:        endDate,
	}
	if err := h.scheduler.Create(c.Request.Context(), schedule, time.Now().UTC()); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": schedule})
}

// Get returns a single schedule
func (h *ScheduleHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	schedule, err := h.scheduler.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": schedule})
}

// Deactivate stops a schedule
func (h *ScheduleHandler) Deactivate(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	if err := h.scheduler.Deactivate(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "schedule deactivated"})
}
