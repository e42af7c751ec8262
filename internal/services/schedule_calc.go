package services

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"esl-sync-service/internal/models"
)

// scheduleHorizonDays bounds the search for the next occurrence of a schedule
const scheduleHorizonDays = 400

const minutesPerDay = 24 * 60

// ErrInvalidSchedule is returned for schedules that can never trigger correctly
var ErrInvalidSchedule = errors.New("invalid schedule")

// occurrence is one concrete run of a time slot on a calendar day, in UTC
type occurrence struct {
	Slot  models.TimeSlot
	Start time.Time
	End   time.Time
}

type parsedSlot struct {
	slot           models.TimeSlot
	startH, startM int
	endH, endM     int
}

func (p parsedSlot) startMinute() int {
	return p.startH*60 + p.startM
}

// endMinute is relative to the start day, so overnight slots end past 24:00
func (p parsedSlot) endMinute() int {
	end := p.endH*60 + p.endM
	if p.overnight() {
		end += minutesPerDay
	}
	return end
}

func (p parsedSlot) overnight() bool {
	return p.endH*60+p.endM <= p.startMinute()
}

// scheduleCalendar expands a schedule's recurrence into occurrences in the store timezone
type scheduleCalendar struct {
	repeat    models.RepeatType
	loc       *time.Location
	slots     []parsedSlot
	startKey  int
	endKey    int
	hasStart  bool
	hasEnd    bool
	anchorKey int
	hasAnchor bool
	weekdays  map[time.Weekday]bool
	monthDays map[int]bool
}

func dateKey(year int, month time.Month, day int) int {
	return year*10000 + int(month)*100 + day
}

// calendarKey reads a stored calendar date. Dates are persisted as midnight UTC.
func calendarKey(t *time.Time) (int, bool) {
	if t == nil || t.IsZero() {
		return 0, false
	}
	return dateKey(t.UTC().Date()), true
}

func newScheduleCalendar(s *models.PriceAdjustmentSchedule, loc *time.Location) (*scheduleCalendar, error) {
	if len(s.TimeSlots) == 0 {
		return nil, fmt.Errorf("%w: no time slots", ErrInvalidSchedule)
	}

	c := &scheduleCalendar{repeat: s.RepeatType, loc: loc}
	if c.repeat == "" {
		c.repeat = models.RepeatNone
	}
	for _, slot := range s.TimeSlots {
		sh, sm, err := models.ParseClock(slot.Start)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		eh, em, err := models.ParseClock(slot.End)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		if sh == eh && sm == em {
			return nil, fmt.Errorf("%w: slot %s-%s is empty", ErrInvalidSchedule, slot.Start, slot.End)
		}
		c.slots = append(c.slots, parsedSlot{slot: slot, startH: sh, startM: sm, endH: eh, endM: em})
	}
	sort.SliceStable(c.slots, func(i, j int) bool {
		return c.slots[i].startMinute() < c.slots[j].startMinute()
	})
	for i := 1; i < len(c.slots); i++ {
		prev, cur := c.slots[i-1], c.slots[i]
		if cur.startMinute() < prev.endMinute() {
			return nil, fmt.Errorf("%w: slot %s-%s overlaps %s-%s", ErrInvalidSchedule,
				cur.slot.Start, cur.slot.End, prev.slot.Start, prev.slot.End)
		}
	}
	if n := len(c.slots); n > 1 {
		// An overnight last slot must end before the first slot of the next day starts
		last, first := c.slots[n-1], c.slots[0]
		if last.endMinute()-minutesPerDay > first.startMinute() {
			return nil, fmt.Errorf("%w: slot %s-%s overlaps %s-%s", ErrInvalidSchedule,
				last.slot.Start, last.slot.End, first.slot.Start, first.slot.End)
		}
	}

	c.startKey, c.hasStart = calendarKey(s.StartDate)
	c.endKey, c.hasEnd = calendarKey(s.EndDate)
	if c.hasStart && c.hasEnd && c.endKey < c.startKey {
		return nil, fmt.Errorf("%w: end date before start date", ErrInvalidSchedule)
	}

	// Weekday and day-of-month defaults come from the start date, or the creation day
	reference := s.CreatedAt.In(loc)
	if s.StartDate != nil && !s.StartDate.IsZero() {
		y, m, d := s.StartDate.UTC().Date()
		reference = time.Date(y, m, d, 0, 0, 0, 0, loc)
	}

	switch c.repeat {
	case models.RepeatNone:
		if c.hasStart {
			c.anchorKey, c.hasAnchor = c.startKey, true
		} else if s.LastTriggeredAt != nil && !s.LastTriggeredAt.IsZero() && s.CreatedAt.IsZero() {
			c.anchorKey, c.hasAnchor = dateKey(s.LastTriggeredAt.In(loc).Date()), true
		}
	case models.RepeatDaily, models.RepeatWeekly:
		c.weekdays = make(map[time.Weekday]bool)
		for _, d := range s.TriggerDays {
			if d < 0 || d > 6 {
				return nil, fmt.Errorf("%w: weekday %d out of range 0-6", ErrInvalidSchedule, d)
			}
			c.weekdays[time.Weekday(d)] = true
		}
		if c.repeat == models.RepeatWeekly && len(c.weekdays) == 0 {
			c.weekdays[reference.Weekday()] = true
		}
	case models.RepeatMonthly:
		c.monthDays = make(map[int]bool)
		for _, d := range s.TriggerDays {
			if d < 1 || d > 31 {
				return nil, fmt.Errorf("%w: day of month %d out of range 1-31", ErrInvalidSchedule, d)
			}
			c.monthDays[d] = true
		}
		if len(c.monthDays) == 0 {
			c.monthDays[reference.Day()] = true
		}
	default:
		return nil, fmt.Errorf("%w: unknown repeat type %q", ErrInvalidSchedule, s.RepeatType)
	}

	// A one-off without a start date runs on the day of the first slot still open at creation
	if c.repeat == models.RepeatNone && !c.hasAnchor && !s.CreatedAt.IsZero() {
		c.anchorKey = dateKey(reference.Date())
		if occ, ok := c.find(time.Time{}, s.CreatedAt.UTC()); ok {
			c.anchorKey = dateKey(occ.Start.In(loc).Date())
		}
		c.hasAnchor = true
	}
	return c, nil
}

// validDay reports whether slots run on the local calendar day starting at day
func (c *scheduleCalendar) validDay(day time.Time) bool {
	key := dateKey(day.Date())
	if c.hasStart && key < c.startKey {
		return false
	}
	if c.hasEnd && key > c.endKey {
		return false
	}

	switch c.repeat {
	case models.RepeatNone:
		return !c.hasAnchor || key == c.anchorKey
	case models.RepeatDaily:
		return len(c.weekdays) == 0 || c.weekdays[day.Weekday()]
	case models.RepeatWeekly:
		return c.weekdays[day.Weekday()]
	case models.RepeatMonthly:
		// Days missing from a month (e.g. the 31st) are skipped for that month
		return c.monthDays[day.Day()]
	}
	return false
}

// at resolves a slot on a local calendar day into UTC instants
func (c *scheduleCalendar) at(day time.Time, p parsedSlot) occurrence {
	y, m, d := day.Date()
	start := time.Date(y, m, d, p.startH, p.startM, 0, 0, c.loc)
	if p.overnight() {
		d++
	}
	end := time.Date(y, m, d, p.endH, p.endM, 0, 0, c.loc)
	return occurrence{Slot: p.slot, Start: start.UTC(), End: end.UTC()}
}

// find returns the earliest occurrence that starts at or after notBefore and ends after endAfter.
// A zero notBefore places no bound on the start.
func (c *scheduleCalendar) find(notBefore, endAfter time.Time) (*occurrence, bool) {
	// Slots last under a day, so nothing ending after endAfter started more than a day before it
	lower := endAfter.Add(-24 * time.Hour)
	if notBefore.After(lower) {
		lower = notBefore
	}
	local := lower.In(c.loc)
	first := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc).AddDate(0, 0, -1)

	for i := 0; i < scheduleHorizonDays; i++ {
		day := first.AddDate(0, 0, i)
		if c.hasEnd && dateKey(day.Date()) > c.endKey {
			return nil, false
		}
		if !c.validDay(day) {
			continue
		}
		for _, p := range c.slots {
			occ := c.at(day, p)
			if occ.Start.Before(notBefore) || !occ.End.After(endAfter) {
				continue
			}
			return &occ, true
		}
	}
	return nil, false
}
