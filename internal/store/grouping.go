package store

import (
	"time"

	"spacechat/internal/models"
)

// DayGroup is the messages of one calendar day
type DayGroup struct {
	Day      time.Time        `json:"day"`
	Label    string           `json:"label"`
	Messages []models.Message `json:"messages"`
}

// GroupByDay splits an ordered list into calendar days in loc. It does not
// modify or reorder its input.
func GroupByDay(messages []models.Message, loc *time.Location) []DayGroup {
	if loc == nil {
		loc = time.UTC
	}
	var groups []DayGroup
	for _, m := range messages {
		t := m.CreatedAt.In(loc)
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
		if n := len(groups); n == 0 || !groups[n-1].Day.Equal(day) {
			groups = append(groups, DayGroup{Day: day, Label: day.Format("2006-01-02")})
		}
		last := &groups[len(groups)-1]
		last.Messages = append(last.Messages, m)
	}
	return groups
}
