package pipeline

import "time"

// PostingPlan spreads deliveries across future days at fixed posting hours.
// Slot 0 lands tomorrow at the first posting hour; slots fill a day's hours
// before moving to the next day.
type PostingPlan struct {
	PostsPerDay int
	Hours       []int // UTC hours of day, in posting order
	SpreadDays  int
}

func (p PostingPlan) withDefaults() PostingPlan {
	if p.PostsPerDay <= 0 {
		p.PostsPerDay = 3
	}
	if len(p.Hours) == 0 {
		p.Hours = []int{9, 13, 18}
	}
	if p.SpreadDays <= 0 {
		p.SpreadDays = 7
	}
	return p
}

// Capacity is the number of deliveries the plan covers before times run
// past the spread horizon.
func (p PostingPlan) Capacity() int {
	return p.PostsPerDay * p.SpreadDays
}

// TimeFor returns the UTC delivery time for the slot-th post of a batch
// starting at now.
func (p PostingPlan) TimeFor(now time.Time, slot int) time.Time {
	if slot < 0 {
		slot = 0
	}
	dayOffset := slot / p.PostsPerDay
	hour := p.Hours[(slot%p.PostsPerDay)%len(p.Hours)]
	day := now.UTC().AddDate(0, 0, dayOffset+1)
	return time.Date(day.Year(), day.Month(), day.Day(), hour, 0, 0, 0, time.UTC)
}
