package domain

import (
	"time"
)

// DateLayout is the wire format for analysis date-range bounds.
const DateLayout = "2006-01-02"

// DateRange is an inclusive analysis window. Either bound may be empty,
// meaning "not set". When both are present StartDate <= EndDate must hold;
// callers validate before storing.
type DateRange struct {
	StartDate string `json:"start_date,omitempty"`
	EndDate   string `json:"end_date,omitempty"`
}

// IsZero reports whether neither bound is set.
func (r DateRange) IsZero() bool {
	return r.StartDate == "" && r.EndDate == ""
}

// Complete reports whether both bounds are set.
func (r DateRange) Complete() bool {
	return r.StartDate != "" && r.EndDate != ""
}

// Valid reports whether the range is well-formed: bounds that are present
// parse as dates, and StartDate <= EndDate when both are present.
func (r DateRange) Valid() bool {
	var start, end time.Time
	var err error
	if r.StartDate != "" {
		if start, err = time.Parse(DateLayout, r.StartDate); err != nil {
			return false
		}
	}
	if r.EndDate != "" {
		if end, err = time.Parse(DateLayout, r.EndDate); err != nil {
			return false
		}
	}
	if r.Complete() && end.Before(start) {
		return false
	}
	return true
}

// DaysBetween returns the inclusive day count of the range: both endpoints
// count, so 2024-01-01..2024-01-10 is 10 days. Returns nil when either bound
// is missing or unparseable.
func DaysBetween(r DateRange) *int {
	if !r.Complete() {
		return nil
	}
	start, err := time.Parse(DateLayout, r.StartDate)
	if err != nil {
		return nil
	}
	end, err := time.Parse(DateLayout, r.EndDate)
	if err != nil {
		return nil
	}
	days := int(end.Sub(start).Hours()/24) + 1
	if days < 1 {
		return nil
	}
	return &days
}
