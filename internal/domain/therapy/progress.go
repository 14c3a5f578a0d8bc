package therapy

import "time"

// Progress returns round(100*completed/total) with halves rounded up, and 0
// for a cycle without stages.
func Progress(completed, total int) int {
	if total <= 0 {
		return 0
	}
	if completed < 0 {
		completed = 0
	}
	if completed > total {
		completed = total
	}
	return (200*completed + total) / (2 * total)
}

// AgeAt returns the number of whole years between birth and now, or nil when
// the birth date is unknown or in the future.
func AgeAt(birth *time.Time, now time.Time) *int {
	if birth == nil {
		return nil
	}
	b := birth.UTC()
	n := now.UTC()
	if n.Before(b) {
		return nil
	}
	age := n.Year() - b.Year()
	if n.Month() < b.Month() || (n.Month() == b.Month() && n.Day() < b.Day()) {
		age--
	}
	return &age
}
