package normalize

import (
	"fmt"
	"regexp"
	"strconv"
)

// descriptionScanLimit bounds how far into a description we look for a
// time. Real listings put the schedule in the first sentence or two;
// scanning further mostly finds phone numbers and street addresses.
const descriptionScanLimit = 500

var (
	// "6:00 pm", "6:00PM", "6:00 p.m.", "6:00 p. m."
	clockRe = regexp.MustCompile(`(?i)(\d{1,2}):(\d{2})\s*([ap])\.?\s*m\.?`)
	// "6pm", "6 p.m.", matched only after H:MM hits are blanked out, so
	// the minutes of "6:12pm" are never read as "12pm".
	bareHourRe = regexp.MustCompile(`(?i)\b(\d{1,2})\s*([ap])\.?\s*m\.?`)
)

// ExtractClockTime scans the head of a description for am/pm times and
// returns the numerically earliest one as "HH:MM" in 24-hour form. Listings
// usually read "doors open at 5:30 pm, show at 7 pm" and the earliest time
// is the actionable start.
//
// The boolean is false when no plausible time is found; the event is then
// treated as all-day/unscheduled. A found time deliberately overrides any
// all-day flag from the source, since feeds mark timed events all-day often
// enough that the prose is the more reliable signal.
func ExtractClockTime(description string) (string, bool) {
	text := truncateRunes(description, descriptionScanLimit)

	best := -1
	consider := func(minutes int) {
		if best == -1 || minutes < best {
			best = minutes
		}
	}

	for _, m := range clockRe.FindAllStringSubmatch(text, -1) {
		hour, _ := strconv.Atoi(m[1])
		minute, _ := strconv.Atoi(m[2])
		if !validHour(hour) || minute > 59 {
			continue
		}
		consider(to24h(hour, m[3])*60 + minute)
	}

	// Blank out H:MM matches before looking for bare hours.
	stripped := clockRe.ReplaceAllString(text, " ")
	for _, m := range bareHourRe.FindAllStringSubmatch(stripped, -1) {
		hour, _ := strconv.Atoi(m[1])
		if !validHour(hour) {
			// Spurious match, e.g. a day of month ("June 14 PM session").
			continue
		}
		consider(to24h(hour, m[2]) * 60)
	}

	if best == -1 {
		return "", false
	}
	return fmt.Sprintf("%02d:%02d", best/60, best%60), true
}

func validHour(h int) bool { return h >= 1 && h <= 12 }

func to24h(hour int, meridiem string) int {
	pm := meridiem == "p" || meridiem == "P"
	switch {
	case pm && hour != 12:
		return hour + 12
	case !pm && hour == 12:
		return 0
	default:
		return hour
	}
}

func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
