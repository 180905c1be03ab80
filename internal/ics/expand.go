package ics

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"

	"towncal/internal/logging"
)

const defaultMaxOccurrencesPerEvent = 1000

// Occurrence is one concrete instance of an event after recurrence
// expansion.
type Occurrence struct {
	Source Source

	Summary     string
	Description string
	Location    string
	Category    string

	Start  time.Time
	End    time.Time
	AllDay bool
}

// ExpandConfig controls recurrence expansion.
type ExpandConfig struct {
	// RangeStart / RangeEnd bound the occurrences of interest (the
	// ingestion window).
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent caps runaway rules. Zero means the default.
	MaxOccurrencesPerEvent int
}

// Expand turns parsed VEVENTs into concrete occurrences within the window,
// handling RRULE recurrence, EXDATE exceptions, RECURRENCE-ID overrides,
// and all-day semantics. An unparseable RRULE drops that event only.
func Expand(events []ParsedEvent, cfg ExpandConfig) ([]Occurrence, error) {
	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return nil, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	baseByUID := make(map[string][]ParsedEvent)
	overridesByUID := make(map[string][]ParsedEvent)
	order := make([]string, 0, len(events))

	for _, ev := range events {
		if ev.IsOverride && ev.Recurrence != nil {
			overridesByUID[ev.UID] = append(overridesByUID[ev.UID], ev)
			continue
		}
		if _, seen := baseByUID[ev.UID]; !seen {
			order = append(order, ev.UID)
		}
		baseByUID[ev.UID] = append(baseByUID[ev.UID], ev)
	}

	out := make([]Occurrence, 0, len(events))
	for _, uid := range order {
		overrides := overridesByUID[uid]
		for _, ev := range baseByUID[uid] {
			if ev.RawRRule == "" {
				out = append(out, expandSingle(ev, overrides, cfg)...)
				continue
			}
			out = append(out, expandRecurring(ev, overrides, cfg)...)
		}
	}
	return out, nil
}

func expandSingle(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) []Occurrence {
	if !rangesOverlap(ev.Start, ev.End, cfg.RangeStart, cfg.RangeEnd) {
		return nil
	}

	start, end := ev.Start, ev.End
	if o, ok := overrideForStart(overrides, start); ok {
		start, end, ev = o.Start, o.End, o
	}
	return []Occurrence{makeOccurrence(ev, start, end)}
}

func expandRecurring(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) []Occurrence {
	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		logging.Warn().Err(err).Str("uid", ev.UID).Str("rrule", ev.RawRRule).
			Msg("expand: unparseable RRULE; dropping event")
		return nil
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	rangeStart := cfg.RangeStart.In(ev.Start.Location())
	rangeEnd := cfg.RangeEnd.In(ev.Start.Location())
	occTimes := set.Between(rangeStart, rangeEnd, true)
	if len(occTimes) > cfg.MaxOccurrencesPerEvent {
		logging.Warn().Str("uid", ev.UID).Int("cap", cfg.MaxOccurrencesPerEvent).
			Msg("expand: occurrence cap hit; truncating")
		occTimes = occTimes[:cfg.MaxOccurrencesPerEvent]
	}

	out := make([]Occurrence, 0, len(occTimes))
	for _, occStart := range occTimes {
		var occEnd time.Time
		if ev.AllDay {
			day := time.Date(occStart.Year(), occStart.Month(), occStart.Day(),
				0, 0, 0, 0, occStart.Location())
			occStart = day
			occEnd = day.Add(24 * time.Hour)
		} else {
			occEnd = occStart.Add(ev.End.Sub(ev.Start))
		}

		instEv, start, end := ev, occStart, occEnd
		if o, ok := overrideForStart(overrides, occStart); ok {
			instEv, start, end = o, o.Start, o.End
		}
		out = append(out, makeOccurrence(instEv, start, end))
	}
	return out
}

func overrideForStart(overrides []ParsedEvent, start time.Time) (ParsedEvent, bool) {
	for _, ov := range overrides {
		if ov.Recurrence == nil {
			continue
		}
		if ov.Recurrence.In(start.Location()).Equal(start) {
			return ov, true
		}
	}
	return ParsedEvent{}, false
}

func makeOccurrence(ev ParsedEvent, start, end time.Time) Occurrence {
	return Occurrence{
		Source:      ev.Source,
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		Category:    ev.Category,
		Start:       start,
		End:         end,
		AllDay:      ev.AllDay,
	}
}

func rangesOverlap(aStart, aEnd, bStart, bEnd time.Time) bool {
	if !aEnd.IsZero() && aEnd.Before(bStart) {
		return false
	}
	return !aStart.After(bEnd)
}
