// Package geo filters events to the configured service radius, modeled as
// an allow-list of 5-digit postal codes.
package geo

import (
	"regexp"

	"towncal/internal/model"
)

var zipRe = regexp.MustCompile(`\b(\d{5})(?:-\d{4})?\b`)

// Filter keeps events whose resolved postal code is in the allow-list.
type Filter struct {
	allowed map[string]struct{}
}

// Result summarizes a filtering pass.
type Result struct {
	Kept           []model.Event
	Dropped        int
	KeptUnresolved int // kept because no postal code could be resolved
}

// NewFilter builds a Filter from the allow-list. An empty list disables
// filtering entirely.
func NewFilter(allowedZips []string) *Filter {
	allowed := make(map[string]struct{}, len(allowedZips))
	for _, z := range allowedZips {
		allowed[z] = struct{}{}
	}
	return &Filter{allowed: allowed}
}

// Apply partitions the batch. Events with no resolvable postal code are
// kept: the allow-list models a service radius and in-radius sources often
// omit street addresses, so only an explicit out-of-area code drops an
// event.
func (f *Filter) Apply(events []model.Event) Result {
	if len(f.allowed) == 0 {
		return Result{Kept: events}
	}

	res := Result{Kept: make([]model.Event, 0, len(events))}
	for _, ev := range events {
		zips := resolveZips(ev)
		switch {
		case len(zips) == 0:
			res.KeptUnresolved++
			res.Kept = append(res.Kept, ev)
		case f.containsAny(zips):
			res.Kept = append(res.Kept, ev)
		default:
			res.Dropped++
		}
	}
	return res
}

// containsAny accepts the event if any candidate code is allowed. Addresses
// can carry a 5-digit street number ahead of the actual postal code, so a
// single first-match test would misread them.
func (f *Filter) containsAny(zips []string) bool {
	for _, z := range zips {
		if _, ok := f.allowed[z]; ok {
			return true
		}
	}
	return false
}

// resolveZips collects every 5-digit code in the address and location.
func resolveZips(ev model.Event) []string {
	var out []string
	for _, field := range []string{ev.Address, ev.Location} {
		for _, m := range zipRe.FindAllStringSubmatch(field, -1) {
			out = append(out, m[1])
		}
	}
	return out
}
