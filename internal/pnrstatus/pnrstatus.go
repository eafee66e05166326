// Package pnrstatus classifies free-text PNR status strings coming from the
// enquiry upstream. Statuses are not normalized there, so everything here works
// on raw text: independent keyword matches plus a waitlist-position extractor.
// The classifiers are not exclusive: one string may well match both the
// confirmed and chart-prepared sets.
package pnrstatus

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var confirmedKeywords = []string{"cnf", "confirm"}

var cancelledKeywords = []string{"cancel", "can/"}

var chartPreparedKeywords = []string{"chart prepared"}

// journeyCompleteKeywords mark a journey as finished for archiving purposes.
var journeyCompleteKeywords = []string{"chart prepared", "completed", "travelled", "traveled"}

func containsAny(s string, keywords []string) bool {
	low := strings.ToLower(s)
	for _, k := range keywords {
		if strings.Contains(low, k) {
			return true
		}
	}
	return false
}

func IsConfirmed(statusText string) bool {
	return containsAny(statusText, confirmedKeywords)
}

func IsCancelled(statusText string) bool {
	return containsAny(statusText, cancelledKeywords)
}

func IsChartPrepared(statusText string) bool {
	return containsAny(statusText, chartPreparedKeywords)
}

func IsJourneyComplete(statusText string) bool {
	return containsAny(statusText, journeyCompleteKeywords)
}

// waitlistRe matches "WL 5", "WL/5", "GNWL12", "W/L 45", "Waitlist 7" и т.п.
var waitlistRe = regexp.MustCompile(`(?i)(?:WAITLIST|W/L|WL)[\s/#.:-]*([0-9]+)`)

// WaitlistPosition extracts the numeric waitlist rank from a status string.
// No waitlist token or no trailing number means position 0.
func WaitlistPosition(statusText string) int {
	m := waitlistRe.FindStringSubmatch(statusText)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

// travelDateLayouts are tried in order. Upstream dates are free text and
// day-first; we never guess the locale beyond that.
var travelDateLayouts = []string{
	"02-01-2006",
	"02/01/2006",
	"02.01.2006",
	"2 Jan 2006",
}

var fallbackLayouts = []string{
	"2006-01-02",
	"2 January 2006",
	time.RFC3339,
}

// ParseTravelDate parses a free-text travel date. Returns false when no layout
// matches; callers must treat that as "date unknown", not as an error.
func ParseTravelDate(raw string) (time.Time, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, false
	}

	for _, layout := range travelDateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, true
		}
	}
	for _, layout := range fallbackLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, true
		}
	}

	// Дата может идти с хвостом ("25-12-2025 (Thu)") — пробуем первое слово.
	if fields := strings.Fields(s); len(fields) > 1 {
		for _, layout := range travelDateLayouts {
			if t, err := time.ParseInLocation(layout, fields[0], time.UTC); err == nil {
				return t, true
			}
		}
	}

	return time.Time{}, false
}
