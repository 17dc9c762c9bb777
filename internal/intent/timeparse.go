package intent

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	parenRe    = regexp.MustCompile(`\s*\(.*?\)\s*`)
	assumingRe = regexp.MustCompile(`\bassuming.*$`)
	numberRe   = regexp.MustCompile(`(\d+)`)
	clockRe    = regexp.MustCompile(`\b(\d{1,2}):(\d{2})\b`)
	ampmRes    = []*regexp.Regexp{
		regexp.MustCompile(`(\d{1,2}:\d{2})\s*([ap])\.?m`),
		regexp.MustCompile(`(\d{1,2})\s*([ap])\.?m`),
	}
	hourOnlyRe = regexp.MustCompile(`\b(\d{1,2})\b`)
)

// ParseTime resolves a spoken time expression against now. Absolute times
// that already passed today roll over to tomorrow, matching how people phrase
// reminders ("at 9" in the evening means tomorrow morning).
func ParseTime(now time.Time, raw string) (time.Time, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	// LLMs like to append explanations; strip the usual decorations.
	s = parenRe.ReplaceAllString(s, " ")
	s = strings.ReplaceAll(s, "today", "")
	s = assumingRe.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)

	if strings.Contains(s, "in ") || strings.HasPrefix(s, "in") {
		if strings.Contains(s, "minute") || strings.Contains(s, "min") {
			if m := numberRe.FindStringSubmatch(s); m != nil {
				n, _ := strconv.Atoi(m[1])
				return now.Add(time.Duration(n) * time.Minute), nil
			}
		}
		if strings.Contains(s, "hour") {
			if m := numberRe.FindStringSubmatch(s); m != nil {
				n, _ := strconv.Atoi(m[1])
				return now.Add(time.Duration(n) * time.Hour), nil
			}
		}
		if strings.Contains(s, "second") || strings.Contains(s, "sec") {
			if m := numberRe.FindStringSubmatch(s); m != nil {
				n, _ := strconv.Atoi(m[1])
				return now.Add(time.Duration(n) * time.Second), nil
			}
		}
	}

	// 12-hour with am/pm has to win over the bare HH:MM match.
	if strings.Contains(s, "am") || strings.Contains(s, "pm") ||
		strings.Contains(s, "a.m") || strings.Contains(s, "p.m") {
		for _, re := range ampmRes {
			m := re.FindStringSubmatch(s)
			if m == nil {
				continue
			}
			hour, minute := 0, 0
			if strings.Contains(m[1], ":") {
				parts := strings.SplitN(m[1], ":", 2)
				hour, _ = strconv.Atoi(parts[0])
				minute, _ = strconv.Atoi(parts[1])
			} else {
				hour, _ = strconv.Atoi(m[1])
			}
			if hour < 1 || hour > 12 || minute > 59 {
				continue
			}
			if m[2] == "p" && hour != 12 {
				hour += 12
			} else if m[2] == "a" && hour == 12 {
				hour = 0
			}
			return atClock(now, hour, minute), nil
		}
	}

	if m := clockRe.FindStringSubmatch(s); m != nil {
		hour, _ := strconv.Atoi(m[1])
		minute, _ := strconv.Atoi(m[2])
		if hour <= 23 && minute <= 59 {
			return atClock(now, hour, minute), nil
		}
	}

	if m := hourOnlyRe.FindStringSubmatch(s); m != nil {
		hour, _ := strconv.Atoi(m[1])
		if hour >= 1 && hour <= 24 {
			if hour == 24 {
				// 24:00 convention: midnight, which atClock rolls to
				// the next day.
				hour = 0
			}
			return atClock(now, hour, 0), nil
		}
	}

	return time.Time{}, fmt.Errorf("%w: unrecognized time %q", ErrParseFailure, raw)
}

func atClock(now time.Time, hour, minute int) time.Time {
	t := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !t.After(now) {
		t = t.AddDate(0, 0, 1)
	}
	return t
}
