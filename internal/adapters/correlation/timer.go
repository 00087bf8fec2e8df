package correlation

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/eleven-am/procflow/internal/domain"
)

var (
	isoDuration = regexp.MustCompile(`^P(?:(\d+)Y)?(?:(\d+)M)?(?:(\d+)W)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)
	isoCycle    = regexp.MustCompile(`^R(\d*)/(.+)$`)

	cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// Infinite marks a timer cycle without a repetition limit.
const Infinite = -1

// ParseDuration accepts ISO-8601 durations (P1DT2H, PT30S) and Go durations (90s).
// Years and months count as 365 and 30 days.
func ParseDuration(value string) (time.Duration, error) {
	v := strings.TrimSpace(value)
	m := isoDuration.FindStringSubmatch(v)
	if m == nil || v == "P" || v == "PT" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", value)
		}
		return d, nil
	}
	units := []time.Duration{365 * 24 * time.Hour, 30 * 24 * time.Hour, 7 * 24 * time.Hour, 24 * time.Hour, time.Hour, time.Minute}
	var total time.Duration
	for i, unit := range units {
		if m[i+1] == "" {
			continue
		}
		n, _ := strconv.Atoi(m[i+1])
		total += time.Duration(n) * unit
	}
	if m[7] != "" {
		secs, _ := strconv.ParseFloat(m[7], 64)
		total += time.Duration(secs * float64(time.Second))
	}
	return total, nil
}

// NextDue computes when a timer fires, counting from from. fired is the number of
// times a cycle has already fired. remaining is the count of further firings after
// this one, Infinite for unbounded cycles, and 0 for one-shot timers.
func NextDue(timerType domain.TimerType, value string, from time.Time, fired int) (due time.Time, remaining int, err error) {
	value = strings.TrimSpace(value)
	switch timerType {
	case domain.TimerDate:
		t, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return time.Time{}, 0, fmt.Errorf("invalid timer date %q: %w", value, err)
		}
		return t, 0, nil

	case domain.TimerDuration:
		d, err := ParseDuration(value)
		if err != nil {
			return time.Time{}, 0, err
		}
		return from.Add(d), 0, nil

	case domain.TimerCycle:
		if m := isoCycle.FindStringSubmatch(value); m != nil {
			return nextISOCycle(m, from, fired)
		}
		schedule, err := cronParser.Parse(value)
		if err != nil {
			return time.Time{}, 0, fmt.Errorf("invalid timer cycle %q: %w", value, err)
		}
		return schedule.Next(from), Infinite, nil

	default:
		return time.Time{}, 0, fmt.Errorf("unknown timer type %q", timerType)
	}
}

func nextISOCycle(m []string, from time.Time, fired int) (time.Time, int, error) {
	total := Infinite
	if m[1] != "" {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return time.Time{}, 0, fmt.Errorf("invalid cycle repetitions %q", m[1])
		}
		total = n
	}

	interval := m[2]
	start := from
	if before, after, ok := strings.Cut(m[2], "/"); ok {
		t, err := time.Parse(time.RFC3339, before)
		if err != nil {
			return time.Time{}, 0, fmt.Errorf("invalid cycle start %q: %w", before, err)
		}
		interval = after
		if fired == 0 && t.After(from) {
			start = t
		}
	}
	d, err := ParseDuration(interval)
	if err != nil {
		return time.Time{}, 0, err
	}

	remaining := Infinite
	if total != Infinite {
		remaining = total - fired - 1
		if remaining < 0 {
			return time.Time{}, 0, fmt.Errorf("cycle exhausted after %d repetitions", total)
		}
	}
	return start.Add(d), remaining, nil
}
