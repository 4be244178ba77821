package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs billing daily at 09:00 UTC
const DefaultSchedule = "cron(0 9 * * ? *)"

var standardParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a trigger expression. It accepts EventBridge
// cron(...) and rate(...) expressions as well as standard 5-field cron and
// descriptors such as @daily. Times are interpreted in UTC.
func ParseSchedule(expr string) (cron.Schedule, error) {
	spec, err := NormalizeSchedule(expr)
	if err != nil {
		return nil, err
	}
	sched, err := standardParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return sched, nil
}

// NormalizeSchedule converts expr to the 5-field form understood by
// robfig/cron, prefixed with CRON_TZ=UTC.
func NormalizeSchedule(expr string) (string, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		expr = DefaultSchedule
	}

	switch {
	case strings.HasPrefix(expr, "cron(") && strings.HasSuffix(expr, ")"):
		spec, err := fromEventBridgeCron(expr[len("cron(") : len(expr)-1])
		if err != nil {
			return "", fmt.Errorf("invalid schedule %q: %w", expr, err)
		}
		return "CRON_TZ=UTC " + spec, nil
	case strings.HasPrefix(expr, "rate(") && strings.HasSuffix(expr, ")"):
		every, err := fromRate(expr[len("rate(") : len(expr)-1])
		if err != nil {
			return "", fmt.Errorf("invalid schedule %q: %w", expr, err)
		}
		return "@every " + every.String(), nil
	case strings.HasPrefix(expr, "@"):
		return expr, nil
	case strings.HasPrefix(expr, "CRON_TZ=") || strings.HasPrefix(expr, "TZ="):
		return expr, nil
	default:
		return "CRON_TZ=UTC " + expr, nil
	}
}

// fromEventBridgeCron maps "min hour dom month dow year" to 5 fields.
// EventBridge numbers weekdays 1-7 from Sunday and uses ? for "any".
func fromEventBridgeCron(body string) (string, error) {
	fields := strings.Fields(body)
	if len(fields) != 6 {
		return "", fmt.Errorf("expected 6 fields, got %d", len(fields))
	}
	if fields[5] != "*" && fields[5] != "?" {
		return "", fmt.Errorf("year field must be * (got %s)", fields[5])
	}
	for i, f := range fields[:5] {
		if unsupportedField(f) {
			return "", fmt.Errorf("unsupported field %q", f)
		}
		if f == "?" {
			fields[i] = "*"
		}
	}

	dow, err := shiftWeekdays(fields[4])
	if err != nil {
		return "", err
	}
	fields[4] = dow
	return strings.Join(fields[:5], " "), nil
}

// unsupportedField reports the L, W and # extensions, which robfig/cron
// does not implement
func unsupportedField(f string) bool {
	if strings.Contains(f, "#") {
		return true
	}
	for _, part := range strings.FieldsFunc(strings.ToUpper(f), func(r rune) bool { return r == ',' || r == '-' || r == '/' }) {
		if part == "L" || part == "LW" {
			return true
		}
		last := part[len(part)-1]
		if len(part) > 1 && (last == 'L' || last == 'W') {
			if _, err := strconv.Atoi(part[:len(part)-1]); err == nil {
				return true
			}
		}
	}
	return false
}

// shiftWeekdays converts 1-7 weekday numbers to 0-6, leaving names and
// step values alone.
func shiftWeekdays(field string) (string, error) {
	if field == "*" {
		return field, nil
	}
	items := strings.Split(field, ",")
	for i, item := range items {
		base, step, hasStep := strings.Cut(item, "/")
		bounds := strings.Split(base, "-")
		for j, b := range bounds {
			if b == "*" {
				continue
			}
			n, err := strconv.Atoi(b)
			if err != nil {
				continue
			}
			if n < 1 || n > 7 {
				return "", fmt.Errorf("day of week %d out of range 1-7", n)
			}
			bounds[j] = strconv.Itoa(n - 1)
		}
		items[i] = strings.Join(bounds, "-")
		if hasStep {
			items[i] += "/" + step
		}
	}
	return strings.Join(items, ","), nil
}

func fromRate(body string) (time.Duration, error) {
	value, unit, ok := strings.Cut(strings.TrimSpace(body), " ")
	if !ok {
		return 0, fmt.Errorf("expected \"<value> <unit>\"")
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("rate value must be a positive integer")
	}
	switch strings.TrimSuffix(strings.TrimSpace(unit), "s") {
	case "minute":
		return time.Duration(n) * time.Minute, nil
	case "hour":
		return time.Duration(n) * time.Hour, nil
	case "day":
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown rate unit %q", unit)
	}
}
