package operations

import (
	"fmt"
	"strconv"
	"time"

	dErrors "sire/pkg/domain-errors"
)

// MinPeriodYear is the first year the electronic registries accept.
const MinPeriodYear = 2018

type rule func(params map[string]string, now time.Time) error

func chain(rules ...rule) Validator {
	return func(params map[string]string, now time.Time) (map[string]string, error) {
		out := copyParams(params)
		for _, r := range rules {
			if err := r(out, now); err != nil {
				return nil, err
			}
		}
		return out, nil
	}
}

func invalid(format string, args ...any) error {
	return dErrors.New(dErrors.CodeInvalidParameters, fmt.Sprintf(format, args...))
}

// ParsePeriod validates a YYYYMM period that is not in the future relative to now.
func ParsePeriod(value string, now time.Time) (year int, month time.Month, err error) {
	if len(value) != 6 || !isDigits(value) {
		return 0, 0, invalid("period %q must have format YYYYMM", value)
	}
	year, _ = strconv.Atoi(value[:4])
	m, _ := strconv.Atoi(value[4:])
	if m < 1 || m > 12 {
		return 0, 0, invalid("period %q has invalid month %d", value, m)
	}
	if year < MinPeriodYear {
		return 0, 0, invalid("period %q is before %d", value, MinPeriodYear)
	}
	month = time.Month(m)
	if year > now.Year() || (year == now.Year() && month > now.Month()) {
		return 0, 0, invalid("period %q is in the future", value)
	}
	return year, month, nil
}

func requirePeriod(key string) rule {
	return func(params map[string]string, now time.Time) error {
		_, _, err := ParsePeriod(params[key], now)
		return err
	}
}

// fileType defaults to "0" (txt); "1" selects a spreadsheet.
func fileType(params map[string]string, _ time.Time) error {
	switch params["fileType"] {
	case "":
		params["fileType"] = "0"
	case "0", "1":
	default:
		return invalid("fileType %q must be 0 (txt) or 1 (xlsx)", params["fileType"])
	}
	return nil
}

func requireText(key string) rule {
	return func(params map[string]string, _ time.Time) error {
		if params[key] == "" {
			return invalid("%s is required", key)
		}
		return nil
	}
}

func requireDigits(key string) rule {
	return func(params map[string]string, _ time.Time) error {
		v := params[key]
		if v == "" || !isDigits(v) {
			return invalid("%s must be numeric", key)
		}
		return nil
	}
}

func intRange(key string, lo, hi int) rule {
	return func(params map[string]string, _ time.Time) error {
		n, err := strconv.Atoi(params[key])
		if err != nil || n < lo || n > hi {
			return invalid("%s must be between %d and %d", key, lo, hi)
		}
		params[key] = strconv.Itoa(n)
		return nil
	}
}

func periodRange(fromKey, toKey string, maxMonths int) rule {
	return func(params map[string]string, now time.Time) error {
		fy, fm, err := ParsePeriod(params[fromKey], now)
		if err != nil {
			return err
		}
		ty, tm, err := ParsePeriod(params[toKey], now)
		if err != nil {
			return err
		}
		span := (ty-fy)*12 + int(tm) - int(fm)
		if span < 0 {
			return invalid("%s must not be after %s", fromKey, toKey)
		}
		if span >= maxMonths {
			return invalid("period range spans more than %d months", maxMonths)
		}
		return nil
	}
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
