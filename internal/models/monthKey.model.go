package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"opmsync/internal/types"
)

// MonthKey identifies one calendar month of published data.
type MonthKey struct {
	Year  int
	Month time.Month
}

func NewMonthKey(year int, month time.Month) MonthKey {
	return MonthKey{Year: year, Month: month}
}

func MonthKeyFromTime(t time.Time) MonthKey {
	return MonthKey{Year: t.Year(), Month: t.Month()}
}

// ParseMonthKey accepts YYYYMM, YYYY-MM and YYYY-MM-DD.
func ParseMonthKey(value string) (MonthKey, error) {
	trimmed := strings.TrimSpace(value)

	var yearPart, monthPart string
	switch {
	case len(trimmed) == 6 && !strings.Contains(trimmed, "-"):
		yearPart, monthPart = trimmed[:4], trimmed[4:]
	case len(trimmed) == 7 && trimmed[4] == '-':
		yearPart, monthPart = trimmed[:4], trimmed[5:]
	case len(trimmed) == 10 && trimmed[4] == '-' && trimmed[7] == '-':
		if _, err := time.Parse(time.DateOnly, trimmed); err != nil {
			return MonthKey{}, types.KindError(types.ErrConfiguration, "invalid date %q", value)
		}
		yearPart, monthPart = trimmed[:4], trimmed[5:7]
	default:
		return MonthKey{}, types.KindError(
			types.ErrConfiguration,
			"invalid month %q, expected YYYYMM, YYYY-MM or YYYY-MM-DD",
			value,
		)
	}

	if !allDigits(yearPart) || !allDigits(monthPart) {
		return MonthKey{}, types.KindError(types.ErrConfiguration, "invalid month %q, expected digits", value)
	}

	year, err := strconv.Atoi(yearPart)
	if err != nil || year < 1900 {
		return MonthKey{}, types.KindError(types.ErrConfiguration, "invalid year in %q", value)
	}
	month, err := strconv.Atoi(monthPart)
	if err != nil || month < 1 || month > 12 {
		return MonthKey{}, types.KindError(types.ErrConfiguration, "invalid month in %q", value)
	}

	return MonthKey{Year: year, Month: time.Month(month)}, nil
}

func allDigits(value string) bool {
	for i := 0; i < len(value); i++ {
		if value[i] < '0' || value[i] > '9' {
			return false
		}
	}
	return value != ""
}

// String returns the canonical YYYYMM form.
func (m MonthKey) String() string {
	return fmt.Sprintf("%04d%02d", m.Year, int(m.Month))
}

func (m MonthKey) IsZero() bool {
	return m.Year == 0 && m.Month == 0
}

func (m MonthKey) Compare(other MonthKey) int {
	switch {
	case m.Year != other.Year:
		if m.Year < other.Year {
			return -1
		}
		return 1
	case m.Month != other.Month:
		if m.Month < other.Month {
			return -1
		}
		return 1
	default:
		return 0
	}
}

func (m MonthKey) Before(other MonthKey) bool {
	return m.Compare(other) < 0
}

func (m MonthKey) Next() MonthKey {
	if m.Month == time.December {
		return MonthKey{Year: m.Year + 1, Month: time.January}
	}
	return MonthKey{Year: m.Year, Month: m.Month + 1}
}

// AddMonths moves n months forward (or backward when n is negative).
func (m MonthKey) AddMonths(n int) MonthKey {
	return MonthKeyFromTime(m.FirstDay().AddDate(0, n, 0))
}

func (m MonthKey) FirstDay() time.Time {
	return time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, time.UTC)
}

func (m MonthKey) LastDay() time.Time {
	return m.FirstDay().AddDate(0, 1, -1)
}

// MonthRange returns every month from start to end inclusive, in order.
// It is empty when start is after end.
func MonthRange(start, end MonthKey) []MonthKey {
	if end.Before(start) {
		return []MonthKey{}
	}

	var months []MonthKey
	for current := start; !end.Before(current); current = current.Next() {
		months = append(months, current)
	}
	return months
}

func (m MonthKey) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *MonthKey) UnmarshalText(text []byte) error {
	parsed, err := ParseMonthKey(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
