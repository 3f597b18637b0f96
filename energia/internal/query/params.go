package query

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// MaxLimit caps ListParams.Limit.
const MaxLimit = 1000

// ListParams narrows a List call. Zero values mean "not set".
type ListParams struct {
	Limit   int               `json:"limit,omitempty"`
	Start   string            `json:"start,omitempty"`
	End     string            `json:"end,omitempty"`
	Filters map[string]string `json:"filters,omitempty"`
}

// ParseListParams reads limit, start and end from q; every other key is a
// filter candidate, validated later against the dataset.
func ParseListParams(q url.Values) (ListParams, error) {
	p := ListParams{Filters: map[string]string{}}
	for key, vals := range q {
		if len(vals) == 0 {
			continue
		}
		v := strings.TrimSpace(vals[0])
		switch key {
		case "limit":
			if v == "" {
				continue
			}
			n, err := strconv.Atoi(v)
			if err != nil {
				return ListParams{}, fmt.Errorf("%w: limit %q is not an integer", ErrInvalidInput, v)
			}
			p.Limit = n
			if n == 0 {
				return ListParams{}, fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidInput, MaxLimit)
			}
		case "start":
			p.Start = v
		case "end":
			p.End = v
		default:
			p.Filters[key] = v
		}
	}
	return p, nil
}

// dateOnly is the layout for bare dates.
const dateOnly = "2006-01-02"

var boundLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// parseBound parses a start or end bound. Values without a zone are read
// in loc. A date-only end covers the whole day.
func parseBound(s string, end bool, loc *time.Location) (time.Time, error) {
	if t, err := time.ParseInLocation(dateOnly, s, loc); err == nil {
		if end {
			return t.AddDate(0, 0, 1).Add(-time.Second), nil
		}
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range boundLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	name := "start"
	if end {
		name = "end"
	}
	return time.Time{}, fmt.Errorf("%w: %s %q is not a date (YYYY-MM-DD) or timestamp", ErrInvalidInput, name, s)
}
