package transform

import "time"

// dateLayouts are tried in order. The list covers the serializations
// seen in clinical exports: ISO timestamps and dates, US slash dates
// and spelled-out forms.
var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"02-Jan-2006",
}

// shiftString re-serializes a shifted date in its original layout. A
// layout counts as the original only when formatting the parsed time
// reproduces the input exactly; otherwise the first parseable layout is
// used as a fallback. Returns false when the value is not a date.
func shiftString(s string, days int) (string, bool) {
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		if t.Format(layout) != s {
			continue
		}
		return t.AddDate(0, 0, days).Format(layout), true
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.AddDate(0, 0, days).Format(layout), true
		}
	}
	return "", false
}

// shiftValue shifts native time values in place and strings through
// their layout. Other types are not shiftable.
func shiftValue(v any, days int) (any, bool) {
	switch t := v.(type) {
	case time.Time:
		return t.AddDate(0, 0, days), true
	case string:
		if shifted, ok := shiftString(t, days); ok {
			return shifted, true
		}
		return nil, false
	default:
		return nil, false
	}
}
