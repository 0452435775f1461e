// Package humanize renders measurements for people.
package humanize

import (
	"math"
	"strconv"
	"strings"
	"time"
)

type unit struct {
	suffix string
	size   time.Duration
}

// largest first
var units = []unit{
	{"d", 24 * time.Hour},
	{"h", time.Hour},
	{"m", time.Minute},
	{"s", time.Second},
}

// Duration formats d with at most two units ("1m30s", "2h", "450ms").
// Sub-second values are shown in whole milliseconds.
func Duration(d time.Duration) string {
	if d < 0 {
		return "-" + Duration(-d)
	}
	if d == 0 {
		return "0s"
	}
	if d < time.Second {
		return strconv.FormatInt(d.Milliseconds(), 10) + "ms"
	}

	var b strings.Builder
	rest := d
	parts := 0
	for _, u := range units {
		if rest < u.size {
			if parts > 0 {
				break
			}
			continue
		}
		b.WriteString(strconv.FormatInt(int64(rest/u.size), 10))
		b.WriteString(u.suffix)
		rest %= u.size
		parts++
		if parts == 2 || rest < time.Second {
			break
		}
	}
	return b.String()
}

// Millis formats a millisecond quantity such as an average field dwell time.
func Millis(ms float64) string {
	return Duration(time.Duration(math.Round(ms)) * time.Millisecond)
}
