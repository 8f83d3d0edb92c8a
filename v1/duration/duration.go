package duration

import (
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	perisherrors "github.com/mirkobrombin/go-perish/v1/errors"
)

// Input lists the types accepted by Parse. Numbers are milliseconds, except
// time.Duration which is taken as is.
type Input interface {
	~string | ~int | ~int64 | ~float64
}

const (
	Day   = 24 * time.Hour
	Week  = 7 * Day
	Month = 4 * Week
	Year  = 12 * Month
)

var units = map[string]time.Duration{
	"y":     Year,
	"mth":   Month,
	"month": Month,
	"w":     Week,
	"d":     Day,
	"h":     time.Hour,
	"m":     time.Minute,
	"s":     time.Second,
	"ms":    time.Millisecond,
}

var (
	exprRe  = regexp.MustCompile(`^(-)?\s*((?:\d+[a-zA-Z]+\s*)+)$`)
	tokenRe = regexp.MustCompile(`(\d+)([a-zA-Z]+)`)
	plainRe = regexp.MustCompile(`^-?\d+$`)
)

// Parse converts v into a time.Duration.
//
// Strings are a sequence of <number><unit> tokens that are summed, e.g.
// "1h 30m" or "2m30s". Supported units are y, mth (or month), w, d, h, m, s
// and ms. A leading "-" negates the total. A string holding only an integer is
// read as milliseconds.
func Parse[D Input](v D) (time.Duration, error) {
	switch x := any(v).(type) {
	case time.Duration:
		return x, nil
	case string:
		return parseString(x)
	case int:
		return fromMillis(int64(x))
	case int64:
		return fromMillis(x)
	case float64:
		return fromFloatMillis(x)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return parseString(rv.String())
	case reflect.Int, reflect.Int64:
		return fromMillis(rv.Int())
	default:
		return fromFloatMillis(rv.Float())
	}
}

// MustParse is like Parse but panics if v cannot be parsed.
func MustParse[D Input](v D) time.Duration {
	d, err := Parse(v)
	if err != nil {
		panic(err)
	}
	return d
}

// maxMillis is the largest millisecond count a time.Duration can hold.
const maxMillis = int64(math.MaxInt64 / time.Millisecond)

func fromMillis(ms int64) (time.Duration, error) {
	if ms > maxMillis || ms < -maxMillis {
		return 0, fmt.Errorf("%w: %dms out of range", perisherrors.ErrInvalidDuration, ms)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func fromFloatMillis(ms float64) (time.Duration, error) {
	if math.IsNaN(ms) || math.IsInf(ms, 0) || math.Abs(ms) > float64(maxMillis) {
		return 0, fmt.Errorf("%w: %vms out of range", perisherrors.ErrInvalidDuration, ms)
	}
	return time.Duration(ms * float64(time.Millisecond)), nil
}

func parseString(s string) (time.Duration, error) {
	str := strings.TrimSpace(s)
	if plainRe.MatchString(str) {
		ms, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q: %v", perisherrors.ErrInvalidDuration, s, err)
		}
		d, err := fromMillis(ms)
		if err != nil {
			return 0, fmt.Errorf("%w: %q out of range", perisherrors.ErrInvalidDuration, s)
		}
		return d, nil
	}
	m := exprRe.FindStringSubmatch(str)
	if m == nil {
		return 0, fmt.Errorf("%w: %q must look like '24h' or '1h 30m'", perisherrors.ErrInvalidDuration, s)
	}
	var total time.Duration
	for _, tok := range tokenRe.FindAllStringSubmatch(m[2], -1) {
		unit, ok := units[tok[2]]
		if !ok {
			return 0, fmt.Errorf("%w: %q: unknown unit %q", perisherrors.ErrInvalidDuration, s, tok[2])
		}
		n, err := strconv.ParseInt(tok[1], 10, 64)
		if err != nil || n > int64(math.MaxInt64/unit) {
			return 0, fmt.Errorf("%w: %q: %s%s out of range", perisherrors.ErrInvalidDuration, s, tok[1], tok[2])
		}
		part := time.Duration(n) * unit
		if total > math.MaxInt64-part {
			return 0, fmt.Errorf("%w: %q out of range", perisherrors.ErrInvalidDuration, s)
		}
		total += part
	}
	if m[1] == "-" {
		total = -total
	}
	return total, nil
}

var formatOrder = []struct {
	name string
	size time.Duration
}{
	{"y", Year},
	{"mth", Month},
	{"w", Week},
	{"d", Day},
	{"h", time.Hour},
	{"m", time.Minute},
	{"s", time.Second},
	{"ms", time.Millisecond},
}

// Format renders d in the notation accepted by Parse, largest unit first.
// Precision below a millisecond is dropped.
func Format(d time.Duration) string {
	neg := d < 0
	if neg {
		d = -d
	}
	var parts []string
	for _, u := range formatOrder {
		if n := d / u.size; n > 0 {
			parts = append(parts, strconv.FormatInt(int64(n), 10)+u.name)
			d -= n * u.size
		}
	}
	if len(parts) == 0 {
		return "0ms"
	}
	out := strings.Join(parts, " ")
	if neg {
		out = "-" + out
	}
	return out
}
