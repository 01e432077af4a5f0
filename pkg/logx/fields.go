package logx

import (
	"time"

	"github.com/rs/zerolog"
)

// Field mutates a zerolog event. Fields apply in order; a repeated key is
// written twice and the later value is the one most readers keep.
type Field func(e *zerolog.Event)

func String(k, v string) Field  { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field {
	return func(e *zerolog.Event) { e.Int64(k, v) }
}
func Uint64(k string, v uint64) Field {
	return func(e *zerolog.Event) { e.Uint64(k, v) }
}
func Bool(k string, v bool) Field { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Float64(k string, v float64) Field {
	return func(e *zerolog.Event) { e.Float64(k, v) }
}
func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}
func Time(k string, v time.Time) Field { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field        { return func(e *zerolog.Event) { e.Interface(k, v) } }

// Err is a no-op for a nil error.
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Phone logs a recipient number with the middle digits masked, so log files
// can be correlated without holding full numbers.
func Phone(k, v string) Field {
	return func(e *zerolog.Event) { e.Str(k, MaskPhone(v)) }
}

// Secret only records whether v is set.
func Secret(k, v string) Field {
	return func(e *zerolog.Event) { e.Bool(k+"_set", v != "") }
}

// MaskPhone keeps the leading four and trailing four characters of numbers
// long enough to hide anything, and masks short ones entirely.
func MaskPhone(v string) string {
	const keep = 4
	if len(v) <= 2*keep {
		if v == "" {
			return ""
		}
		return "***"
	}
	return v[:keep] + "***" + v[len(v)-keep:]
}
