package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

type Config struct {
	Path string
	// BusyTimeout is how long a writer waits on a locked database; 0 means 5s.
	BusyTimeout time.Duration
}

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMs(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}
