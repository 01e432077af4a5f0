package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"wagate/internal/kv"
)

// ErrorStats is the rolling error picture for one campaign.
type ErrorStats struct {
	CampaignID        string           `json:"campaign_id"`
	TotalErrors       int64            `json:"total_errors"`
	ConsecutiveErrors int64            `json:"consecutive_errors"`
	ErrorsByCode      map[string]int64 `json:"errors_by_code"`
	LastError         string           `json:"last_error,omitempty"`
	LastErrorAt       time.Time        `json:"last_error_at,omitempty"`
}

type lastError struct {
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}

// Stats keeps ErrorStats in the shared store. The consecutive counter is its
// own key so a success can drop it in one call.
type Stats struct {
	store     kv.Store
	ttl       time.Duration
	threshold int64
	now       func() time.Time
}

// NewStats pauses at threshold consecutive errors; threshold <= 0 uses 10.
func NewStats(store kv.Store, threshold int, ttl time.Duration) *Stats {
	if threshold <= 0 {
		threshold = 10
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Stats{store: store, ttl: ttl, threshold: int64(threshold), now: time.Now}
}

func (s *Stats) SetClock(now func() time.Time) { s.now = now }

func statsKeys(campaignID string) (hash, consec, last string) {
	return kv.Key("errstats", campaignID), kv.Key("errstats", campaignID, "consecutive"), kv.Key("errstats", campaignID, "last")
}

// RecordError counts one failure and reports whether the campaign is at or past
// the auto-pause threshold. Every error past it reports true again, so a pause
// that failed to stick is retried.
func (s *Stats) RecordError(ctx context.Context, campaignID string, code Code, msg string) (ErrorStats, bool, error) {
	hashKey, consecKey, lastKey := statsKeys(campaignID)
	if _, err := s.store.HIncr(ctx, hashKey, "total", s.ttl); err != nil {
		return ErrorStats{}, false, fmt.Errorf("classify: record error: %w", err)
	}
	if _, err := s.store.HIncr(ctx, hashKey, "code:"+string(code), s.ttl); err != nil {
		return ErrorStats{}, false, fmt.Errorf("classify: record error: %w", err)
	}
	consec, err := s.store.Incr(ctx, consecKey, s.ttl)
	if err != nil {
		return ErrorStats{}, false, fmt.Errorf("classify: record error: %w", err)
	}
	b, _ := json.Marshal(lastError{Error: msg, At: s.now().UTC()})
	if err := s.store.Set(ctx, lastKey, b, s.ttl); err != nil {
		return ErrorStats{}, false, fmt.Errorf("classify: record error: %w", err)
	}
	st, err := s.Get(ctx, campaignID)
	if err != nil {
		return ErrorStats{}, false, err
	}
	st.ConsecutiveErrors = consec
	return st, consec >= s.threshold, nil
}

// RecordSuccess resets the consecutive counter.
func (s *Stats) RecordSuccess(ctx context.Context, campaignID string) error {
	_, consecKey, _ := statsKeys(campaignID)
	return s.store.Del(ctx, consecKey)
}

func (s *Stats) Get(ctx context.Context, campaignID string) (ErrorStats, error) {
	hashKey, consecKey, lastKey := statsKeys(campaignID)
	fields, err := s.store.HGetAll(ctx, hashKey)
	if err != nil {
		return ErrorStats{}, fmt.Errorf("classify: stats: %w", err)
	}
	st := ErrorStats{CampaignID: campaignID, ErrorsByCode: map[string]int64{}}
	for f, v := range fields {
		switch {
		case f == "total":
			st.TotalErrors = v
		case strings.HasPrefix(f, "code:"):
			st.ErrorsByCode[strings.TrimPrefix(f, "code:")] = v
		}
	}
	if st.ConsecutiveErrors, err = s.store.Counter(ctx, consecKey); err != nil {
		return ErrorStats{}, fmt.Errorf("classify: stats: %w", err)
	}
	if raw, ok, err := s.store.Get(ctx, lastKey); err == nil && ok {
		var le lastError
		if json.Unmarshal(raw, &le) == nil {
			st.LastError, st.LastErrorAt = le.Error, le.At
		}
	}
	return st, nil
}
