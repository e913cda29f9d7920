package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"
)

// Session is one market's regular trading window in its local timezone.
// Minutes are counted from midnight.
type Session struct {
	Timezone    string
	PreOpenMin  int
	OpenMin     int
	CloseMin    int
	TradingDays map[time.Weekday]bool
	Holidays    map[string]bool // "2006-01-02" in local time
}

// weekdays returns the standard Monday-Friday trading week.
func weekdays() map[time.Weekday]bool {
	return map[time.Weekday]bool{
		time.Monday:    true,
		time.Tuesday:   true,
		time.Wednesday: true,
		time.Thursday:  true,
		time.Friday:    true,
	}
}

// DefaultSessions covers the markets the service ships with. Callers can
// register more via Schedule.AddSession.
func DefaultSessions() map[string]Session {
	return map[string]Session{
		"XNYS": {Timezone: "America/New_York", PreOpenMin: 4 * 60, OpenMin: 9*60 + 30, CloseMin: 16 * 60, TradingDays: weekdays()},
		"XNAS": {Timezone: "America/New_York", PreOpenMin: 4 * 60, OpenMin: 9*60 + 30, CloseMin: 16 * 60, TradingDays: weekdays()},
		"XHKG": {Timezone: "Asia/Hong_Kong", PreOpenMin: 9 * 60, OpenMin: 9*60 + 30, CloseMin: 16 * 60, TradingDays: weekdays()},
		"XSHG": {Timezone: "Asia/Shanghai", PreOpenMin: 9*60 + 15, OpenMin: 9*60 + 30, CloseMin: 15 * 60, TradingDays: weekdays()},
		"XLON": {Timezone: "Europe/London", PreOpenMin: 7 * 60, OpenMin: 8 * 60, CloseMin: 16*60 + 30, TradingDays: weekdays()},
	}
}

// Schedule computes market status from session tables. Results are memoized
// in an expirable LRU so a status is never served longer than the configured
// near-real-time TTL.
type Schedule struct {
	mu       sync.RWMutex
	sessions map[string]Session
	memo     *expirable.LRU[string, *Status]
	now      func() time.Time
}

// NewSchedule builds a schedule-backed provider. memoTTL bounds how long a
// computed status may be reused; size bounds the number of memoized markets.
func NewSchedule(sessions map[string]Session, size int, memoTTL time.Duration) *Schedule {
	if sessions == nil {
		sessions = DefaultSessions()
	}
	if size <= 0 {
		size = 64
	}
	return &Schedule{
		sessions: sessions,
		memo:     expirable.NewLRU[string, *Status](size, nil, memoTTL),
		now:      time.Now,
	}
}

// AddSession registers or replaces a market session table.
func (s *Schedule) AddSession(code string, session Session) {
	s.mu.Lock()
	s.sessions[code] = session
	s.mu.Unlock()
	s.memo.Remove(code)
}

// GetMarketStatus implements Provider.
func (s *Schedule) GetMarketStatus(_ context.Context, marketCode string) (*Status, error) {
	if st, ok := s.memo.Get(marketCode); ok {
		return st, nil
	}

	s.mu.RLock()
	session, ok := s.sessions[marketCode]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown market code %q", marketCode)
	}

	st, err := s.compute(session)
	if err != nil {
		return nil, err
	}
	s.memo.Add(marketCode, st)

	log.Debug().
		Str("market", marketCode).
		Str("status", string(st.Status)).
		Bool("open", st.IsOpen).
		Msg("Market status computed")
	return st, nil
}

func (s *Schedule) compute(session Session) (*Status, error) {
	loc, err := time.LoadLocation(session.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", session.Timezone, err)
	}

	now := s.now().In(loc)
	minute := now.Hour()*60 + now.Minute()

	if session.Holidays[now.Format("2006-01-02")] {
		next := s.nextSessionStart(session, loc, now)
		return &Status{
			Status:          StatusHoliday,
			IsOpen:          false,
			IsHoliday:       true,
			Timezone:        session.Timezone,
			NextStateChange: next,
		}, nil
	}

	if !session.TradingDays[now.Weekday()] {
		next := s.nextSessionStart(session, loc, now)
		return &Status{
			Status:          StatusClosed,
			IsOpen:          false,
			Timezone:        session.Timezone,
			NextStateChange: next,
		}, nil
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)

	switch {
	case minute >= session.OpenMin && minute < session.CloseMin:
		next := midnight.Add(time.Duration(session.CloseMin) * time.Minute)
		return &Status{
			Status:          StatusTrading,
			IsOpen:          true,
			Timezone:        session.Timezone,
			NextStateChange: &next,
		}, nil
	case minute >= session.PreOpenMin && minute < session.OpenMin:
		next := midnight.Add(time.Duration(session.OpenMin) * time.Minute)
		return &Status{
			Status:          StatusPreMarket,
			IsOpen:          false,
			Timezone:        session.Timezone,
			NextStateChange: &next,
		}, nil
	default:
		next := s.nextSessionStart(session, loc, now)
		return &Status{
			Status:          StatusClosed,
			IsOpen:          false,
			Timezone:        session.Timezone,
			NextStateChange: next,
		}, nil
	}
}

// nextSessionStart walks forward to the next trading day's pre-open.
func (s *Schedule) nextSessionStart(session Session, loc *time.Location, from time.Time) *time.Time {
	day := from
	for i := 0; i < 14; i++ {
		sameDay := i == 0
		if !sameDay {
			day = day.AddDate(0, 0, 1)
		}
		if !session.TradingDays[day.Weekday()] || session.Holidays[day.Format("2006-01-02")] {
			continue
		}
		start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc).
			Add(time.Duration(session.PreOpenMin) * time.Minute)
		if start.After(from) {
			return &start
		}
	}
	return nil
}
