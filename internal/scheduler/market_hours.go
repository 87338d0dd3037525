package scheduler

import (
	"time"

	"github.com/rs/zerolog"
)

// TradingWindow represents a single trading period within a day.
type TradingWindow struct {
	OpenHour    int
	OpenMinute  int
	CloseHour   int
	CloseMinute int
}

// twseHolidays2026 lists the 2026 Taiwan Stock Exchange market holidays, in
// Asia/Taipei local dates (Lunar New Year, Peace Memorial Day, Tomb Sweeping Day,
// Dragon Boat Festival, Mid-Autumn Festival, National Day).
func twseHolidays2026(loc *time.Location) []time.Time {
	return []time.Time{
		time.Date(2026, 1, 1, 0, 0, 0, 0, loc),
		time.Date(2026, 1, 29, 0, 0, 0, 0, loc),
		time.Date(2026, 1, 30, 0, 0, 0, 0, loc),
		time.Date(2026, 1, 31, 0, 0, 0, 0, loc),
		time.Date(2026, 2, 28, 0, 0, 0, 0, loc),
		time.Date(2026, 4, 4, 0, 0, 0, 0, loc),
		time.Date(2026, 6, 25, 0, 0, 0, 0, loc),
		time.Date(2026, 10, 1, 0, 0, 0, 0, loc),
		time.Date(2026, 10, 10, 0, 0, 0, 0, loc),
	}
}

// MarketHoursService answers whether the simulated TWSE session is open. The
// orchestrator trades a single market, so unlike the multi-exchange calendar this
// started from, there is exactly one calendar here: Asia/Taipei, a single morning
// trading window, and StrictHours always on (SPEC_FULL.md §4.4 — every trade, BUY
// or SELL, is gated on the market being open).
type MarketHoursService struct {
	loc      *time.Location
	window   TradingWindow
	holidays []time.Time
	log      zerolog.Logger
}

// NewMarketHoursService builds the TWSE market-hours calendar. Falls back to UTC if
// the Asia/Taipei tzdata entry cannot be loaded (e.g. a minimal container image).
func NewMarketHoursService(log zerolog.Logger) *MarketHoursService {
	loc, err := time.LoadLocation("Asia/Taipei")
	if err != nil {
		loc = time.UTC
	}

	s := &MarketHoursService{
		loc: loc,
		// Conservative core window: 10:00-12:00. The real TWSE also trades
		// 9:00-10:00 and has a short 13:00-13:30 after-lunch session; both are
		// omitted to avoid open/close edge cases in the simulation.
		window:   TradingWindow{OpenHour: 10, OpenMinute: 0, CloseHour: 12, CloseMinute: 0},
		holidays: twseHolidays2026(loc),
		log:      log.With().Str("component", "market_hours").Logger(),
	}

	s.log.Info().Str("timezone", loc.String()).Int("holidays", len(s.holidays)).Msg("TWSE market hours calendar initialized")
	return s
}

// IsOpen reports whether the TWSE is currently open for trading: a weekday, not a
// configured holiday, and within the morning trading window.
func (s *MarketHoursService) IsOpen(now time.Time) bool {
	local := now.In(s.loc)

	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return false
	}

	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc)
	for _, holiday := range s.holidays {
		if holiday.Equal(today) {
			return false
		}
	}

	minutes := local.Hour()*60 + local.Minute()
	open := s.window.OpenHour*60 + s.window.OpenMinute
	closeM := s.window.CloseHour*60 + s.window.CloseMinute
	return minutes >= open && minutes < closeM
}

// MarketStatus is the JSON shape the REST surface reports for the simulated market.
type MarketStatus struct {
	Exchange string `json:"exchange"`
	IsOpen   bool   `json:"is_open"`
	Timezone string `json:"timezone"`
}

// Status reports the current TWSE status, used by the system-status endpoint.
func (s *MarketHoursService) Status() MarketStatus {
	return MarketStatus{
		Exchange: "TWSE",
		IsOpen:   s.IsOpen(time.Now()),
		Timezone: s.loc.String(),
	}
}
