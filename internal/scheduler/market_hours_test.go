package scheduler

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func taipei(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Taipei")
	require.NoError(t, err)
	return loc
}

func TestIsOpenWithinMorningWindow(t *testing.T) {
	loc := taipei(t)
	svc := NewMarketHoursService(zerolog.Nop())

	// Monday 2026-02-02, 10:30 — inside the 10:00-12:00 window, no holiday.
	open := time.Date(2026, 2, 2, 10, 30, 0, 0, loc)
	assert.True(t, svc.IsOpen(open))
}

func TestIsOpenOutsideWindowIsClosed(t *testing.T) {
	loc := taipei(t)
	svc := NewMarketHoursService(zerolog.Nop())

	before := time.Date(2026, 2, 2, 9, 0, 0, 0, loc)
	after := time.Date(2026, 2, 2, 13, 0, 0, 0, loc)
	assert.False(t, svc.IsOpen(before))
	assert.False(t, svc.IsOpen(after))
}

func TestIsOpenWeekendIsClosed(t *testing.T) {
	loc := taipei(t)
	svc := NewMarketHoursService(zerolog.Nop())

	// 2026-02-07 is a Saturday.
	saturday := time.Date(2026, 2, 7, 10, 30, 0, 0, loc)
	assert.False(t, svc.IsOpen(saturday))
}

func TestIsOpenHolidayIsClosed(t *testing.T) {
	loc := taipei(t)
	svc := NewMarketHoursService(zerolog.Nop())

	// 2026-10-01 is a Thursday listed in the holiday table.
	holiday := time.Date(2026, 10, 1, 10, 30, 0, 0, loc)
	assert.False(t, svc.IsOpen(holiday))
}

func TestStatusReportsExchangeAndTimezone(t *testing.T) {
	svc := NewMarketHoursService(zerolog.Nop())
	status := svc.Status()
	assert.Equal(t, "TWSE", status.Exchange)
	assert.Equal(t, "Asia/Taipei", status.Timezone)
}
