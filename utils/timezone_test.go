package utils

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTradingDayBoundary(t *testing.T) {
	require.NoError(t, SetLocation("UTC"))
	SetTradingDayStartHour(22)
	defer SetTradingDayStartHour(0)

	before := time.Date(2026, 3, 10, 21, 59, 0, 0, time.UTC)
	after := time.Date(2026, 3, 10, 22, 0, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2026, 3, 9, 22, 0, 0, 0, time.UTC), TradingDay(before))
	assert.Equal(t, time.Date(2026, 3, 10, 22, 0, 0, 0, time.UTC), TradingDay(after))
	assert.Equal(t, time.Date(2026, 3, 10, 22, 0, 0, 0, time.UTC), NextTradingDay(before))
}

func TestSetLocationInvalidKeepsPrevious(t *testing.T) {
	require.NoError(t, SetLocation("UTC"))
	assert.Error(t, SetLocation("Not/AZone"))
	assert.Equal(t, time.UTC, Location())
}

func TestIDs(t *testing.T) {
	sid := NewSignalID()
	assert.True(t, strings.HasPrefix(sid, "sig_"))
	assert.NotEqual(t, sid, NewSignalID())

	tid := NewTradeID(sid, 2)
	assert.True(t, strings.HasPrefix(tid, sid+"_2_"))
}
