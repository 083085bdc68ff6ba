package utils

import (
	"sync"
	"time"
)

var (
	// GlobalLocation 全局配置的时区
	GlobalLocation *time.Location = time.UTC
	locationMu     sync.RWMutex

	// tradingDayStartHour 交易日切换的小时（配置时区）
	tradingDayStartHour int
)

// SetLocation 设置全局时区
func SetLocation(name string) error {
	if name == "" {
		return nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		// 加载失败时保留原有时区
		return err
	}
	locationMu.Lock()
	GlobalLocation = loc
	locationMu.Unlock()
	return nil
}

// Location 返回当前配置的时区
func Location() *time.Location {
	locationMu.RLock()
	defer locationMu.RUnlock()
	return GlobalLocation
}

// SetTradingDayStartHour 设置交易日起始小时（0-23）
func SetTradingDayStartHour(hour int) {
	if hour < 0 || hour > 23 {
		hour = 0
	}
	locationMu.Lock()
	tradingDayStartHour = hour
	locationMu.Unlock()
}

// ToConfiguredTimezone 将时间转换为配置的时区
func ToConfiguredTimezone(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.In(Location())
}

// NowUTC 获取当前UTC时间
func NowUTC() time.Time {
	return time.Now().UTC()
}

// TradingDay 返回 t 所属交易日的起始时刻
// 交易日从配置时区的 tradingDayStartHour 开始
func TradingDay(t time.Time) time.Time {
	locationMu.RLock()
	loc := GlobalLocation
	start := tradingDayStartHour
	locationMu.RUnlock()

	local := t.In(loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), start, 0, 0, 0, loc)
	if local.Before(day) {
		day = day.AddDate(0, 0, -1)
	}
	return day
}

// NextTradingDay 返回 t 之后下一个交易日的起始时刻
func NextTradingDay(t time.Time) time.Time {
	return TradingDay(t).AddDate(0, 0, 1)
}
