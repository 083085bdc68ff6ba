package safety

import (
	"strings"
	"time"

	"signalcopier/config"
	"signalcopier/utils"
)

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// TradingWindow 开新仓的时间窗口过滤
type TradingWindow struct {
	rules RulesProvider
}

// NewTradingWindow 创建时间窗口过滤器
func NewTradingWindow(rules RulesProvider) *TradingWindow {
	return &TradingWindow{rules: rules}
}

// Allow 账户在 t 时刻是否允许开新仓；未配置窗口时始终允许
func (tw *TradingWindow) Allow(account string, t time.Time) bool {
	return InWindows(tw.rules(account).TradingWindows, t)
}

// InWindows t（按配置时区）是否落在任一窗口内，窗口为 [start_hour, end_hour)
func InWindows(windows []config.TradingWindow, t time.Time) bool {
	if len(windows) == 0 {
		return true
	}
	local := utils.ToConfiguredTimezone(t)
	for _, w := range windows {
		if !dayMatches(w.Days, local.Weekday()) {
			continue
		}
		if h := local.Hour(); h >= w.StartHour && h < w.EndHour {
			return true
		}
	}
	return false
}

func dayMatches(days []string, wd time.Weekday) bool {
	if len(days) == 0 {
		return true
	}
	for _, d := range days {
		if v, ok := weekdays[strings.ToLower(strings.TrimSpace(d))]; ok && v == wd {
			return true
		}
	}
	return false
}
