package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
system:
  log_level: debug
  timezone: Europe/London
  trading_day_start_hour: 22
bridge:
  type: paper
rules:
  breakeven:
    enabled: true
    trigger_target: 1
    offset_pips: 2
  multi_tp:
    enabled: true
    mode: split
    splits: [50, 30, 20]
accounts:
  - id: main
channels:
  - id: "-1001"
    name: gold signals
    account: main
    enabled: true
    auto_apply: true
    detect_replies_only: true
    keywords:
      delete_all: ["cancel all"]
      close_full: ["close now", "close all"]
      move_sl_breakeven: ["move sl to be"]
notifications:
  telegram:
    enabled: true
    bot_token: ${SC_TEST_BOT_TOKEN}
`

func TestLoadConfigFromBytes(t *testing.T) {
	t.Setenv("SC_TEST_BOT_TOKEN", "123:abc")

	cfg, err := LoadConfigFromBytes([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "123:abc", cfg.Notifications.Telegram.BotToken, "环境变量应被展开")
	assert.Equal(t, 22, cfg.System.TradingDayStartHour)
	assert.Equal(t, LegModeSplit, cfg.Rules.LegMode())
	assert.Equal(t, 5, cfg.Delivery.MaxAttempts, "未配置时使用默认重试次数")
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, "local", cfg.DistributedLock.Type)

	ch, ok := cfg.Channel("-1001")
	require.True(t, ok)
	assert.True(t, ch.DetectRepliesOnly)
	assert.Equal(t, []string{"close now", "close all"}, ch.Keywords["close_full"])
}

func TestLoadConfigReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SC_DOTENV_TOKEN=from-dotenv\n"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("web:\n  token: ${SC_DOTENV_TOKEN}\n"), 0600))
	t.Cleanup(func() { os.Unsetenv("SC_DOTENV_TOKEN") })

	cfg, err := LoadConfig(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Web.Token)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"未知关键词类别", "channels:\n  - id: a\n    keywords:\n      close_everything: [x]\n"},
		{"未知确认类别", "channels:\n  - id: a\n    confirm_categories: [nope]\n"},
		{"重复频道", "channels:\n  - id: a\n  - id: a\n"},
		{"止盈比例合计不为100", "rules:\n  multi_tp:\n    enabled: true\n    splits: [50, 30]\n"},
		{"未知桥接类型", "bridge:\n  type: fix\n"},
		{"websocket 桥接缺少地址", "bridge:\n  type: websocket\n"},
		{"交易窗口结束早于开始", "rules:\n  trading_windows:\n    - start_hour: 10\n      end_hour: 8\n"},
		{"无效的星期", "rules:\n  trading_windows:\n    - days: [funday]\n      start_hour: 1\n      end_hour: 8\n"},
		{"频道引用不存在的账户", "accounts:\n  - id: main\nchannels:\n  - id: a\n    account: other\n"},
		{"移动止损距离为0", "rules:\n  trailing:\n    enabled: true\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfigFromBytes([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestRulesForAccountOverride(t *testing.T) {
	cfg, err := LoadConfigFromBytes([]byte(`
rules:
  breakeven:
    enabled: true
    offset_pips: 1
accounts:
  - id: a
  - id: b
    rules:
      breakeven:
        enabled: true
        offset_pips: 5
`))
	require.NoError(t, err)

	assert.Equal(t, 1.0, cfg.RulesFor("a").Breakeven.OffsetPips)
	assert.Equal(t, 5.0, cfg.RulesFor("b").Breakeven.OffsetPips)
	assert.Equal(t, 1, cfg.RulesFor("b").Breakeven.TriggerTarget, "触发目标默认为第一个止盈")
	assert.Equal(t, LegModeBridgeManaged, cfg.RulesFor("a").LegMode())
}

func TestSaveConfigRoundTrip(t *testing.T) {
	cfg, err := LoadConfigFromBytes([]byte(sampleYAML))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Empty(t, DiffConfig(cfg, loaded).Changes)
}
