package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustLoad(t *testing.T, yaml string) *Config {
	t.Helper()
	cfg, err := LoadConfigFromBytes([]byte(yaml))
	require.NoError(t, err)
	return cfg
}

func TestDiffConfigMarksRestartSections(t *testing.T) {
	oldCfg := mustLoad(t, "bridge:\n  type: paper\nrules:\n  breakeven:\n    offset_pips: 1\n")
	newCfg := mustLoad(t, "bridge:\n  type: websocket\n  url: ws://localhost:9000\nrules:\n  breakeven:\n    offset_pips: 3\n")

	diff := DiffConfig(oldCfg, newCfg)
	assert.True(t, diff.RequiresRestart)
	assert.True(t, diff.Has("bridge"))
	assert.True(t, diff.Has("rules.breakeven"))

	for _, c := range diff.Changes {
		if c.Path == "rules.breakeven.offset_pips" {
			assert.False(t, c.RequiresRestart, "规则变更可以热更新")
			assert.Equal(t, 3.0, c.NewValue)
		}
		if c.Path == "bridge.type" {
			assert.True(t, c.RequiresRestart)
		}
	}
}

func TestDiffConfigChannelKeywords(t *testing.T) {
	oldCfg := mustLoad(t, "channels:\n  - id: a\n    keywords:\n      close_full: [close]\n")
	newCfg := mustLoad(t, "channels:\n  - id: a\n    keywords:\n      close_full: [close]\n      delete_all: [cancel]\n")

	diff := DiffConfig(oldCfg, newCfg)
	require.Len(t, diff.Changes, 1)
	assert.Equal(t, "channels[0].keywords.delete_all", diff.Changes[0].Path)
	assert.Equal(t, ChangeTypeAdded, diff.Changes[0].Type)
	assert.False(t, diff.RequiresRestart)
}

func TestHotReloaderKeepsRestartSections(t *testing.T) {
	oldCfg := mustLoad(t, "database:\n  dsn: old.db\nrules:\n  breakeven:\n    offset_pips: 1\n")
	newCfg := mustLoad(t, "database:\n  dsn: new.db\nrules:\n  breakeven:\n    offset_pips: 4\n")

	hr := NewHotReloader(oldCfg)
	var got []ConfigChange
	hr.RegisterCallback(func(_, cfg *Config, changes []ConfigChange) error {
		got = changes
		assert.Equal(t, 4.0, cfg.Rules.Breakeven.OffsetPips)
		return nil
	})

	diff, err := hr.UpdateConfig(newCfg)
	require.NoError(t, err)
	assert.True(t, diff.RequiresRestart)
	require.Len(t, got, 1, "只有可热更新的变更会传给回调")
	assert.Equal(t, "rules.breakeven.offset_pips", got[0].Path)

	current := hr.GetCurrentConfig()
	assert.Equal(t, "old.db", current.Database.DSN, "需要重启的配置保持旧值")
	assert.Equal(t, 4.0, current.Rules.Breakeven.OffsetPips)
}

func TestHotReloaderCallbackErrorKeepsConfig(t *testing.T) {
	oldCfg := mustLoad(t, "rules:\n  breakeven:\n    offset_pips: 1\n")
	newCfg := mustLoad(t, "rules:\n  breakeven:\n    offset_pips: 2\n")

	hr := NewHotReloader(oldCfg)
	hr.RegisterCallback(func(_, _ *Config, _ []ConfigChange) error {
		return assert.AnError
	})

	_, err := hr.UpdateConfig(newCfg)
	require.ErrorIs(t, err, assert.AnError)
	assert.Same(t, oldCfg, hr.GetCurrentConfig())
}
