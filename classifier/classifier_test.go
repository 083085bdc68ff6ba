package classifier

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTaxonomy(t *testing.T, repliesOnly bool) *Taxonomy {
	t.Helper()
	tx, err := Compile(Policy{
		ChannelID:         "chan-1",
		Enabled:           true,
		DetectRepliesOnly: repliesOnly,
		Keywords: map[string][]string{
			"delete_all":        {"cancel all"},
			"delete_pending":    {"cancel", "delete order"},
			"close_full":        {"close now", "close all"},
			"close_half":        {"close half"},
			"close_partial":     {"close {n}%", "take partial"},
			"close_tp":          {"close tp{n}"},
			"set_tp":            {"new tp{n}"},
			"move_sl_breakeven": {"move sl to be", "sl to entry"},
			"set_sl":            {"sl to"},
			"enable_trailing":   {},
		},
	})
	require.NoError(t, err)
	return tx
}

func TestClassifyPriorityAndExclusiveCancel(t *testing.T) {
	tx := testTaxonomy(t, false)

	res := tx.Classify("CANCEL ALL and close now", true)
	require.Len(t, res.Intents, 1, "撤单类命中时独占")
	assert.Equal(t, DeleteAll, res.Intents[0].Category)
	assert.Contains(t, res.Ambiguous, DeletePending)
	assert.Contains(t, res.Ambiguous, CloseFull)
	assert.True(t, errors.Is(res.Err(), ErrAmbiguous))

	res = tx.Classify("Close half,  move SL to BE", true)
	require.Len(t, res.Intents, 2)
	assert.Equal(t, CloseHalf, res.Intents[0].Category, "止盈类优先于止损类")
	assert.Equal(t, MoveSLBreakeven, res.Intents[1].Category)
	assert.NoError(t, res.Err())
}

func TestClassifyOneIntentPerGroup(t *testing.T) {
	tx := testTaxonomy(t, false)

	res := tx.Classify("close all, close half", false)
	require.Len(t, res.Intents, 1)
	assert.Equal(t, CloseFull, res.Intents[0].Category)
	assert.Equal(t, []Category{CloseHalf}, res.Ambiguous)
}

func TestClassifyParameters(t *testing.T) {
	tx := testTaxonomy(t, false)

	tests := []struct {
		text  string
		cat   Category
		param float64
		value float64
	}{
		{"close 30% now please", ClosePartial, 30, 0},
		{"take partial 25 here", ClosePartial, 25, 0},
		{"Close TP2", CloseTP, 2, 0},
		{"new tp3 1.2150", SetTP, 3, 1.2150},
		{"SL to 1.1980", SetSL, 1.1980, 0},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			res := tx.Classify(tt.text, false)
			require.Len(t, res.Intents, 1)
			in := res.Intents[0]
			assert.Equal(t, tt.cat, in.Category)
			assert.True(t, in.HasParam)
			assert.InDelta(t, tt.param, in.Param, 1e-9)
			assert.InDelta(t, tt.value, in.Value, 1e-9)
		})
	}
}

func TestClassifyMissingParameterDoesNotMatch(t *testing.T) {
	tx := testTaxonomy(t, false)

	assert.True(t, tx.Classify("take partial profits", false).Empty())
	assert.True(t, tx.Classify("move the sl to safety", false).Empty())
	assert.True(t, tx.Classify("close 150%", false).Empty(), "百分比超过100不匹配")
	assert.True(t, tx.Classify("new tp2", false).Empty(), "set_tp 需要新价格")
}

func TestClassifyBreakevenScenario(t *testing.T) {
	tx := testTaxonomy(t, false)

	res := tx.Classify("TP1 hit, move SL to BE", true)
	require.Len(t, res.Intents, 1)
	assert.Equal(t, MoveSLBreakeven, res.Intents[0].Category)
	assert.False(t, res.Intents[0].HasParam)
}

func TestClassifyRepliesOnly(t *testing.T) {
	tx := testTaxonomy(t, true)

	assert.True(t, tx.Classify("cancel", false).Empty(), "非回复消息不检测")
	res := tx.Classify("cancel", true)
	require.Len(t, res.Intents, 1)
	assert.Equal(t, DeletePending, res.Intents[0].Category)
}

func TestClassifyEmptyTriggerListNeverMatches(t *testing.T) {
	tx := testTaxonomy(t, false)
	assert.True(t, tx.Classify("trail the stop", true).Empty())

	empty, err := Compile(Policy{ChannelID: "c", Enabled: true, Keywords: map[string][]string{"close_full": {"", "   "}}})
	require.NoError(t, err)
	assert.True(t, empty.Classify("", true).Empty())
	assert.True(t, empty.Classify("close everything", true).Empty())
}

func TestClassifyDisabledChannel(t *testing.T) {
	tx, err := Compile(Policy{ChannelID: "c", Enabled: false, Keywords: map[string][]string{"close_full": {"close"}}})
	require.NoError(t, err)
	assert.True(t, tx.Classify("close", true).Empty())

	var nilTx *Taxonomy
	assert.True(t, nilTx.Classify("close", true).Empty())
}

func TestCompileRejectsBadTaxonomy(t *testing.T) {
	_, err := Compile(Policy{ChannelID: "c", Keywords: map[string][]string{"close_everything": {"x"}}})
	assert.ErrorIs(t, err, ErrUnknownCategory)

	_, err = Compile(Policy{ChannelID: "c", Keywords: map[string][]string{"close_tp": {"tp{n} and {n}"}}})
	assert.Error(t, err)
}

func TestCategoryNames(t *testing.T) {
	for _, c := range AllCategories() {
		parsed, err := ParseCategory(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, parsed)
	}
	assert.Equal(t, GroupCancel, DeleteAll.Group())
	assert.Equal(t, GroupClose, SetTP.Group())
	assert.Equal(t, GroupStop, SetSL.Group())
	assert.Equal(t, GroupTrailing, EnableTrailing.Group())
}
