package classifier

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrAmbiguous 同一消息命中多个互斥类别（只记录日志，不对外暴露）
var ErrAmbiguous = errors.New("classification ambiguous")

const placeholder = "{n}"

var (
	numberPattern = `(\d+(?:\.\d+)?)`
	numberRe      = regexp.MustCompile(numberPattern)
	spaceRe       = regexp.MustCompile(`\s+`)
)

// Intent 分类结果
type Intent struct {
	Category Category `json:"category"`
	Param    float64  `json:"param,omitempty"`     // 止盈序号 / 百分比 / 价格
	HasParam bool     `json:"has_param,omitempty"` // 是否携带参数
	Value    float64  `json:"value,omitempty"`     // set_tp 的新价格
	Phrase   string   `json:"phrase,omitempty"`    // 命中的触发短语
}

// Index 止盈序号（从1开始）
func (i Intent) Index() int {
	return int(i.Param)
}

// Policy 频道分类策略
type Policy struct {
	ChannelID         string
	Enabled           bool
	DetectRepliesOnly bool
	Keywords          map[string][]string
}

type phrase struct {
	raw      string
	re       *regexp.Regexp
	hasParam bool
}

// Taxonomy 编译后的频道关键词表，只读，可并发使用
type Taxonomy struct {
	channelID         string
	enabled           bool
	detectRepliesOnly bool
	phrases           [categoryCount][]phrase
}

// Compile 编译频道关键词表
// 短语列表为空表示该类别在此频道关闭
func Compile(p Policy) (*Taxonomy, error) {
	t := &Taxonomy{
		channelID:         p.ChannelID,
		enabled:           p.Enabled,
		detectRepliesOnly: p.DetectRepliesOnly,
	}
	for name, list := range p.Keywords {
		cat, err := ParseCategory(name)
		if err != nil {
			return nil, fmt.Errorf("频道 %s: %w", p.ChannelID, err)
		}
		for _, raw := range list {
			ph, ok, err := compilePhrase(raw)
			if err != nil {
				return nil, fmt.Errorf("频道 %s 类别 %s: %w", p.ChannelID, cat, err)
			}
			if ok {
				t.phrases[cat] = append(t.phrases[cat], ph)
			}
		}
	}
	return t, nil
}

func normalize(s string) string {
	return spaceRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), " ")
}

func compilePhrase(raw string) (phrase, bool, error) {
	norm := normalize(raw)
	if norm == "" {
		return phrase{}, false, nil
	}
	parts := strings.Split(norm, placeholder)
	if len(parts) > 2 {
		return phrase{}, false, fmt.Errorf("短语 %q 只能包含一个 %s", raw, placeholder)
	}
	var b strings.Builder
	for i, part := range parts {
		if i > 0 {
			b.WriteString(`\s*`)
			b.WriteString(numberPattern)
			b.WriteString(`\s*`)
		}
		b.WriteString(strings.ReplaceAll(regexp.QuoteMeta(strings.TrimSpace(part)), " ", `\s+`))
	}
	re, err := regexp.Compile(b.String())
	if err != nil {
		return phrase{}, false, fmt.Errorf("短语 %q: %w", raw, err)
	}
	return phrase{raw: raw, re: re, hasParam: len(parts) == 2}, true, nil
}

// Enabled 频道是否启用
func (t *Taxonomy) Enabled() bool { return t.enabled }

// ChannelID 所属频道
func (t *Taxonomy) ChannelID() string { return t.channelID }

// Result 分类结果；Ambiguous 记录被丢弃的冲突类别
type Result struct {
	Intents   []Intent
	Ambiguous []Category
}

// Empty 是否没有任何指令
func (r Result) Empty() bool { return len(r.Intents) == 0 }

// Err 存在冲突时返回 ErrAmbiguous
func (r Result) Err() error {
	if len(r.Ambiguous) == 0 {
		return nil
	}
	names := make([]string, len(r.Ambiguous))
	for i, c := range r.Ambiguous {
		names[i] = c.String()
	}
	return fmt.Errorf("%w: dropped %s", ErrAmbiguous, strings.Join(names, ","))
}

// Classify 对消息文本分类
// 撤单类命中时独占；其余每个分组最多一个指令，按优先级输出
func (t *Taxonomy) Classify(text string, isReply bool) Result {
	var res Result
	if t == nil || !t.enabled {
		return res
	}
	if t.detectRepliesOnly && !isReply {
		return res
	}

	norm := normalize(text)
	if norm == "" {
		return res
	}

	var matched []Intent
	for c := Category(0); c < categoryCount; c++ {
		if in, ok := t.match(c, norm); ok {
			matched = append(matched, in)
		}
	}
	if len(matched) == 0 {
		return res
	}

	if matched[0].Category.Group() == GroupCancel {
		res.Intents = []Intent{matched[0]}
		for _, m := range matched[1:] {
			res.Ambiguous = append(res.Ambiguous, m.Category)
		}
		return res
	}

	// 枚举顺序即组内优先级
	seen := make(map[Group]bool)
	for _, m := range matched {
		g := m.Category.Group()
		if seen[g] {
			res.Ambiguous = append(res.Ambiguous, m.Category)
			continue
		}
		seen[g] = true
		res.Intents = append(res.Intents, m)
	}
	return res
}

func (t *Taxonomy) match(c Category, text string) (Intent, bool) {
	for _, ph := range t.phrases[c] {
		loc := ph.re.FindStringSubmatchIndex(text)
		if loc == nil {
			continue
		}
		in := Intent{Category: c, Phrase: ph.raw}
		rest := text[loc[1]:]

		if ph.hasParam {
			v, err := strconv.ParseFloat(text[loc[2]:loc[3]], 64)
			if err != nil {
				continue
			}
			in.Param, in.HasParam = v, true
		} else if c.Parameterized() && c != SetTP {
			v, ok := firstNumber(rest)
			if !ok {
				continue
			}
			in.Param, in.HasParam = v, true
		}

		if c == SetTP {
			if !in.HasParam {
				in.Param, in.HasParam = 1, true
			}
			v, ok := firstNumber(rest)
			if !ok {
				continue
			}
			in.Value = v
		}

		if !validParam(c, in) {
			continue
		}
		return in, true
	}
	return Intent{}, false
}

func firstNumber(s string) (float64, bool) {
	m := numberRe.FindString(s)
	if m == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(m, 64)
	return v, err == nil
}

func validParam(c Category, in Intent) bool {
	switch c {
	case CloseTP, SetTP:
		return in.Param >= 1 && in.Param == float64(int(in.Param))
	case ClosePartial:
		return in.Param > 0 && in.Param <= 100
	case SetSL:
		return in.Param > 0
	}
	return true
}
