package engine

import (
	"strconv"
	"strings"
	"time"
	"unicode"

	"signalcopier/registry"
)

// Message 频道消息
type Message struct {
	ChannelID string    `json:"channel_id"`
	MessageID string    `json:"message_id"`
	ReplyTo   string    `json:"reply_to,omitempty"` // 被回复的消息ID，为空表示不是回复
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Extraction 从消息中提取的交易参数
type Extraction struct {
	Symbol    string
	Direction registry.Direction
	Entry     float64 // 0 表示市价
	StopLoss  float64
	Targets   []float64
}

// Extractor 结构化提取器：判断消息是否为新信号并提取参数
type Extractor interface {
	Extract(text string) (Extraction, bool)
}

// LineExtractor 解析单行格式的信号，例如
// "BUY EURUSD @ 1.2000 SL 1.1950 TP 1.2050 TP 1.2100"
// 至少需要方向、品种，以及止损或止盈之一
type LineExtractor struct{}

var orderTypeWords = map[string]bool{
	"LIMIT": true, "STOP": true, "NOW": true, "MARKET": true,
}

// Extract 提取交易参数
func (LineExtractor) Extract(text string) (Extraction, bool) {
	tokens := tokenize(text)
	var ex Extraction

	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		switch {
		case ex.Direction == "" && isDirection(tok):
			d, _ := registry.ParseDirection(tok)
			ex.Direction = d
			j := i + 1
			for j < len(tokens) && orderTypeWords[tokens[j]] {
				j++
			}
			if j < len(tokens) && isSymbol(tokens[j]) {
				ex.Symbol = tokens[j]
				j++
				// 品种后面紧跟的数字视为入场价
				if v, ok := number(tokens, j); ok {
					ex.Entry = v
					j++
				}
			}
			i = j - 1

		case tok == "@" || tok == "AT" || tok == "ENTRY" || tok == "PRICE":
			if v, ok := number(tokens, i+1); ok {
				ex.Entry = v
				i++
			}

		case tok == "SL" || tok == "STOPLOSS" || tok == "S/L":
			if v, ok := number(tokens, i+1); ok {
				ex.StopLoss = v
				i++
			}

		case isTargetLabel(tok):
			if v, ok := number(tokens, i+1); ok {
				ex.Targets = append(ex.Targets, v)
				i++
			}
		}
	}

	if ex.Direction == "" || ex.Symbol == "" {
		return Extraction{}, false
	}
	if ex.StopLoss <= 0 && len(ex.Targets) == 0 {
		return Extraction{}, false
	}
	return ex, true
}

func tokenize(text string) []string {
	s := strings.ToUpper(strings.ReplaceAll(text, "@", " @ "))
	return strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == ',' || r == ':' || r == '=' || r == ';'
	})
}

func isDirection(tok string) bool {
	switch tok {
	case "BUY", "SELL", "LONG", "SHORT":
		return true
	}
	return false
}

// isSymbol 品种代码：以字母开头，3 到 12 位字母或数字
func isSymbol(tok string) bool {
	if len(tok) < 3 || len(tok) > 12 || orderTypeWords[tok] || !unicode.IsLetter(rune(tok[0])) {
		return false
	}
	for _, r := range tok {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return tok != "SL" && !isTargetLabel(tok)
}

// isTargetLabel TP、TP1、TP2 ...
func isTargetLabel(tok string) bool {
	if !strings.HasPrefix(tok, "TP") {
		return false
	}
	for _, r := range tok[2:] {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func number(tokens []string, i int) (float64, bool) {
	if i >= len(tokens) {
		return 0, false
	}
	v, err := strconv.ParseFloat(tokens[i], 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}
