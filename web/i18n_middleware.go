package web

import (
	"strings"

	"github.com/gin-gonic/gin"

	qmi18n "signalcopier/i18n"
)

// I18nMiddleware 解析请求的 Accept-Language 头并设置到上下文
func I18nMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("language", parseAcceptLanguage(c.GetHeader("Accept-Language")))
		c.Next()
	}
}

// parseAcceptLanguage 解析 Accept-Language 头
// 示例: "zh-CN,zh;q=0.9,en;q=0.8" -> "zh-CN"
func parseAcceptLanguage(acceptLang string) string {
	first, _, _ := strings.Cut(acceptLang, ",")
	first, _, _ = strings.Cut(first, ";")
	return normalizeLanguage(strings.TrimSpace(first))
}

// normalizeLanguage 只支持中文和英文，其余回退到系统语言
func normalizeLanguage(lang string) string {
	lang = strings.ToLower(lang)
	switch {
	case strings.HasPrefix(lang, "zh"):
		return "zh-CN"
	case strings.HasPrefix(lang, "en"):
		return "en-US"
	}
	if sys := qmi18n.GetSystemLanguage(); sys != "" {
		return sys
	}
	return "zh-CN"
}

// GetLanguage 从上下文获取语言
func GetLanguage(c *gin.Context) string {
	if lang, exists := c.Get("language"); exists {
		if l, ok := lang.(string); ok {
			return l
		}
	}
	return normalizeLanguage("")
}

// T 翻译消息（从上下文获取语言）
func T(c *gin.Context, key string, data ...interface{}) string {
	return qmi18n.TWithLang(GetLanguage(c), key, data...)
}
