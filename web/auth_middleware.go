package web

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// tokenMiddleware 运维令牌认证
// 支持 Authorization: Bearer <token>、X-API-Token 头和 token 查询参数（WebSocket 使用）
func tokenMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}

		got := c.GetHeader("X-API-Token")
		if got == "" {
			if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				got = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if got == "" {
			got = c.Query("token")
		}

		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			respondError(c, http.StatusUnauthorized, "errors.unauthorized")
			c.Abort()
			return
		}
		c.Next()
	}
}
