package middleware

import (
	"log"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
)

// Recovery はパニックからの回復を行うGinミドルウェアを返す。
// パニック発生時にリクエストIDとスタックトレースをログに出力し、
// レスポンスが未送信であれば500エラーを返す。
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			// ReverseProxyは転送中断をこの値のパニックで通知する。再送出して接続を切る。
			if r == http.ErrAbortHandler {
				panic(r)
			}

			log.Printf("[PANIC] request_id=%s %s %s: %v\n%s",
				GetRequestID(c), c.Request.Method, c.Request.URL.Path, r, debug.Stack())
			if c.Writer.Written() {
				c.Abort()
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "内部サーバーエラーが発生しました",
			})
		}()
		c.Next()
	}
}
