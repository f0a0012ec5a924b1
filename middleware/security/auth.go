package security

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"ChatCore/logger"
	"ChatCore/module/chat/model"
	"ChatCore/tools/errs"
	"ChatCore/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// context key
const (
	CtxAuthKey = "authorization" // string，原始 token
	CtxUserID  = "uid"           // int64
)

// UserLookup 握手时确认 token 中的用户仍然存在
type UserLookup interface {
	GetUser(ctx context.Context, id int64) (*model.User, error)
}

type Options struct {
	JWT        security.Options
	HeaderName string // 默认 "Authorization"
	QueryName  string // 默认 "token"
	Users      UserLookup
	Timeout    time.Duration
}

func DefaultOptions(secret string) *Options {
	return &Options{
		JWT:        security.DefaultOptions([]byte(secret)),
		HeaderName: "Authorization",
		QueryName:  "token",
		Timeout:    2 * time.Second,
	}
}

// TokenFrom 依次取 Authorization: Bearer xxx、?token=xxx
func TokenFrom(c *gin.Context, opts *Options) string {
	if authz := strings.TrimSpace(c.GetHeader(opts.HeaderName)); authz != "" {
		if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			return strings.TrimSpace(authz[len("bearer "):])
		}
		return authz
	}
	return strings.TrimSpace(c.Query(opts.QueryName))
}

// Middleware 升级 websocket 之前校验 JWT，失败直接 401
func Middleware(opts *Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := TokenFrom(c, opts)
		if token == "" {
			abort(c, errs.ErrAuthentication.WithDetail("missing token"))
			return
		}
		claims, err := security.Verify(opts.JWT, token)
		if err != nil {
			logger.Debug("[AUTH] verify token failed", zap.String("remote", c.ClientIP()), zap.Error(err))
			if errors.Is(err, jwt.ErrTokenExpired) {
				abort(c, errs.ErrTokenExpired)
			} else {
				abort(c, errs.ErrAuthentication.WithDetail(err.Error()))
			}
			return
		}

		if opts.Users != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), opts.Timeout)
			_, err = opts.Users.GetUser(ctx, claims.UserID)
			cancel()
			if err != nil {
				logger.Info("[AUTH] token user unknown", zap.Int64("uid", claims.UserID), zap.Error(err))
				abort(c, errs.ErrAuthentication.WithDetail("user not found"))
				return
			}
		}

		c.Set(CtxAuthKey, token)
		c.Set(CtxUserID, claims.UserID)
		c.Next()
	}
}

func abort(c *gin.Context, ce errs.CodeError) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, ce)
}
