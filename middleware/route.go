package middleware

import "github.com/gin-gonic/gin"

type RouteOpt struct {
	Auth gin.HandlerFunc // 非空时挂在 handler 前
}

func GET(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	if opt.Auth != nil {
		r.GET(path, opt.Auth, handler)
		return
	}
	r.GET(path, handler)
}

func POST(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	if opt.Auth != nil {
		r.POST(path, opt.Auth, handler)
		return
	}
	r.POST(path, handler)
}
