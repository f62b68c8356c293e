package server

import (
	"adaptive-grid-go/internal/models"
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

// Server 对外提供模块的HTTP接口
type Server struct {
	router *gin.Engine
	srv    *http.Server
	logger *zap.Logger
}

// New 构建路由与中间件. 模块路由由调用方挂载到 Router() 上
func New(cfg models.ServerConfig, logger *zap.Logger) *Server {
	logger = logger.Named("http")
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		gin.Recovery(),
		RequestIDMiddleware(),
		RequestLogger(logger),
		RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst, logger),
		TimeoutMiddleware(time.Duration(cfg.RequestTimeoutSec)*time.Second),
	)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UnixMilli()})
	})

	return &Server{
		router: router,
		srv:    &http.Server{Addr: cfg.Addr, Handler: router, ReadHeaderTimeout: 10 * time.Second},
		logger: logger,
	}
}

// Router 返回gin路由, 用于挂载模块接口
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Addr 返回监听地址
func (s *Server) Addr() string {
	return s.srv.Addr
}

// Run 启动HTTP服务, 直到 ctx 取消或监听失败. ctx 取消后优雅关闭
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return errors.Wrap(err, "http server")
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown 停止接收新请求并等待进行中的请求结束
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return errors.Wrap(s.srv.Shutdown(ctx), "http shutdown")
}
