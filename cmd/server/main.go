package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"startuplab/api"
	"startuplab/internal/config"
	"startuplab/internal/logger"
)

func main() {
	// 0. 加载 .env，便于集中管理 APP_* 环境变量
	if path, err := config.LoadDotEnv(); err != nil {
		fmt.Printf("加载环境变量文件 %s 失败: %v\n", path, err)
	} else if path != "" {
		fmt.Printf("已加载环境变量文件: %s\n", path)
	}

	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "dev"
	}

	// 1. 加载配置
	cfg, err := config.Load(env, os.Getenv("APP_CONFIG_FILE"))
	if err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("应用启动中...",
		zap.String("env", env),
		zap.String("mode", cfg.Server.Mode),
		zap.String("vector_store", cfg.RAG.VectorStore.Type),
		zap.String("conversation_store", cfg.Conversation.Store),
	)

	// 3. 装配依赖
	ctx := context.Background()
	container, err := api.NewContainer(ctx, cfg)
	if err != nil {
		logger.Fatal("初始化服务失败", zap.Error(err))
	}

	// 4. 首次启动时入库默认语料；已有来源时跳过
	if n, err := container.Service.IngestDefault(ctx); err != nil {
		logger.Error("默认语料入库失败", zap.Error(err))
	} else if n > 0 {
		logger.Info("默认语料入库完成", zap.Int("documents", n))
	}

	// 5. 创建 HTTP 服务器
	router := api.SetupRouter(container)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second, // 需覆盖整段流式回答
	}

	go func() {
		logger.Info("HTTP 服务器启动", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP 服务器启动失败", zap.Error(err))
		}
	}()

	// 6. 优雅关闭
	gracefulShutdown(server, container)
}

// gracefulShutdown 优雅关闭
func gracefulShutdown(server *http.Server, container *api.AppContainer) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("正在关闭服务器...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("服务器关闭异常", zap.Error(err))
	}
	if err := container.Close(); err != nil {
		logger.Error("资源释放异常", zap.Error(err))
	}

	logger.Info("服务器已安全关闭")
}
