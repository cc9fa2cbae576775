// chatd is the live chat server: session API, message store and WebSocket
// broker in one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/NiklasHoffmann/livechat/internal/config"
	"github.com/NiklasHoffmann/livechat/internal/hub"
	"github.com/NiklasHoffmann/livechat/internal/presence"
	"github.com/NiklasHoffmann/livechat/internal/service"
	"github.com/NiklasHoffmann/livechat/internal/store"
	transporthttp "github.com/NiklasHoffmann/livechat/internal/transport/http"
	"github.com/NiklasHoffmann/livechat/internal/transport/ws"
	"github.com/NiklasHoffmann/livechat/pkg/zlog"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (env vars override)")
	flag.Parse()

	cfg := config.MustLoad(*configPath)

	log, err := zlog.New(cfg.LogLevel, cfg.LogPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "init logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	st, err := store.NewSQLiteStore(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal("open store", zap.Error(err))
	}
	defer st.Close()

	// Redis presence is best-effort: without it, presence falls back to the
	// hub's in-process admin count.
	var tracker *presence.Tracker
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Warn("redis unreachable, presence tracking disabled", zap.Error(err))
			_ = rdb.Close()
		} else {
			tracker = presence.NewTracker(rdb, 0)
			defer rdb.Close()
		}
	}

	h := hub.NewHub()
	svc := service.New(st, h, log)
	auth := transporthttp.TokenAuth{Token: cfg.AdminToken}

	e := transporthttp.NewServer(svc, auth)
	wsServer := ws.NewServer(cfg, h, svc, tracker, auth, log)
	e.GET("/ws", wsServer.HandleWebSocket)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()
	log.Info("chatd started", zap.Int("port", cfg.HTTPPort))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown", zap.Error(err))
	}
	log.Info("chatd stopped")
}
