package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"

	"algoarena/backend/internal/authservice"
	"algoarena/backend/internal/cache"
	"algoarena/backend/internal/collab"
	"algoarena/backend/internal/httpapi/handlers"
	"algoarena/backend/internal/httpapi/middleware"
	"algoarena/backend/internal/store"
	"algoarena/backend/internal/ws"
)

type ServerConfig struct {
	Running struct {
		Port int `mapstructure:"Port"`
	} `mapstructure:"Running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
	} `mapstructure:"Redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"Kafka"`
	Collab struct {
		FlushIntervalMS   int `mapstructure:"flushIntervalMs"`
		SaveTimeoutMS     int `mapstructure:"saveTimeoutMs"`
		FinalFlushRetries int `mapstructure:"finalFlushRetries"`
	} `mapstructure:"Collab"`
}

func initConfig() (*ServerConfig, error) {
	cfg := &ServerConfig{}
	v := viper.New()
	v.SetConfigName("algoarenaConfig")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	cfg, err := initConfig()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config: %+v", cfg)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err = rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer rdb.Close()

	db, err := gorm.Open(gormmysql.Open(cfg.Mysql.DSN), &gorm.Config{})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	if err := store.AutoMigrate(db); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	// === 初始化 Kafka Producer（未配置 brokers 时跳过，纯单机也能跑）===
	var dispatcher *collab.KafkaDispatcher
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Fatalf("Failed to connect kafka: %v", err)
		}
		defer producer.Close()

		kafkaSem := collab.NewSemaphoreControl()
		// Kafka 本地队列 + worker 重试发送
		dispatcher = collab.NewKafkaDispatcher(
			producer,
			cfg.Kafka.Topic,
			kafkaSem,
			collab.KafkaDispatcherOptions{
				//  Go 允许在数字里用下划线做分隔符，方便阅读
				QueueSize:   10_000,
				Workers:     4,
				MaxRetry:    3,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  1 * time.Second,
			},
		)
	}

	presenceCache := cache.NewRedisPresence(rdb)
	hub := ws.NewHub(presenceCache)
	roomStore := store.NewRoomStore(db)
	userStore := store.NewUserStore(db)

	rooms := collab.NewRooms(roomStore, hub, dispatcher, collab.Options{
		FlushInterval:     time.Duration(cfg.Collab.FlushIntervalMS) * time.Millisecond,
		SaveTimeout:       time.Duration(cfg.Collab.SaveTimeoutMS) * time.Millisecond,
		FinalFlushRetries: cfg.Collab.FinalFlushRetries,
	})
	registry := collab.NewRegistry()
	wsSem := collab.NewSemaphoreControl()
	manager := ws.NewManager(hub, rooms, registry, wsSem)

	authHandler := authservice.NewHandler(userStore)
	roomsHandler := handlers.NewRoomsHandler(roomStore)

	r := gin.New()
	// 中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		// 允许任意来源（包含 file:// 场景的 Origin: null）；比 AllowOrigins:["*"] 更兼容
		AllowOriginFunc: func(origin string) bool { return true },
		AllowMethods:    []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:   []string{"Content-Length"},
		// token 放 Authorization，不依赖 Cookie
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	// 路由
	auth := r.Group("/v1/auth")
	auth.POST("/signup", authHandler.Signup)
	auth.POST("/signin", authHandler.Signin)
	auth.POST("/refresh", authHandler.Refresh)
	auth.POST("/verify", middleware.AuthMiddleware(), authHandler.Verify)

	users := r.Group("/v1/users", middleware.AuthMiddleware())
	users.GET("/profile", authHandler.GetProfile)
	users.PUT("/profile", authHandler.UpdateProfile)

	roomsGroup := r.Group("/v1/rooms", middleware.AuthMiddleware())
	roomsGroup.POST("", roomsHandler.CreateRoom)
	roomsGroup.GET("/:roomId", roomsHandler.GetRoom)
	roomsGroup.GET("/:roomId/code", roomsHandler.GetRoomCode)
	roomsGroup.PUT("/:roomId/code", roomsHandler.UpdateRoomCode)
	roomsGroup.POST("/:roomId/versions", roomsHandler.CreateVersion)
	roomsGroup.GET("/:roomId/versions", roomsHandler.ListVersions)
	roomsGroup.POST("/:roomId/join", roomsHandler.JoinRoom)
	roomsGroup.GET("/:roomId/collaborators", roomsHandler.ListCollaborators)
	roomsGroup.POST("/:roomId/lock", roomsHandler.AcquireLock)
	roomsGroup.DELETE("/:roomId/lock", roomsHandler.ReleaseLock)

	collabGroup := r.Group("/collab")
	collabGroup.GET("/ws", middleware.AuthMiddleware(), manager.WebSocketConnect)
	collabGroup.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "ok"})
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Running.Port),
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		// 退出前排空所有活跃房间（含最终落盘）
		rooms.CloseAll()
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}
