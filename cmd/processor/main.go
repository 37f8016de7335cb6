package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/viper"

	"github.com/bookkeep/backend/internal/broker"
	"github.com/bookkeep/backend/internal/cache"
	"github.com/bookkeep/backend/internal/database"
	"github.com/bookkeep/backend/internal/processor"
	"github.com/bookkeep/backend/internal/services"
)

func main() {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("rabbitmq.host", "RABBITMQ_HOST")
	viper.BindEnv("rabbitmq.port", "RABBITMQ_PORT")
	viper.BindEnv("rabbitmq.user", "RABBITMQ_USER")
	viper.BindEnv("rabbitmq.password", "RABBITMQ_PASSWORD")
	viper.BindEnv("rabbitmq.vhost", "RABBITMQ_VHOST")
	viper.BindEnv("rabbitmq.max_connect_attempts", "RABBITMQ_MAX_CONNECT_ATTEMPTS")

	viper.BindEnv("notification.url", "NOTIFICATION_SERVICE_URL")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}
	statusCache := cache.NewStatusCache(redisClient)

	conn, err := broker.DialWithRetry(broker.GetConfig())
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer conn.Close()

	// Health check
	go func() {
		port := os.Getenv("PORT")
		if port == "" {
			port = "8081"
		}
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
		})
		if err := http.ListenAndServe(":"+port, mux); err != nil {
			log.Printf("[PROCESSOR] Health endpoint failed: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Println("[PROCESSOR] Shutting down...")
		cancel()
	}()

	proc := processor.New(db, statusCache, services.NewNotificationClient())
	if err := proc.Run(ctx, conn); err != nil && err != context.Canceled {
		log.Fatalf("[PROCESSOR] Stopped with error: %v", err)
	}

	log.Println("[PROCESSOR] Stopped")
}
