package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
)

func main() {
	baseURL := os.Getenv("DUEL_BASE_URL")
	redisURL := os.Getenv("REDIS_URL")

	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}

	client := &fasthttp.Client{
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	status, body, err := client.GetTimeout(nil, baseURL+"/healthz", 5*time.Second)
	if err != nil {
		log.Printf("/healthz error: %v", err)
	} else {
		log.Printf("/healthz ok: status=%d body=%q", status, body)
	}

	if redisURL == "" {
		log.Println("REDIS_URL not set; skipping Redis check")
		return
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Fatalf("redis url parse error: %v", err)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Printf("redis ping error: %v", err)
		return
	}
	log.Println("redis ping ok")
}
