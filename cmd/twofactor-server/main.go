package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/AndreevSemen/twofactor/internal/auth"
	"github.com/AndreevSemen/twofactor/internal/challenges"
	"github.com/AndreevSemen/twofactor/internal/config"
	"github.com/AndreevSemen/twofactor/internal/db"
	"github.com/AndreevSemen/twofactor/internal/server"
	"github.com/AndreevSemen/twofactor/internal/webauthn"
)

var (
	configPath = flag.String("config", "", "config path")
	debug      = flag.Bool("debug", false, "enable debug logging")
)

func main() {
	flag.Parse()
	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	cfg, err := config.Parse(*configPath)
	if err != nil {
		logrus.Fatalf("parse config: %s", err)
	}

	secret, exists := os.LookupEnv(cfg.Server.SecretEnv)
	if !exists || secret == "" {
		logrus.Fatalf("env '%s' with token secret not exists", cfg.Server.SecretEnv)
	}

	store, err := db.NewSQLiteDB(cfg)
	if err != nil {
		logrus.Fatalf("open database: %s", err)
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		logrus.Fatalf("ping redis %s: %s", cfg.Redis.Addr, err)
	}

	authManager := auth.NewAuthManager(cfg, store, secret)
	manager := webauthn.NewManager(cfg, store, challenges.NewStore(rdb, cfg.Redis.Prefix))
	srv := server.NewServer(cfg, authManager, manager, store)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		logrus.Fatalf("listen port %d: %s", cfg.Server.Port, err)
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Stop(ctx); err != nil {
			logrus.Errorf("stop server: %s", err)
		}
	}()

	srv.Start(lis)
}
