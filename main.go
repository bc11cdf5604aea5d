package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"palaver/internal/api"
	"palaver/internal/bus"
	"palaver/internal/chat"
	"palaver/internal/commands"
	"palaver/internal/config"
	"palaver/internal/http"
	"palaver/internal/presence"
	"palaver/internal/push"
	"palaver/internal/storage"
	"palaver/internal/ws"
)

func run(ctx context.Context) error {
	seedUsers := flag.Bool("seed-users", false, "Seed the development roster into the store and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	if *seedUsers {
		return commands.SeedUsers(bbStorage)
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parsing REDIS_URL: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer func() { _ = redisClient.Close() }()
	}

	var fanout bus.Bus
	switch cfg.BusBackend {
	case "redis":
		fanout = bus.NewRedisBus(redisClient)
	case "nats":
		conn, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		fanout = bus.NewNATSBus(conn)
	default:
		fanout = bus.NewMemoryBus()
	}
	defer func() { _ = fanout.Close() }()

	var presenceStore presence.Store
	if redisClient != nil {
		presenceStore = presence.NewRedisStore(redisClient)
	} else {
		log.Println("REDIS_URL not set, presence is process-local")
		presenceStore = presence.NewMemoryStore()
	}
	tracker := presence.NewTracker(presenceStore, cfg.PresenceTTL)

	notifier := push.NewNotifier(bbStorage, push.Config{
		VAPIDPublicKey:  cfg.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.VAPIDPrivateKey,
		Subscriber:      cfg.PushSubscriber,
	})
	if !notifier.Enabled() {
		log.Println("VAPID keys not set, web push disabled")
	}

	chatService := chat.NewService(ctx, chat.ServiceConfig{
		Store:    bbStorage,
		Bus:      fanout,
		Presence: tracker,
		Notifier: notifier,
	})

	hub := ws.NewHub(fanout, tracker, cfg.SweepInterval)

	handlers := api.New(chatService, tracker, bbStorage)
	apiServer := http.NewAPIServer(handlers, hub, cfg.APIAddr)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return hub.Run(gCtx)
	})

	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
