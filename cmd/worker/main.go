package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/emberline/dispatch/internal/config"
	"github.com/emberline/dispatch/internal/crm"
	"github.com/emberline/dispatch/internal/domain"
	"github.com/emberline/dispatch/internal/notify"
	"github.com/emberline/dispatch/internal/pkg/logger"
	"github.com/emberline/dispatch/internal/repository/postgres"
	"github.com/emberline/dispatch/internal/sender"
	"github.com/emberline/dispatch/internal/service/campaign"
	"github.com/emberline/dispatch/internal/storage"
	"github.com/emberline/dispatch/internal/worker"
)

func main() {
	cfg, err := config.LoadFromEnv(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logger.Error("failed to load config", "error", err.Error())
		os.Exit(1)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	if cfg.Logging.RedactPII != nil {
		logger.SetRedactPII(*cfg.Logging.RedactPII)
	}

	db, err := openDatabase(cfg.Database)
	if err != nil {
		logger.Error("failed to connect to database", "error", err.Error())
		os.Exit(1)
	}
	defer db.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	campaigns := postgres.NewCampaignRepo(db)
	batches := postgres.NewBatchRepo(db)
	messages := postgres.NewMessageRepo(db)
	notifications := notify.NewStore(db)
	queue := worker.NewTickQueue(redisClient)

	var crmClient *crm.Client
	if cfg.CRM.BaseURL != "" {
		crmClient = crm.NewClient(cfg.CRM)
	}

	var activity sender.ActivityLogger
	if crmClient != nil && cfg.CRM.MirrorActivity {
		activity = crmClient
	}

	var blobs storage.BlobStore
	if cfg.Storage.Bucket != "" {
		s3, err := storage.NewS3Storage(context.Background(), cfg.Storage)
		if err != nil {
			logger.Error("failed to initialize blob storage", "error", err.Error())
			os.Exit(1)
		}
		blobs = s3
	}

	emailSender, err := sender.NewEmailSender(cfg.SES, cfg.Tracking.BaseURL, blobs, activity, cfg.Dispatch.EmailThrottle())
	if err != nil {
		logger.Error("failed to initialize email sender", "error", err.Error())
		os.Exit(1)
	}
	gateway := sender.NewGatewayClient(cfg.WhatsApp)
	whatsappSender := sender.NewWhatsAppSender(gateway, activity, cfg.Dispatch.WhatsAppThrottle())

	senders := map[domain.Channel]sender.Sender{
		domain.ChannelEmail:    emailSender,
		domain.ChannelWhatsApp: whatsappSender,
	}

	// The service needs the contact source for filter expansion; the
	// interface stays nil when no CRM is configured, and filter
	// campaigns fail loudly instead of silently stalling.
	var contacts campaign.ContactSource
	if crmClient != nil {
		contacts = crmClient
	}
	svc := campaign.NewService(campaigns, batches, messages, queue, contacts, cfg.Dispatch.TickDelay())

	processor := worker.NewBatchProcessor(campaigns, batches, messages, senders, notifications, queue, cfg.Dispatch.TickDelay())
	pool := worker.NewPool(queue, processor, svc, redisClient, db,
		cfg.Dispatch.Workers,
		time.Duration(cfg.Dispatch.PollIntervalMs)*time.Millisecond,
		time.Duration(cfg.Dispatch.LockTTLSeconds)*time.Second)

	if err := pool.Start(); err != nil {
		logger.Error("failed to start worker pool", "error", err.Error())
		os.Exit(1)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("[Worker] shutting down")
	pool.Stop()
}

func openDatabase(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
