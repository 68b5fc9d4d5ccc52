package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/gin-gonic/gin"

	"github.com/nestaid/nestaid-server/internal/api"
	"github.com/nestaid/nestaid-server/internal/app"
	"github.com/nestaid/nestaid-server/internal/app/maintenance"
	iauth "github.com/nestaid/nestaid-server/internal/auth"
	"github.com/nestaid/nestaid-server/internal/database"
	"github.com/nestaid/nestaid-server/internal/delivery"
	"github.com/nestaid/nestaid-server/internal/services"
	"github.com/nestaid/nestaid-server/pkg/logger"
	"github.com/nestaid/nestaid-server/pkg/mail"
)

// runtimeStack bundles long-lived services used by the HTTP server.
type runtimeStack struct {
	DB        *gorm.DB
	SMSSender *delivery.QueuedSMSSender
	Cleaner   *maintenance.Cleaner
	Router    *gin.Engine
}

// bootstrapRuntime initialises the database, delivery pipeline, services, and the HTTP router.
func bootstrapRuntime(_ context.Context, cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{}
	var err error
	success := false

	defer func() {
		if !success {
			stack.Shutdown(context.Background(), log)
		}
	}()

	// enable gin debug mod
	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	stack.DB, err = initialiseDatabase(cfg)
	if err != nil {
		return nil, err
	}

	jwtSvc, err := iauth.NewJWTService(cfg.Auth.JWTServiceConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise jwt service: %w", err)
	}

	deliverer, sender, err := buildDeliverer(cfg, log)
	if err != nil {
		return nil, err
	}
	stack.SMSSender = sender

	svcs, err := buildServices(stack.DB, deliverer, cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Maintenance.Enabled {
		stack.Cleaner = maintenance.NewCleaner(stack.DB, svcs.Invitations,
			maintenance.WithExpirySchedule(cfg.Maintenance.ExpirySchedule),
			maintenance.WithHistorySchedule(cfg.Maintenance.HistorySchedule),
			maintenance.WithHistoryRetentionDays(cfg.Maintenance.HistoryRetentionDays),
		)
		if err := stack.Cleaner.Start(); err != nil {
			return nil, fmt.Errorf("start maintenance jobs: %w", err)
		}
	}

	stack.Router, err = api.NewRouter(jwtSvc, svcs)
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	success = true
	return stack, nil
}

// buildDeliverer wires the SMS queue, rate limiter, and email channel into a
// delivery router. The returned sender is non-nil only when SMS is enabled
// and must be closed on shutdown.
func buildDeliverer(cfg *app.Config, log *zap.Logger) (services.Deliverer, *delivery.QueuedSMSSender, error) {
	var (
		smsProvider delivery.SMSProvider
		sender      *delivery.QueuedSMSSender
		err         error
	)

	if cfg.SMS.Enabled {
		limiter := delivery.NewLimiter(cfg.SMS.SendInterval, cfg.SMS.Burst)
		sender, err = delivery.NewQueuedSMSSender(delivery.NewLogSMSProvider(), limiter)
		if err != nil {
			return nil, nil, fmt.Errorf("initialise sms sender: %w", err)
		}
		smsProvider = sender
	} else {
		log.Info("sms delivery disabled")
	}

	var emailProvider delivery.EmailProvider
	if cfg.Email.SMTP.Enabled {
		mailer, err := mail.NewSMTPMailer(cfg.Email.SMTPSettings())
		if err != nil {
			if sender != nil {
				sender.Close()
			}
			return nil, nil, fmt.Errorf("initialise mailer: %w", err)
		}
		emailProvider, err = delivery.NewMailerProvider(mailer, cfg.Email.SMTP.From)
		if err != nil {
			if sender != nil {
				sender.Close()
			}
			return nil, nil, fmt.Errorf("initialise email channel: %w", err)
		}
	} else {
		log.Info("email delivery disabled")
	}

	opts := []delivery.RouterOption{}
	if cfg.SMS.MaxAttempts > 0 {
		opts = append(opts, delivery.WithMaxAttempts(cfg.SMS.MaxAttempts))
	}
	if cfg.SMS.Backoff > 0 {
		opts = append(opts, delivery.WithBackoff(cfg.SMS.Backoff))
	}

	return delivery.NewRouter(smsProvider, emailProvider, opts...), sender, nil
}

func buildServices(db *gorm.DB, deliverer services.Deliverer, cfg *app.Config) (*api.Services, error) {
	contactOpts := []services.ContactOption{}
	syncOpts := []services.SyncOption{}
	if cfg.Contacts.ImportLimit > 0 {
		contactOpts = append(contactOpts, services.WithImportLimit(cfg.Contacts.ImportLimit))
	}
	if cfg.Contacts.SyncLimit > 0 {
		syncOpts = append(syncOpts, services.WithSyncLimit(cfg.Contacts.SyncLimit))
	}
	if cfg.Contacts.Workers > 0 {
		contactOpts = append(contactOpts, services.WithContactWorkers(cfg.Contacts.Workers))
		syncOpts = append(syncOpts, services.WithSyncWorkers(cfg.Contacts.Workers))
	}

	contactSvc, err := services.NewContactService(db, contactOpts...)
	if err != nil {
		return nil, fmt.Errorf("initialise contact service: %w", err)
	}

	syncSvc, err := services.NewSyncService(db, syncOpts...)
	if err != nil {
		return nil, fmt.Errorf("initialise sync service: %w", err)
	}

	referralSvc, err := services.NewReferralService(db)
	if err != nil {
		return nil, fmt.Errorf("initialise referral service: %w", err)
	}

	inviteOpts := []services.InvitationOption{}
	if cfg.Invitations.ExpiryDays > 0 {
		inviteOpts = append(inviteOpts, services.WithInvitationExpiry(time.Duration(cfg.Invitations.ExpiryDays)*24*time.Hour))
	}
	if cfg.Invitations.ResendWindowDays > 0 {
		inviteOpts = append(inviteOpts, services.WithResendWindow(time.Duration(cfg.Invitations.ResendWindowDays)*24*time.Hour))
	}
	if cfg.Invitations.MaxBulkSize > 0 {
		inviteOpts = append(inviteOpts, services.WithBulkInviteLimit(cfg.Invitations.MaxBulkSize))
	}
	if cfg.Invitations.BaseURL != "" {
		inviteOpts = append(inviteOpts, services.WithInviteBaseURL(cfg.Invitations.BaseURL))
	}
	if cfg.Contacts.Workers > 0 {
		inviteOpts = append(inviteOpts, services.WithInvitationWorkers(cfg.Contacts.Workers))
	}

	invitationSvc, err := services.NewInvitationService(db, deliverer, referralSvc, inviteOpts...)
	if err != nil {
		return nil, fmt.Errorf("initialise invitation service: %w", err)
	}

	analyticsSvc, err := services.NewAnalyticsService(db)
	if err != nil {
		return nil, fmt.Errorf("initialise analytics service: %w", err)
	}

	return &api.Services{
		Contacts:    contactSvc,
		Sync:        syncSvc,
		Invitations: invitationSvc,
		Referrals:   referralSvc,
		Analytics:   analyticsSvc,
	}, nil
}

// Shutdown gracefully stops background jobs and releases resources.
func (s *runtimeStack) Shutdown(ctx context.Context, log *zap.Logger) {
	if s == nil {
		return
	}

	if s.Cleaner != nil {
		stopCtx := s.Cleaner.Stop()
		if stopCtx != nil {
			ctx = stopCtx
		}
		if err := s.Cleaner.RunOnce(ctx); err != nil {
			log.Warn("maintenance shutdown cleanup failed", zap.Error(err))
		}
	}

	if s.SMSSender != nil {
		s.SMSSender.Close()
	}

	if s.DB != nil {
		closeDatabase(s.DB, log)
	}
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := convertDatabaseConfig(cfg)
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}

	log := logger.WithModule("database")
	log.Info("database connected", zap.String("driver", strings.ToLower(strings.TrimSpace(dbCfg.Driver))))

	return db, nil
}

func convertDatabaseConfig(cfg *app.Config) database.Config {
	dbCfg := database.Config{
		Driver: strings.ToLower(strings.TrimSpace(cfg.Database.Driver)),
		Path:   strings.TrimSpace(cfg.Database.Path),
		DSN:    strings.TrimSpace(cfg.Database.DSN),
	}

	switch dbCfg.Driver {
	case "", "sqlite":
		dbCfg.Driver = "sqlite"
	case "postgres", "postgresql":
		dbCfg.Driver = "postgres"
		dbCfg.Host = strings.TrimSpace(cfg.Database.Postgres.Host)
		dbCfg.Port = cfg.Database.Postgres.Port
		dbCfg.Name = strings.TrimSpace(cfg.Database.Postgres.Database)
		dbCfg.User = strings.TrimSpace(cfg.Database.Postgres.Username)
		dbCfg.Password = strings.TrimSpace(cfg.Database.Postgres.Password)
	case "mysql":
		dbCfg.Host = strings.TrimSpace(cfg.Database.MySQL.Host)
		dbCfg.Port = cfg.Database.MySQL.Port
		dbCfg.Name = strings.TrimSpace(cfg.Database.MySQL.Database)
		dbCfg.User = strings.TrimSpace(cfg.Database.MySQL.Username)
		dbCfg.Password = strings.TrimSpace(cfg.Database.MySQL.Password)
	default:
		// Leave driver as-is to surface unsupported driver error during open.
	}

	return dbCfg
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	if db == nil {
		return
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("failed to obtain underlying sql DB for closing", zap.Error(err))
		return
	}

	if err := sqlDB.Close(); err != nil {
		log.Warn("failed to close database", zap.Error(err))
	}
}
