package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/keyfold/keyfold/internal/api"
	"github.com/keyfold/keyfold/internal/app"
	"github.com/keyfold/keyfold/internal/app/maintenance"
	iauth "github.com/keyfold/keyfold/internal/auth"
	"github.com/keyfold/keyfold/internal/auth/mfa"
	"github.com/keyfold/keyfold/internal/database"
	"github.com/keyfold/keyfold/internal/geoip"
	"github.com/keyfold/keyfold/internal/ratelimit"
	"github.com/keyfold/keyfold/internal/services"
	"github.com/keyfold/keyfold/internal/vault"
	"github.com/keyfold/keyfold/pkg/logger"
)

// runtimeStack bundles long-lived services used by the HTTP server.
type runtimeStack struct {
	DB      *gorm.DB
	Keyring *vault.Keyring
	Gateway *iauth.Gateway
	Resets  *iauth.ResetService
	Cleaner *maintenance.Cleaner
	Router  *gin.Engine
}

// bootstrapRuntime initialises the database, keyring, services, and router.
func bootstrapRuntime(cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{}
	var err error
	success := false

	defer func() {
		if !success {
			stack.Shutdown(log)
		}
	}()

	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	stack.DB, err = initialiseDatabase(cfg)
	if err != nil {
		return nil, err
	}

	stack.Keyring, err = buildKeyring(cfg)
	if err != nil {
		return nil, err
	}

	users, err := services.NewUserService(stack.DB)
	if err != nil {
		return nil, fmt.Errorf("initialise user service: %w", err)
	}

	orgs, err := services.NewOrgService(stack.DB, stack.Keyring)
	if err != nil {
		return nil, fmt.Errorf("initialise org service: %w", err)
	}

	sessions, err := iauth.NewSessionService(stack.DB, iauth.SessionConfig{})
	if err != nil {
		return nil, fmt.Errorf("initialise session service: %w", err)
	}

	tokens := iauth.NewTokenService(iauth.TokenConfig{Issuer: cfg.Auth.Issuer})

	mfaSvc, err := mfa.NewService(stack.DB, stack.Keyring, mfa.WithIssuer(cfg.Auth.TOTPIssuer))
	if err != nil {
		return nil, fmt.Errorf("initialise mfa service: %w", err)
	}

	access, err := services.NewAccessLogService(stack.DB, geoip.StaticResolver{})
	if err != nil {
		return nil, fmt.Errorf("initialise access log service: %w", err)
	}

	stack.Gateway, err = iauth.NewGateway(iauth.GatewayConfig{
		Users:    users,
		Orgs:     orgs,
		Sessions: sessions,
		Tokens:   tokens,
		Keyring:  stack.Keyring,
		MFA:      mfaSvc,
		Access:   access,
	})
	if err != nil {
		return nil, fmt.Errorf("initialise auth gateway: %w", err)
	}

	stack.Resets, err = iauth.NewResetService(stack.DB, sessions,
		iauth.WithResetTokenTTL(cfg.Auth.ResetTokenTTL))
	if err != nil {
		return nil, fmt.Errorf("initialise reset service: %w", err)
	}

	counters, err := ratelimit.NewGormStore(stack.DB)
	if err != nil {
		return nil, fmt.Errorf("initialise rate counter store: %w", err)
	}

	limiter, err := ratelimit.NewLimiter(counters)
	if err != nil {
		return nil, fmt.Errorf("initialise rate limiter: %w", err)
	}

	stack.Cleaner, err = maintenance.NewCleaner(sessions, stack.Resets, access, counters,
		maintenance.WithAccessLogRetention(cfg.Maintenance.AccessLogRetention),
		maintenance.WithCounterIdle(cfg.Maintenance.CounterIdle),
		maintenance.WithSchedules(
			cfg.Maintenance.SessionSchedule,
			cfg.Maintenance.TokenSchedule,
			cfg.Maintenance.CounterSchedule,
			cfg.Maintenance.AccessLogSchedule,
		),
	)
	if err != nil {
		return nil, fmt.Errorf("initialise maintenance cleaner: %w", err)
	}

	stack.Router, err = api.NewRouter(cfg, api.Deps{
		DB:      stack.DB,
		Gateway: stack.Gateway,
		Resets:  stack.Resets,
		Orgs:    orgs,
		Limiter: limiter,
	})
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	success = true
	return stack, nil
}

// Shutdown releases resources; safe to call on a partially built stack.
func (s *runtimeStack) Shutdown(log *zap.Logger) {
	if s == nil {
		return
	}

	if s.Cleaner != nil {
		stopCtx := s.Cleaner.Stop()
		if err := s.Cleaner.RunOnce(stopCtx); err != nil {
			log.Warn("maintenance shutdown cleanup failed", zap.Error(err))
		}
	}

	closeDatabase(s.DB, log)
}

func buildKeyring(cfg *app.Config) (*vault.Keyring, error) {
	mode, err := vaultMode(cfg.Vault.Mode)
	if err != nil {
		return nil, err
	}

	var master []byte
	if mode == vault.ModeAESGCM {
		master, err = app.DecodeKey(cfg.Vault.MasterKey)
		if err != nil {
			return nil, fmt.Errorf("decode vault master key: %w", err)
		}
	}

	keyring, err := vault.NewKeyring(mode, master)
	if err != nil {
		return nil, fmt.Errorf("initialise keyring: %w", err)
	}
	return keyring, nil
}

func vaultMode(value string) (vault.Mode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", string(vault.ModeAESGCM):
		return vault.ModeAESGCM, nil
	case string(vault.ModePassthrough):
		return vault.ModePassthrough, nil
	default:
		return "", fmt.Errorf("unsupported vault mode %q", value)
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

// ensureMasterKeyPresent validates the vault key before services start.
func ensureMasterKeyPresent(cfg *app.Config) error {
	mode, err := vaultMode(cfg.Vault.Mode)
	if err != nil {
		return err
	}
	if mode != vault.ModeAESGCM {
		return nil
	}

	raw, err := app.DecodeKey(cfg.Vault.MasterKey)
	if err != nil {
		return fmt.Errorf("vault.master_key: %w", err)
	}
	if length := len(raw); length != 16 && length != 24 && length != 32 {
		return fmt.Errorf("vault.master_key must decode to 16, 24, or 32 bytes (current: %d)", length)
	}

	return nil
}
