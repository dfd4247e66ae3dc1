package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"usergate.org/internal/audit"
	"usergate.org/internal/auth"
	"usergate.org/internal/config"
	"usergate.org/internal/httpapi"
	"usergate.org/internal/mail"
	"usergate.org/internal/store/memory"
	"usergate.org/internal/store/pg"
	redisstore "usergate.org/internal/store/redis"
)

// stores is the set of collaborators selected by storage.driver and ledger.driver.
type stores struct {
	main    auth.Store
	ledger  auth.RevocationLedger
	tickets auth.TicketStore
	ready   httpapi.Readiness
	closers []func() error
}

func (s *stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stores, error) {
	s := &stores{}
	switch cfg.Storage.Driver {
	case "postgres":
		db, err := pg.Open(cfg.Storage.DSN, pg.PoolOptions{
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.ConnMaxLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		s.main = db
		s.ready = append(s.ready, db)
		s.closers = append(s.closers, db.Close)
	case "memory":
		logger.Warn("using in-memory storage; data is lost on exit")
		mem := memory.New()
		s.main = mem
		s.ready = append(s.ready, mem)
	default:
		return nil, fmt.Errorf("storage driver %q is not supported", cfg.Storage.Driver)
	}

	switch cfg.Ledger.Driver {
	case "redis":
		rs, err := redisstore.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, redisstore.WithPrefix(cfg.Redis.Prefix))
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("open redis: %w", err)
		}
		s.ledger, s.tickets = rs, rs
		s.ready = append(s.ready, rs)
		s.closers = append(s.closers, rs.Close)
	case "memory":
		if cfg.Storage.Driver != "memory" {
			logger.Warn("revocations and reset tickets are kept in memory only")
			mem := memory.New()
			s.ledger, s.tickets = mem, mem
			break
		}
		s.ledger, s.tickets = s.main, s.main
	default:
		s.ledger, s.tickets = s.main, s.main
	}
	return s, nil
}

func newMailer(cfg *config.Config, logger *zap.Logger) (auth.Mailer, error) {
	if !cfg.SMTPEnabled() {
		return mail.NewLogSender(logger), nil
	}
	sender, err := mail.NewSMTPSender(mail.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		TLSMode:  cfg.SMTP.TLSMode,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("smtp: %w", err)
	}
	return sender, nil
}

func newService(cfg *config.Config, st *stores, mailer auth.Mailer, logger *zap.Logger) (*auth.Service, error) {
	opts := []auth.ServiceOption{
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithKeyID(cfg.Auth.KeyID),
		auth.WithAccessTTL(cfg.Auth.AccessTTL),
		auth.WithRefreshTTL(cfg.Auth.RefreshTTL),
		auth.WithStoreTimeout(cfg.Storage.Timeout),
		auth.WithRecorder(audit.Tee{st.main, audit.NewLogRecorder(logger)}),
		auth.WithMailer(mailer),
		auth.WithLogger(logger),
		auth.WithAdminRole(cfg.Auth.AdminRole),
		auth.WithResetBaseURL(cfg.Reset.BaseURL),
		auth.WithConcealUnknownEmail(cfg.Reset.ConcealUnknownEmail),
	}
	if cfg.Auth.PrivateKeyPath != "" && cfg.Auth.PublicKeyPath != "" {
		priv, err := os.ReadFile(cfg.Auth.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		pub, err := os.ReadFile(cfg.Auth.PublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read public key: %w", err)
		}
		opts = append(opts, auth.WithRS256Keys(string(priv), string(pub)))
	} else {
		opts = append(opts, auth.WithTokenSecret(cfg.Auth.Secret))
	}
	return auth.NewService(st.main, st.ledger, st.tickets, opts...)
}
