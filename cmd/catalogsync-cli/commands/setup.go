package commands

import (
	"context"
	"log/slog"
	"time"

	"catalogsync/lib/portal"
	"catalogsync/lib/serviceutil"
)

type clients struct {
	cfg     Config
	session *portal.Session
	exec    *portal.Executor
	manager *portal.Manager
}

func setup() clients {
	cfg, err := readConfig()
	if err != nil {
		serviceutil.Fatal("failed to read catalogsync.json5", err)
	}

	session := portal.NewSession(portal.NewFileStore(cfg.SessionPath))
	restored, err := session.Restore()
	if err != nil {
		serviceutil.Fatal("failed to restore session snapshot", err)
	}
	if restored {
		slog.Info("restored session snapshot", "path", cfg.SessionPath)
	}

	exec, err := portal.NewExecutor(session, portal.ExecutorOptions{
		BaseURL: cfg.BaseURL,
		Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		serviceutil.Fatal("failed to initialize executor", err)
	}

	manager := portal.NewManager(session, exec, cfg.Credentials, cfg.Login)

	return clients{
		cfg:     cfg,
		session: session,
		exec:    exec,
		manager: manager,
	}
}

// ensureSession reuses a restored session when it still validates
// against the probe page, and logs in fresh otherwise.
func ensureSession(ctx context.Context, c clients) error {
	if c.session.Validated() {
		ok, err := c.manager.ValidateExisting(ctx)
		if err != nil {
			slog.Warn("session validation errored, falling back to login", "err", err)
		}
		if ok {
			slog.Info("reusing existing session")
			return nil
		}
	}
	return c.manager.Login(ctx)
}
