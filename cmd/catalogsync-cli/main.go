package main

import (
	"context"
	"log/slog"

	"catalogsync/cmd/catalogsync-cli/commands"
	"catalogsync/lib/serviceutil"
	"catalogsync/lib/telemetry"
)

func main() {
	ctx := serviceutil.SignalContext()
	telemetry.InitSlog(false)

	tel, err := telemetry.SetupFromEnv(ctx, "catalogsync-cli")
	if err != nil {
		slog.Warn("telemetry disabled", "err", err)
	} else {
		defer tel.Shutdown(context.Background())
	}

	commands.ExecuteContext(ctx)
}
