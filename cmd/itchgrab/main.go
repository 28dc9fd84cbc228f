package main

import (
	"context"

	"itchgrab/cmd/itchgrab/commands"
	"itchgrab/lib/telemetry"
)

func main() {
	ctx := context.Background()
	telemetry.SetupFromEnv(ctx, "itchgrab")
	defer telemetry.Shutdown(ctx)
	commands.ExecuteContext(ctx)
}
