// Kioku is the thread and memory orchestration binary.
//
// Configuration comes from an optional YAML file (--config or KIOKU_CONFIG)
// overridden by KIOKU_* environment variables:
//
//	KIOKU_DATABASE_PATH   - SQLite database (default: kioku.db)
//	KIOKU_BLOB_ROOT       - attachment directory (default: blobs)
//	KIOKU_HTTP_ADDR       - health/status listen address (default ":8080", empty disables)
//	KIOKU_PROVIDER_KIND   - "echo" (default), "openai" or "anthropic"
//	KIOKU_PROVIDER_MODEL  - model name (e.g. "gpt-4o-mini")
//	KIOKU_MASTER_KEY      - 64 hex chars; encrypts attachments at rest
//	KIOKU_LOG_LEVEL       - "debug", "info", "warn", "error" (default: "info")
//	KIOKU_LOG_FORMAT      - "text" or "json" (default: "text")
//
// Provider keys are read from OPENAI_API_KEY or ANTHROPIC_API_KEY unless
// provider.api_key_env names another variable.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/bdobrica/Kioku/internal/kioku/cli"
)

func main() {
	if err := cli.NewRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
