// Command serveit publishes a directory over HTTP.
//
// It takes no arguments; see the SERVEIT_* environment variables.
package main

import (
	"context"
	"fmt"
	"os"

	_ "go.uber.org/automaxprocs"

	"github.com/o-p-n/serveit"
	"github.com/o-p-n/serveit/internal/logging"
)

func main() {
	if err := logging.Init(os.Getenv(logging.EnvLogLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "serveit: logging setup failed: %v\n", err)
		os.Exit(1)
	}
	os.Exit(run(context.Background()))
}

// run serves until ctx is done or a signal arrives and returns the exit code.
func run(ctx context.Context) int {
	log := logging.For("serveit")

	settings, err := serveit.SettingsFromEnvironment()
	if err != nil {
		logging.For("serveit::config").Error("could not load settings", "error", err)
		return 1
	}

	srv, err := serveit.NewServer(settings)
	if err != nil {
		logging.For("serveit::config").Error("could not serve root directory", "root", settings.RootDir, "error", err)
		return 1
	}
	if err := srv.Run(ctx); err != nil {
		log.Error("server failed", "error", err)
		return 1
	}
	return 0
}
