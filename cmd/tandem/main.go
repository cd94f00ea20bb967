// Command tandem runs one pair-programming session: an Architect plans, a
// Driver implements, and a Navigator reviews every file mutation.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"tandem/internal/kernel"
	"tandem/pkg/config"
	"tandem/pkg/logx"
	"tandem/pkg/proto"
)

// Version information - set via ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		task        = flag.String("task", "", "Task description for the session")
		taskFile    = flag.String("task-file", "", "Read the task description from a file")
		projectDir  = flag.String("projectdir", ".", "Project directory")
		architect   = flag.String("architect", "", "Architect backend: provider or provider/model")
		driver      = flag.String("driver", "", "Driver backend: provider or provider/model")
		navigator   = flag.String("navigator", "", "Navigator backend: provider or provider/model")
		metricsAddr = flag.String("metrics-addr", "", "Serve Prometheus metrics on this address")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("tandem %s (%s)\n", version, commit)
		return 0
	}

	logger := logx.NewLogger("tandem")

	cfg, err := config.Load(*projectDir)
	if err != nil {
		logger.Error("❌ Config load failed: %v", err)
		return 1
	}

	cfg.Task = strings.TrimSpace(*task)
	if *taskFile != "" {
		data, err := os.ReadFile(*taskFile)
		if err != nil {
			logger.Error("❌ Failed to read task file: %v", err)
			return 1
		}
		cfg.Task = strings.TrimSpace(string(data))
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	applyBinding(&cfg.Architect, *architect)
	applyBinding(&cfg.Driver, *driver)
	applyBinding(&cfg.Navigator, *navigator)

	k, err := kernel.New(cfg, logger)
	if err != nil {
		logger.Error("❌ %v", err)
		return 1
	}
	defer func() {
		if err := k.Close(); err != nil {
			logger.Warn("⚠️ Shutdown left residue: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	interactive := term.IsTerminal(int(os.Stdout.Fd()))
	if interactive {
		fmt.Printf("🔄 tandem session %s\n", k.SessionID())
	}

	runErr := k.Run(ctx)
	result := k.Result()

	switch result.State {
	case proto.StateComplete:
		if interactive {
			fmt.Printf("✅ Session complete: %s\n", result.Summary)
		} else {
			fmt.Printf("complete: %s\n", result.Summary)
		}
		return 0
	default:
		reason := result.Summary
		if reason == "" && runErr != nil {
			reason = runErr.Error()
		}
		if interactive {
			fmt.Printf("❌ Session failed: %s\n", reason)
		} else {
			fmt.Printf("failed: %s\n", reason)
		}
		return 1
	}
}

// applyBinding overrides a role binding from a provider or provider/model
// descriptor.
func applyBinding(binding *config.RoleBinding, descriptor string) {
	if descriptor == "" {
		return
	}
	parts := strings.SplitN(descriptor, "/", 2)
	binding.Provider = parts[0]
	if len(parts) == 2 {
		binding.Model = parts[1]
	}
}
