// Command ratecheck replays synthetic traffic through the admission
// controller configured from the environment.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/NikhilSetiya/storyforge/internal/ratecheck"
	"github.com/NikhilSetiya/storyforge/internal/storage"
	"github.com/NikhilSetiya/storyforge/pkg/config"
	"github.com/NikhilSetiya/storyforge/pkg/logging"
	"github.com/NikhilSetiya/storyforge/pkg/ratelimit"
)

var (
	outputFormat string
	useRedis     bool

	simulateClass    string
	simulateClients  []string
	simulateRequests int
	simulateInterval time.Duration

	statusClient string
)

var rootCmd = &cobra.Command{
	Use:           "ratecheck",
	Short:         "Inspect and exercise storyforge admission limits",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var limitsCmd = &cobra.Command{
	Use:   "limits",
	Short: "Show the effective limits",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := ratecheck.ParseFormat(outputFormat)
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return ratecheck.WriteLimits(cmd.OutOrStdout(), cfg.RateLimiter(), format)
	},
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Send synthetic requests through an in-memory controller",
	Example: `  ratecheck simulate --class story-generation --requests 15 --interval 2s
  ratecheck simulate --clients alice,bob --requests 40 --interval 100ms --output-format json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := ratecheck.ParseFormat(outputFormat)
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		// Simulations never touch shared counters
		controller, err := ratelimit.New(cfg.RateLimiter(), nil, ratelimit.WithLogger(quietLogger()))
		if err != nil {
			return err
		}

		report, err := ratecheck.Simulate(cmd.Context(), controller, ratecheck.Plan{
			Class:    simulateClass,
			Clients:  simulateClients,
			Requests: simulateRequests,
			Interval: simulateInterval,
		})
		if err != nil {
			return err
		}
		return ratecheck.WriteReport(cmd.OutOrStdout(), report, format)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a client's live counters without consuming quota",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := ratecheck.ParseFormat(outputFormat)
		if err != nil {
			return err
		}
		if strings.TrimSpace(statusClient) == "" {
			return fmt.Errorf("--client is required")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		var store ratelimit.Store
		if useRedis {
			client, err := storage.NewRedisClient(cmd.Context(), &cfg.Redis, nil)
			if err != nil {
				return err
			}
			defer client.Close()
			store = ratelimit.NewRedisStore(client.Client(), cfg.RateLimit.KeyPrefix)
		}

		controller, err := ratelimit.New(cfg.RateLimiter(), store, ratelimit.WithLogger(quietLogger()))
		if err != nil {
			return err
		}

		now := time.Now()
		var counters []ratelimit.CounterSnapshot
		for _, class := range []string{ratelimit.ClassStoryGeneration, ratelimit.ClassList, ratelimit.ClassHealth, ratelimit.ClassDefault} {
			snapshot, err := controller.Snapshot(cmd.Context(), ratelimit.Key{Client: statusClient, Class: class}, now)
			if err != nil {
				return err
			}
			for _, c := range snapshot {
				// The global bucket appears once per class
				if c.Scope == ratelimit.ScopeGlobal && containsGlobal(counters) {
					continue
				}
				counters = append(counters, c)
			}
		}
		return ratecheck.WriteSnapshot(cmd.OutOrStdout(), counters, now, format)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output-format", ratecheck.FormatTable, "Output format: table|json")

	simulateCmd.Flags().StringVar(&simulateClass, "class", ratelimit.ClassStoryGeneration, "Endpoint class to charge")
	simulateCmd.Flags().StringSliceVar(&simulateClients, "clients", []string{"client-1"}, "Client keys, used round-robin")
	simulateCmd.Flags().IntVar(&simulateRequests, "requests", 20, "Number of requests to send")
	simulateCmd.Flags().DurationVar(&simulateInterval, "interval", time.Second, "Simulated time between requests")

	statusCmd.Flags().StringVar(&statusClient, "client", "", "Client key to inspect")
	statusCmd.Flags().BoolVar(&useRedis, "redis", false, "Read counters from the configured Redis")

	rootCmd.AddCommand(limitsCmd, simulateCmd, statusCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ratecheck: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	return config.Load()
}

func quietLogger() *logging.Logger {
	logger, err := logging.NewLogger(&logging.Config{Level: "error", Format: "text", Output: "stderr"})
	if err != nil {
		return logging.GetLogger()
	}
	return logger
}

func containsGlobal(counters []ratelimit.CounterSnapshot) bool {
	for _, c := range counters {
		if c.Scope == ratelimit.ScopeGlobal {
			return true
		}
	}
	return false
}
