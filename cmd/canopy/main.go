// Command canopy is a console for browsing a remote drive and inspecting
// the knowledge base that indexes it. It also ships a standalone mock
// gateway for local development.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/canopyhq/canopy/internal/config"
	"github.com/canopyhq/canopy/internal/kbstate"
	"github.com/canopyhq/canopy/internal/logging"
	"github.com/canopyhq/canopy/internal/metrics"
	"github.com/canopyhq/canopy/internal/notify"
	"github.com/canopyhq/canopy/internal/session"
	"github.com/canopyhq/canopy/mockgateway"
	"github.com/canopyhq/canopy/pkg/gateway"
	"github.com/canopyhq/canopy/pkg/models"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "canopy",
		Short:         "Browse a remote drive and its knowledge-base indexing status",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")

	root.AddCommand(lsCmd(), statusCmd(), mockGatewayCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newSession(cfg *config.Config) *session.Session {
	gw := gateway.New(gateway.Config{
		BaseURL:   cfg.GatewayURL,
		Timeout:   cfg.GatewayTimeout,
		AuthToken: cfg.GatewayToken,
	})
	return session.New(gw, kbstate.New(cfg.StatePath), notify.NewHub(), session.Config{
		CacheTTL:        cfg.CacheTTL,
		PollInterval:    cfg.PollInterval,
		PollMaxDuration: cfg.PollMaxDuration,
	})
}

// lsCmd prints the drive tree, expanding directories along the given path.
func lsCmd() *cobra.Command {
	var settleWait time.Duration

	cmd := &cobra.Command{
		Use:   "ls [path]",
		Short: "List the drive tree with indexing status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logging.Sync()

			ctx := cmd.Context()
			s := newSession(cfg)
			if err := s.Mount(ctx); err != nil {
				return err
			}

			if len(args) == 1 && args[0] != "" && args[0] != "/" {
				if err := expandPath(ctx, s, strings.Trim(args[0], "/")); err != nil {
					return err
				}
			}

			if settleWait > 0 {
				waitSettled(s, settleWait)
			}

			for _, n := range s.Rows() {
				printRow(n)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&settleWait, "wait", 0, "wait up to this long for statuses to settle")
	return cmd
}

// expandPath expands every directory along the slash-separated path.
func expandPath(ctx context.Context, s *session.Session, path string) error {
	segments := strings.Split(path, "/")
	for i := range segments {
		want := strings.Join(segments[:i+1], "/")
		var dirID string
		for _, n := range s.Rows() {
			if n.IsDir && n.Name == want {
				dirID = n.ID
				break
			}
		}
		if dirID == "" {
			return fmt.Errorf("no such directory: %s", want)
		}
		if err := s.Expand(ctx, dirID); err != nil {
			return err
		}
	}
	return nil
}

func waitSettled(s *session.Session, max time.Duration) {
	deadline := time.Now().Add(max)
	for time.Now().Before(deadline) {
		if s.AllSettled() {
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func printRow(n *models.Node) {
	indent := strings.Repeat("  ", n.Level)
	if n.IsDir {
		marker := "+"
		if n.IsExpanded {
			marker = "-"
		}
		fmt.Printf("%s%s %s/\n", indent, marker, n.DisplayName())
		return
	}
	fmt.Printf("%s  %-40s %s\n", indent, n.DisplayName(), displayStatus(n.Status))
}

func displayStatus(st models.Status) string {
	if st == "" || st == models.StatusAbsent {
		return "-"
	}
	return string(st)
}

// statusCmd prints aggregate indexing status for the active knowledge base.
func statusCmd() *cobra.Command {
	var prefix string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show indexing status counts for the active knowledge base",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logging.Sync()

			var kb models.KnowledgeBase
			ok, err := kbstate.New(cfg.StatePath).Load(&kb)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no active knowledge base")
			}

			gw := gateway.New(gateway.Config{
				BaseURL:   cfg.GatewayURL,
				Timeout:   cfg.GatewayTimeout,
				AuthToken: cfg.GatewayToken,
			})
			statuses, err := gw.ListStatus(cmd.Context(), kb.ID, prefix)
			if err != nil {
				return err
			}

			counts := make(map[models.Status]int)
			for _, st := range statuses {
				counts[st.Status]++
			}
			fmt.Printf("knowledge base: %s (%s)\n", kb.Name, kb.ID)
			for _, st := range []models.Status{
				models.StatusIndexed, models.StatusPending,
				models.StatusPendingDelete, models.StatusError,
			} {
				if counts[st] > 0 {
					fmt.Printf("  %-15s %d\n", st, counts[st])
				}
			}
			if len(statuses) == 0 {
				fmt.Println("  no resources under prefix")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "restrict to resources under this path prefix")
	return cmd
}

// mockGatewayCmd runs the mock gateway standalone with a seeded demo tree.
func mockGatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mock-gateway",
		Short: "Run a standalone mock Resource Fetch Gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logging.Sync()

			gw := mockgateway.NewUnstarted(mockgateway.DemoOptions()...)

			go func() {
				logging.L().Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler())
				if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
					logging.L().Error("metrics server", zap.Error(err))
				}
			}()

			logging.L().Info("mock gateway listening", zap.String("addr", cfg.ListenAddr))
			return http.ListenAndServe(cfg.ListenAddr, logging.Middleware(gw.Handler()))
		},
	}
}
