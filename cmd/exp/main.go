package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"experimenter/internal/app"
	"experimenter/internal/client"
	"experimenter/internal/config"
	"experimenter/internal/domain"
	"experimenter/internal/engine"
	"experimenter/internal/repo"
)

var logger = zap.NewNop()

var rootCmd = &cobra.Command{
	Use:   "exp",
	Short: "Experimenter CLI",
	Long: `Experimenter runs experiments through a reviewed launch lifecycle.
- Status: DRAFT -> PREVIEW -> REVIEW -> ACCEPTED -> LIVE -> COMPLETE.
- Publish status tracks a pending change: IDLE, REVIEW (waiting for a reviewer), APPROVED (waiting for the publisher) and WAITING (held by the publish gate).
- Dual control: whoever requested a change can never approve or reject it.
- Commands act on the local workspace (.experimenter/) unless --endpoint points at a running server.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := app.LoadEnv(viper.GetString("workspace")); err != nil {
			return fmt.Errorf("load %s: %w", app.EnvFile, err)
		}
		l, err := newLogger(viper.GetBool("debug"), viper.GetString("log-level"))
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("EXPERIMENTER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("endpoint", "", "GraphQL endpoint of a running server; empty acts on the local workspace")
	flags.String("api-key", "", "API key for --endpoint")
	flags.String("token", "", "bearer token for --endpoint")
	flags.Bool("debug", false, "development logging")
	flags.String("log-level", "warn", "log level")
	for _, name := range []string{"workspace", "json", "actor-id", "endpoint", "api-key", "token", "debug", "log-level"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(experimentCmd())
	rootCmd.AddCommand(launchCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(endCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(redirectCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(publishCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serveCmd())
}

func newLogger(debug bool, level string) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("--log-level: %w", err)
	}
	cfg.Level = lvl
	return cfg.Build()
}

// --- helpers ---

func actorID() string {
	return viper.GetString("actor-id")
}

func withWorkspace(ctx context.Context, fn func(context.Context, *app.Workspace) error) error {
	ws, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		Owner:     actorID(),
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withWorkspace(ctx, func(ctx context.Context, ws *app.Workspace) error {
		return fn(ctx, ws.Engine)
	})
}

// backend is what the lifecycle commands need from whoever owns the record.
type backend interface {
	client.Fetcher
	UpdateExperiment(ctx context.Context, in domain.ExperimentInput) (domain.MutationResult, error)
}

// localBackend runs changes through the workspace engine as the CLI actor.
type localBackend struct {
	engine engine.Engine
	actor  string
}

func (b localBackend) Experiment(ctx context.Context, id int64) (*domain.Experiment, error) {
	exp, err := b.engine.GetExperiment(ctx, id, b.actor)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &exp, nil
}

func (b localBackend) UpdateExperiment(ctx context.Context, in domain.ExperimentInput) (domain.MutationResult, error) {
	return b.engine.UpdateExperiment(ctx, in, b.actor)
}

func remoteClient() *client.Client {
	c := client.New(viper.GetString("endpoint"))
	c.APIKey = viper.GetString("api-key")
	c.BearerToken = viper.GetString("token")
	c.ActorID = actorID()
	return c
}

// withBackend hands fn the remote client when --endpoint is set and the local
// engine otherwise, along with the workspace config.
func withBackend(ctx context.Context, fn func(context.Context, backend, *config.Config) error) error {
	if viper.GetString("endpoint") != "" {
		cfg, err := config.LoadOptional(viper.GetString("workspace"))
		if err != nil {
			return err
		}
		return fn(ctx, remoteClient(), cfg)
	}
	return withWorkspace(ctx, func(ctx context.Context, ws *app.Workspace) error {
		return fn(ctx, localBackend{engine: ws.Engine, actor: actorID()}, ws.Config)
	})
}

func loadExperiment(ctx context.Context, b backend, id int64) (*domain.Experiment, error) {
	exp, err := b.Experiment(ctx, id)
	if err != nil {
		return nil, err
	}
	if exp == nil {
		return nil, fmt.Errorf("experiment %d not found", id)
	}
	return exp, nil
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid experiment id %q", arg)
	}
	return id, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printFieldErrors prints a field-keyed error map in a stable order.
func printFieldErrors(errs map[string][]string) {
	keys := make([]string, 0, len(errs))
	for k := range errs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, msg := range errs[k] {
			fmt.Printf("  %s: %s\n", k, msg)
		}
	}
}

func optionalString(s string) *string {
	return &s
}
