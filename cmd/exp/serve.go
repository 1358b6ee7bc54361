package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"experimenter/internal/app"
	"experimenter/internal/config"
	"experimenter/internal/db"
	"experimenter/internal/metrics"
	"experimenter/internal/migrate"
	"experimenter/internal/publisher"
	"experimenter/internal/server"
)

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Workspace config",
		Long:  "experimenter.yml holds the server, workflow, publisher, client, RBAC and webhook settings. Missing sections keep their defaults.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default experimenter.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate experimenter.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			res, err := migrate.Apply(cmd.Context(), conn)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(res)
			}
			if len(res.Applied) == 0 {
				fmt.Printf("schema up to date (version %d)\n", res.To)
				return nil
			}
			fmt.Printf("migrated %d -> %d\n", res.From, res.To)
			for _, name := range res.Applied {
				fmt.Println("  applied", name)
			}
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, publisher and webhooks",
		Long:  "Serves the GraphQL endpoint and REST API, runs the publish sweep on the configured schedule and delivers changelog webhooks. Bearer tokens are verified with EXPERIMENTER_JWT_SECRET.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m := metrics.New()
			ws, err := app.Open(ctx, app.Options{
				Workspace: viper.GetString("workspace"),
				Owner:     actorID(),
				Logger:    logger,
				Metrics:   m,
			})
			if err != nil {
				return err
			}
			defer ws.Close()
			cfg := ws.Config

			if !cmd.Flags().Changed("addr") && cfg.Server.Addr != "" {
				addr = cfg.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") && cfg.Server.BasePath != "" {
				basePath = cfg.Server.BasePath
			}
			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt-secret"),
				AllowLegacyActorHeader: cfg.Server.AllowLegacyActorHeader,
				Logger:                 logger,
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
				return fmt.Errorf("EXPERIMENTER_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:   ws.Engine,
				BasePath: basePath,
				Auth:     authCfg,
				Logger:   logger,
				Metrics:  m,
			})
			if err != nil {
				return err
			}

			pub, err := publisher.New(ws.Engine, cfg.Publisher.Schedule, logger, m)
			if err != nil {
				return err
			}
			if err := pub.Start(ctx); err != nil {
				return err
			}
			defer pub.Stop()
			if server.StartWebhooks(ctx, ws.Engine, logger, m) {
				logger.Info("webhooks enabled", zap.Int("count", len(cfg.Webhooks)))
			}

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Experimenter on http://%s%s (GraphQL at %s/graphql, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}
