package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"experimenter/internal/app"
	"experimenter/internal/engine"
	"experimenter/internal/repo"
)

func publishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Drive the publish gate",
		Long:  "Approved changes are pushed to the publish gate, which either acknowledges them (the change takes effect) or refuses them (a rejection is recorded). `serve` runs the sweep on a schedule; these commands run it by hand.",
	}
	cmd.AddCommand(publishSweepCmd())
	cmd.AddCommand(publishResolveCmd())
	return cmd
}

func publishSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one publisher pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Sweep(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("pushed %d, completed %d, expired %d, ended %d\n", res.Pushed, res.Completed, res.Expired, res.Ended)
				return nil
			})
		},
	}
}

func publishResolveCmd() *cobra.Command {
	var accept, reject bool
	var message string
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Acknowledge or refuse a waiting change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if accept == reject {
				return fmt.Errorf("exactly one of --accept or --reject required")
			}
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				exp, err := e.ResolveWaiting(ctx, id, accept, message, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(exp)
				}
				printStatusLine(&exp)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&accept, "accept", false, "acknowledge the change")
	cmd.Flags().BoolVar(&reject, "reject", false, "refuse the change")
	cmd.Flags().StringVar(&message, "message", "", "message recorded with the decision")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Changelog",
		Long:  "Every lifecycle move, review decision and publish gate result, newest first.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var experiment int64
	var kind string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent changelog entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Repo.ListChangelog(ctx, repo.ChangelogFilters{ExperimentID: experiment, Kind: kind, Limit: n})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Experiment", "Kind", "Actor", "Status", "Publish", "Message"})
				for _, ev := range entries {
					tw.AppendRow(table.Row{
						ev.ID, ev.TS, ev.ExperimentID, ev.Kind, ev.ActorID,
						arrow(ev.OldStatus, ev.NewStatus), arrow(ev.OldPublish, ev.NewPublish), ev.Message,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 20, "number of entries")
	cmd.Flags().Int64Var(&experiment, "experiment", 0, "only this experiment")
	cmd.Flags().StringVar(&kind, "kind", "", "only this event kind")
	return cmd
}

func arrow(from, to string) string {
	if from == to {
		return to
	}
	return from + " -> " + to
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rbac",
		Short: "RBAC management",
		Long:  "Roles come from experimenter.yml. The owner role manages the others; the last owner cannot be revoked.",
	}
	cmd.AddCommand(rbacWhoamiCmd())
	cmd.AddCommand(rbacGrantCmd())
	cmd.AddCommand(rbacRevokeCmd())
	cmd.AddCommand(rbacBootstrapCmd())
	return cmd
}

func rbacWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show current actor roles and permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				who, err := e.WhoAmI(ctx, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(who)
			})
		},
	}
}

func rbacGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant-role",
		Short: "Grant role to actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.GrantRole(ctx, actorID(), target, role); err != nil {
					return err
				}
				fmt.Printf("granted %s to %s\n", role, target)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor to grant")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func rbacRevokeCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "revoke-role",
		Short: "Revoke role from actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RevokeRole(ctx, actorID(), target, role); err != nil {
					return err
				}
				fmt.Printf("revoked %s from %s\n", role, target)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor to revoke")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func rbacBootstrapCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Grant a role without permission checks (fresh workspaces)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" {
				target = actorID()
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Bootstrap(ctx, target, role); err != nil {
					return err
				}
				fmt.Printf("bootstrapped %s as %s\n", target, role)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor to grant (default --actor-id)")
	cmd.Flags().StringVar(&role, "role", engine.OwnerRole, "role id")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "api-key",
		Short: "API key management",
	}
	cmd.AddCommand(apiKeyCreateCmd())
	return cmd
}

func apiKeyCreateCmd() *cobra.Command {
	var target, name string
	var save bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		Long:  "Creating a key for another actor needs rbac.manage. The secret is shown once; --save writes it to the workspace .env as EXPERIMENTER_API_KEY.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, secret, err := e.CreateAPIKey(ctx, actorID(), target, name)
				if err != nil {
					return err
				}
				if save {
					path := filepath.Join(viper.GetString("workspace"), app.EnvFile)
					if err := app.SetEnvValue(path, "EXPERIMENTER_API_KEY", secret); err != nil {
						return fmt.Errorf("save key: %w", err)
					}
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": secret})
				}
				fmt.Printf("id: %s\nactor: %s\nkey: %s\n", key.ID, key.ActorID, secret)
				if save {
					fmt.Printf("saved to %s\n", app.EnvFile)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor owning the key (default --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	cmd.Flags().BoolVar(&save, "save", false, "write the key to the workspace .env")
	return cmd
}
