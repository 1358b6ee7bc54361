package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"experimenter/internal/approval"
	"experimenter/internal/client"
	"experimenter/internal/config"
	"experimenter/internal/domain"
	"experimenter/internal/guard"
	"experimenter/internal/review"
	"experimenter/internal/status"
)

func newOperations(b backend, cfg *config.Config) *approval.Operations {
	return approval.New(b,
		approval.WithEndReview(cfg.Workflow.EndReview),
		approval.WithTimeout(cfg.Client.MutationTimeout),
		approval.WithLogger(logger))
}

func refetcher(b backend, id int64) approval.Refetch {
	return func(ctx context.Context) error {
		exp, err := loadExperiment(ctx, b, id)
		if err != nil {
			return err
		}
		printStatusLine(exp)
		return nil
	}
}

func printStatusLine(exp *domain.Experiment) {
	if viper.GetBool("json") {
		return
	}
	next := "-"
	if exp.StatusNext != nil {
		next = string(*exp.StatusNext)
	}
	fmt.Printf("experiment %d: %s / %s (next %s)\n", exp.ID, exp.Status, exp.PublishStatus, next)
}

// reportOutcome prints the result of a submitted change and turns anything
// but success into an error.
func reportOutcome(label string, out approval.Outcome) error {
	if viper.GetBool("json") {
		_ = printJSON(map[string]any{
			"transition": label,
			"outcome":    out.Kind.String(),
			"message":    out.Message,
			"errors":     out.Errors,
		})
	}
	switch out.Kind {
	case approval.OutcomeSuccess:
		if !viper.GetBool("json") {
			fmt.Printf("%s: ok\n", label)
		}
		return nil
	case approval.OutcomeInvalid:
		if !viper.GetBool("json") {
			fmt.Printf("%s refused:\n", label)
			printFieldErrors(out.Errors)
		}
		return fmt.Errorf("%s refused", label)
	default:
		if out.Err != nil {
			return fmt.Errorf("%s: %w", label, out.Err)
		}
		return errors.New(out.Message)
	}
}

// runTransition sends one lifecycle transition for the experiment in args[0].
func runTransition(cmd *cobra.Command, args []string, name approval.Transition, submit domain.ExperimentInput) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return withBackend(cmd.Context(), func(ctx context.Context, b backend, cfg *config.Config) error {
		exp, err := loadExperiment(ctx, b, id)
		if err != nil {
			return err
		}
		ops := newOperations(b, cfg)
		out, err := ops.Invoke(ctx, name, exp, refetcher(b, id), submit)
		if errors.Is(err, approval.ErrNotAllowed) {
			return fmt.Errorf("%s is not available while the experiment is %s/%s", name, exp.Status, exp.PublishStatus)
		}
		if err != nil {
			return err
		}
		return reportOutcome(string(name), out)
	})
}

func launchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Move a draft towards launch",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "preview <id>",
		Short: "Launch a draft to preview",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransition(cmd, args, approval.LaunchToPreview, domain.ExperimentInput{})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "return <id>",
		Short: "Return a preview to draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransition(cmd, args, approval.ReturnToDraft, domain.ExperimentInput{})
		},
	})
	cmd.AddCommand(launchRequestCmd())
	return cmd
}

func launchRequestCmd() *cobra.Command {
	var acks []string
	cmd := &cobra.Command{
		Use:   "request <id>",
		Short: "Request launch review",
		Long:  "Drafts skip preview and must acknowledge both checklist items (--ack risks --ack launch-checklist). Previews are requested directly.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withBackend(cmd.Context(), func(ctx context.Context, b backend, cfg *config.Config) error {
				exp, err := loadExperiment(ctx, b, id)
				if err != nil {
					return err
				}
				ops := newOperations(b, cfg)
				refetch := refetcher(b, id)
				if exp.Status != domain.StatusDraft {
					out, err := ops.Invoke(ctx, approval.RequestLaunch, exp, refetch, domain.ExperimentInput{})
					if err != nil {
						return err
					}
					return reportOutcome(string(approval.RequestLaunch), out)
				}
				flow := review.NewController(ops)
				if _, err := flow.Dispatch(ctx, exp, refetch, review.RequestWithoutPreview{}); err != nil {
					return err
				}
				for _, a := range acks {
					item, err := review.ParseItem(a)
					if err != nil {
						return err
					}
					if _, err := flow.Dispatch(ctx, exp, refetch, review.Toggle{Item: item}); err != nil {
						return err
					}
				}
				out, err := flow.Dispatch(ctx, exp, refetch, review.RequestLaunch{})
				if err != nil {
					return err
				}
				return reportOutcome(string(approval.RequestLaunch), out)
			})
		},
	}
	cmd.Flags().StringArrayVar(&acks, "ack", nil, "checklist item to acknowledge (risks, launch-checklist)")
	return cmd
}

func reviewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Resolve a pending review",
		Long:  "Only actors holding experiment.review who did not request the change may approve or reject it.",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "approve <id>",
		Short: "Approve the pending change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransition(cmd, args, approval.Approve, domain.ExperimentInput{})
		},
	})
	var reason string
	reject := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject the pending change with a reason",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransition(cmd, args, approval.Reject, domain.ExperimentInput{ChangelogMessage: &reason})
		},
	}
	reject.Flags().StringVar(&reason, "reason", "", "why the change is rejected")
	cmd.AddCommand(reject)
	return cmd
}

func endCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "end <id>",
		Short: "Request the end of a live experiment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransition(cmd, args, approval.RequestEnd, domain.ExperimentInput{})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show lifecycle flags and available actions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withBackend(cmd.Context(), func(ctx context.Context, b backend, cfg *config.Config) error {
				exp, err := loadExperiment(ctx, b, id)
				if err != nil {
					return err
				}
				check := status.Get(exp)
				panel := approval.Affordances(exp, false)
				if viper.GetBool("json") {
					return printJSON(map[string]any{"stage": check.Stage(), "status": check, "view": panel.View, "actions": panel.Actions})
				}
				printStatusLine(exp)
				fmt.Printf("stage: %s  view: %s\n", check.Stage(), panel.View)
				if exp.Rejection != nil {
					fmt.Printf("rejected by %s: %s\n", exp.Rejection.ChangedBy, exp.Rejection.Message)
				}
				if exp.Timeout != nil {
					fmt.Printf("timed out: %s\n", exp.Timeout.Message)
				}
				if len(panel.Actions) == 0 {
					return nil
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Action", "Button", "Enabled", "Note"})
				for _, a := range panel.Actions {
					note := ""
					if a.NeedsChecklist {
						note = "use `exp launch request --ack risks --ack launch-checklist`"
					}
					tw.AppendRow(table.Row{a.Transition, a.Button, a.Enabled, note})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func redirectCmd() *cobra.Command {
	var page string
	cmd := &cobra.Command{
		Use:   "redirect <id>",
		Short: "Show where a page would send the current actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			p, ok := guard.LookupPage(page)
			if !ok {
				return fmt.Errorf("unknown page %q", page)
			}
			return withBackend(cmd.Context(), func(ctx context.Context, b backend, _ *config.Config) error {
				exp, err := loadExperiment(ctx, b, id)
				if err != nil {
					return err
				}
				d := guard.Compute(guard.ForExperiment(exp, &guard.Analysis{Available: exp.ResultsReady}, nil), p)
				if viper.GetBool("json") {
					return printJSON(d)
				}
				if !d.Redirect {
					fmt.Printf("%s: stay\n", p.Name)
					return nil
				}
				fmt.Printf("%s: redirect to /%d/%s\n", p.Name, exp.ID, d.Path)
				if exp.ReadyForReview != nil && !exp.ReadyForReview.Ready {
					printFieldErrors(exp.ReadyForReview.Message)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&page, "page", guard.PageSummary.Name, "page name (summary, request-review, results, design)")
	return cmd
}

func watchCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch <id>",
		Short: "Poll an experiment and print every change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withBackend(cmd.Context(), func(ctx context.Context, b backend, cfg *config.Config) error {
				every := interval
				if every <= 0 {
					every = cfg.PollInterval()
				}
				p := client.NewPoller(b, id, every, logger)
				var last string
				p.OnUpdate = func(exp *domain.Experiment) {
					key := fmt.Sprintf("%s/%s/%v", exp.Status, exp.PublishStatus, exp.IsEndRequested)
					if key == last {
						return
					}
					last = key
					if viper.GetBool("json") {
						_ = printJSON(exp)
						return
					}
					fmt.Printf("%s  ", time.Now().Format(time.TimeOnly))
					printStatusLine(exp)
				}
				p.OnError = func(err error) {
					logger.Warn("watch refetch failed", zap.Error(err))
				}
				if err := p.Start(ctx); err != nil {
					return err
				}
				<-ctx.Done()
				p.Stop()
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "poll interval (default from config, 30s)")
	return cmd
}
