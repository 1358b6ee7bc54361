package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"experimenter/internal/approval"
	"experimenter/internal/client"
	"experimenter/internal/config"
	"experimenter/internal/domain"
	"experimenter/internal/engine"
	"experimenter/internal/repo"
)

func experimentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "experiment",
		Aliases: []string{"exp"},
		Short:   "Create and inspect experiments",
	}
	cmd.AddCommand(experimentListCmd())
	cmd.AddCommand(experimentShowCmd())
	cmd.AddCommand(experimentCreateCmd())
	cmd.AddCommand(experimentEditCmd())
	return cmd
}

func experimentListCmd() *cobra.Command {
	var f client.Filter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List experiments",
		RunE: func(cmd *cobra.Command, args []string) error {
			var items []domain.Experiment
			var err error
			if viper.GetString("endpoint") != "" {
				items, err = remoteClient().Experiments(cmd.Context(), f)
			} else {
				err = withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
					rf := repo.ExperimentFilters{Owner: f.Owner}
					if f.Status != "" {
						s, err := domain.ParseStatus(f.Status)
						if err != nil {
							return err
						}
						rf.Status = string(s)
					}
					if f.PublishStatus != "" {
						p, err := domain.ParsePublishStatus(f.PublishStatus)
						if err != nil {
							return err
						}
						rf.PublishStatus = string(p)
					}
					items, err = e.ListExperiments(ctx, rf, actorID())
					return err
				})
			}
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Slug", "Name", "Status", "Publish", "Next", "Owner"})
			for _, exp := range items {
				next := ""
				if exp.StatusNext != nil {
					next = string(*exp.StatusNext)
				}
				tw.AppendRow(table.Row{exp.ID, exp.Slug, exp.Name, exp.Status, exp.PublishStatus, next, exp.Owner})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.PublishStatus, "publish-status", "", "publish status filter")
	cmd.Flags().StringVar(&f.Owner, "owner", "", "owner filter")
	return cmd
}

func experimentShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an experiment as the current actor sees it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withBackend(cmd.Context(), func(ctx context.Context, b backend, _ *config.Config) error {
				exp, err := loadExperiment(ctx, b, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(exp)
			})
		},
	}
	return cmd
}

func experimentCreateCmd() *cobra.Command {
	var name, hypothesis, description string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft experiment",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(name) == "" {
				return fmt.Errorf("--name required")
			}
			if viper.GetString("endpoint") != "" {
				res, exp, err := remoteClient().CreateExperiment(cmd.Context(), name, hypothesis, description)
				if err != nil {
					return err
				}
				out := approval.ParseOutcome(&res, nil)
				if out.Kind != approval.OutcomeSuccess || exp == nil {
					printFieldErrors(out.Errors)
					return errors.New("experiment not created")
				}
				return printJSONOrTable(exp)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				exp, err := e.CreateExperiment(ctx, engine.CreateOptions{
					Name:              name,
					Hypothesis:        hypothesis,
					PublicDescription: description,
					ActorID:           actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(exp)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "experiment name")
	cmd.Flags().StringVar(&hypothesis, "hypothesis", "", "hypothesis")
	cmd.Flags().StringVar(&description, "description", "", "public description")
	return cmd
}

func experimentEditCmd() *cobra.Command {
	var name, hypothesis, description, riskLink, featureConfig string
	var channel, minVersion, targeting, reference string
	var treatments []string
	var population float64
	var duration, enrollment int
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Edit the design of an idle draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			in := domain.ExperimentInput{ID: id}
			flags := cmd.Flags()
			for flag, dst := range map[string]**string{
				"name":           &in.Name,
				"hypothesis":     &in.Hypothesis,
				"description":    &in.PublicDescription,
				"risk-link":      &in.RiskMitigationLink,
				"feature-config": &in.FeatureConfig,
				"channel":        &in.Channel,
				"min-version":    &in.FirefoxMinVersion,
				"targeting":      &in.TargetingConfigSlug,
			} {
				if flags.Changed(flag) {
					v, _ := flags.GetString(flag)
					*dst = optionalString(v)
				}
			}
			if flags.Changed("population") {
				in.PopulationPercent = &population
			}
			if flags.Changed("duration") {
				in.ProposedDuration = &duration
			}
			if flags.Changed("enrollment") {
				in.ProposedEnrollment = &enrollment
			}
			if flags.Changed("reference") {
				b, err := parseBranch(reference)
				if err != nil {
					return err
				}
				in.ReferenceBranch = &b
			}
			if flags.Changed("treatment") {
				in.TreatmentBranches = []domain.Branch{}
				for _, t := range treatments {
					b, err := parseBranch(t)
					if err != nil {
						return err
					}
					in.TreatmentBranches = append(in.TreatmentBranches, b)
				}
			}
			if !in.HasDesignChange() {
				return fmt.Errorf("nothing to change")
			}
			return withBackend(cmd.Context(), func(ctx context.Context, b backend, _ *config.Config) error {
				res, err := b.UpdateExperiment(ctx, in)
				return reportOutcome("edit", approval.ParseOutcome(&res, err))
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "name")
	cmd.Flags().StringVar(&hypothesis, "hypothesis", "", "hypothesis")
	cmd.Flags().StringVar(&description, "description", "", "public description")
	cmd.Flags().StringVar(&riskLink, "risk-link", "", "risk mitigation checklist URL")
	cmd.Flags().StringVar(&featureConfig, "feature-config", "", "feature config slug")
	cmd.Flags().StringVar(&channel, "channel", "", "release channel")
	cmd.Flags().StringVar(&minVersion, "min-version", "", "minimum Firefox version")
	cmd.Flags().StringVar(&targeting, "targeting", "", "targeting config slug")
	cmd.Flags().StringVar(&reference, "reference", "", "reference branch as name[:ratio]")
	cmd.Flags().StringArrayVar(&treatments, "treatment", nil, "treatment branch as name[:ratio], repeatable")
	cmd.Flags().Float64Var(&population, "population", 0, "population percent")
	cmd.Flags().IntVar(&duration, "duration", 0, "proposed duration in days")
	cmd.Flags().IntVar(&enrollment, "enrollment", 0, "proposed enrollment in days")
	return cmd
}

// parseBranch reads name[:ratio]; the slug is derived from the name.
func parseBranch(in string) (domain.Branch, error) {
	name, ratioStr, hasRatio := strings.Cut(in, ":")
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Branch{}, fmt.Errorf("branch name required in %q", in)
	}
	ratio := 1
	if hasRatio {
		r, err := strconv.Atoi(strings.TrimSpace(ratioStr))
		if err != nil {
			return domain.Branch{}, fmt.Errorf("invalid branch ratio in %q", in)
		}
		ratio = r
	}
	return domain.Branch{Name: name, Slug: engine.Slugify(name), Ratio: ratio}, nil
}
