package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/perculacms/pagecontext/internal/model"
)

type jobsFlags struct {
	agent   string
	status  string
	since   string
	limit   int
	summary bool
	asJSON  bool
}

func newJobsCmd(g *globalFlags) *cobra.Command {
	f := &jobsFlags{}
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recorded AI calls or summarize their cost",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := f.filter()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			app, err := g.open(ctx, false)
			if err != nil {
				return err
			}
			defer app.Close()

			out := cmd.OutOrStdout()
			if f.summary {
				rows, err := app.CostSummary(ctx, filter.Since)
				if err != nil {
					return fmt.Errorf("cost summary: %w", err)
				}
				if f.asJSON {
					return writeJSON(out, nonNil(rows))
				}
				return printSummary(out, rows)
			}

			jobs, err := app.ListJobs(ctx, filter)
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}
			if f.asJSON {
				return writeJSON(out, nonNil(jobs))
			}
			return printJobs(out, jobs)
		},
	}
	cmd.Flags().StringVar(&f.agent, "agent", "", "only calls made by this agent")
	cmd.Flags().StringVar(&f.status, "status", "", "Pending, Completed or Error")
	cmd.Flags().StringVar(&f.since, "since", "", "RFC 3339 time or a duration like 24h")
	cmd.Flags().IntVarP(&f.limit, "limit", "n", 50, "maximum rows")
	cmd.Flags().BoolVar(&f.summary, "summary", false, "aggregate cost per agent and model")
	cmd.Flags().BoolVar(&f.asJSON, "json", false, "output as JSON")
	return cmd
}

func (f *jobsFlags) filter() (model.JobFilter, error) {
	out := model.JobFilter{Agent: f.agent, Limit: f.limit}
	switch s := model.JobStatus(f.status); s {
	case "", model.JobPending, model.JobCompleted, model.JobError:
		out.Status = s
	default:
		return out, fmt.Errorf("%w: status must be Pending, Completed or Error", model.ErrValidation)
	}
	if f.limit < 1 || f.limit > 1000 {
		return out, fmt.Errorf("%w: limit must be between 1 and 1000", model.ErrValidation)
	}
	if f.since != "" {
		t, err := parseSince(f.since, time.Now())
		if err != nil {
			return out, err
		}
		out.Since = &t
	}
	return out, nil
}

// parseSince accepts an RFC 3339 timestamp or a duration counted back from now.
func parseSince(v string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return now.Add(-d), nil
	}
	return time.Time{}, fmt.Errorf("%w: since must be RFC 3339 or a positive duration", model.ErrValidation)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func printJobs(w io.Writer, jobs []model.Job) error {
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(w, "No jobs recorded.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tAGENT\tPROVIDER\tMODEL\tSTATUS\tTOKENS IN/OUT\tCOST\tMS")
	for _, j := range jobs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s/%s\t%s\t%s\n",
			j.CreatedAt.Local().Format(time.DateTime),
			j.Agent, j.ProviderType, j.ModelName, j.Status,
			optInt(j.InputTokens), optInt(j.OutputTokens),
			optCost(j.Cost), optInt64(j.DurationMS),
		)
	}
	return tw.Flush()
}

func printSummary(w io.Writer, rows []model.CostSummary) error {
	if len(rows) == 0 {
		_, _ = fmt.Fprintln(w, "No jobs recorded.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "AGENT\tPROVIDER\tMODEL\tCALLS\tERRORS\tTOKENS IN\tTOKENS OUT\tCOST")
	var total float64
	for _, r := range rows {
		total += r.Cost
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%.6f\n",
			r.Agent, r.ProviderType, r.Model, r.Calls, r.Errors, r.InputTokens, r.OutputTokens, r.Cost)
	}
	_, _ = fmt.Fprintf(tw, "\t\t\t\t\t\tTOTAL\t%.6f\n", total)
	return tw.Flush()
}

func optInt(v *int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprint(*v)
}

func optInt64(v *int64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprint(*v)
}

func optCost(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.6f", *v)
}
