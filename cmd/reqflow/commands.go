package main

import (
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rendis/reqflow/internal/diagram"
	"github.com/rendis/reqflow/internal/engine"
	"github.com/rendis/reqflow/internal/loader"
	"github.com/rendis/reqflow/internal/report"
	"github.com/rendis/reqflow/internal/scheduler"
	"github.com/rendis/reqflow/internal/store"
	"github.com/rendis/reqflow/pkg/mcp"
	"github.com/rendis/reqflow/pkg/schema"
)

// runFlags are shared by run, validate and schedule.
type runFlags struct {
	env               string
	vars              []string
	tags              []string
	include           []string
	exclude           []string
	continueOnFailure bool
	dryRun            bool
}

func (f *runFlags) register(cmd *cobra.Command, full bool) {
	fs := cmd.Flags()
	fs.StringVarP(&f.env, "env", "e", "", "environment to apply")
	fs.StringArrayVar(&f.vars, "var", nil, "variable override NAME=VALUE (repeatable)")
	fs.StringSliceVar(&f.tags, "tags", nil, "run only steps with one of these tags")
	fs.StringSliceVar(&f.include, "include", nil, "run only these steps")
	fs.StringSliceVar(&f.exclude, "exclude", nil, "never run these steps")
	if full {
		fs.BoolVar(&f.continueOnFailure, "continue-on-failure", false, "run dependents of failed steps anyway")
		fs.BoolVar(&f.dryRun, "dry-run", false, "order the steps without sending requests")
	}
}

func (f *runFlags) options() (engine.Options, error) {
	vars, err := loader.ParseVarFlags(f.vars)
	if err != nil {
		return engine.Options{}, configErr(err)
	}
	return engine.Options{
		Environment:       f.env,
		Variables:         vars,
		ContinueOnFailure: f.continueOnFailure,
		Tags:              f.tags,
		Include:           f.include,
		Exclude:           f.exclude,
		DryRun:            f.dryRun,
	}, nil
}

// --- run ---

var (
	runOpts    runFlags
	runReport  string
	runOutput  string
	runHistory bool
)

var runCmd = &cobra.Command{
	Use:   "run <workflow>",
	Short: "Run a workflow file",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

func init() {
	runOpts.register(runCmd, true)
	runCmd.Flags().StringVar(&runReport, "report", "json", "report format: json, junit, tap")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "", "write the report to a file instead of stdout")
	runCmd.Flags().BoolVar(&runHistory, "history", false, "record the run in the history database")
}

func runRun(cmd *cobra.Command, args []string) error {
	format, err := report.ParseFormat(runReport)
	if err != nil {
		return configErr(err)
	}
	opts, err := runOpts.options()
	if err != nil {
		return err
	}

	svc, closeFn, err := newService(runHistory)
	if err != nil {
		return err
	}
	defer closeFn()

	rep, err := svc.RunFile(cmd.Context(), args[0], opts)
	if err != nil {
		return configErr(err)
	}

	if err := writeReport(cmd.OutOrStdout(), runOutput, format, rep); err != nil {
		return err
	}
	if runOutput != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: %d passed, %d failed, %d skipped, %d errored\n",
			rep.Workflow, rep.Passed, rep.Failed, rep.Skipped, rep.Errored)
	}
	if !rep.Success {
		return errRunFailed
	}
	return nil
}

func writeReport(stdout io.Writer, path string, format report.Format, rep *schema.WorkflowReport) error {
	if path == "" {
		return report.Write(stdout, string(format), rep)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report file: %w", err)
	}
	if err := report.Write(f, string(format), rep); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// --- validate ---

var validateOpts runFlags

var validateCmd = &cobra.Command{
	Use:   "validate <workflow>",
	Short: "Validate a workflow file without sending requests",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func init() {
	validateOpts.register(validateCmd, false)
}

func runValidate(cmd *cobra.Command, args []string) error {
	opts, err := validateOpts.options()
	if err != nil {
		return err
	}
	svc, closeFn, err := newService(false)
	if err != nil {
		return err
	}
	defer closeFn()

	res := svc.ValidateFile(args[0], opts)
	out := cmd.OutOrStdout()
	for _, w := range res.Warnings {
		fmt.Fprintf(out, "  ⚠ %s\n", w)
	}
	if !res.Valid() {
		for i, e := range res.Errors {
			fmt.Fprintf(out, "  %d. [%s] %s\n", i+1, e.Code, e)
		}
		return &exitError{code: exitFailed, err: fmt.Errorf("validation failed with %d error(s)", len(res.Errors))}
	}
	fmt.Fprintf(out, "✓ %s is valid\n", args[0])
	return nil
}

// --- graph ---

var (
	graphFormat string
	graphRunID  string
	graphOutput string
)

var graphCmd = &cobra.Command{
	Use:   "graph <workflow>",
	Short: "Render the step dependency graph",
	Args:  cobra.ExactArgs(1),
	RunE:  runGraph,
}

func init() {
	graphCmd.Flags().StringVarP(&graphFormat, "format", "f", "mermaid", "output format: mermaid, ascii, png")
	graphCmd.Flags().StringVar(&graphRunID, "run", "", "overlay the outcome of a recorded run")
	graphCmd.Flags().StringVarP(&graphOutput, "output", "o", "", "write to a file instead of stdout")
}

func runGraph(cmd *cobra.Command, args []string) error {
	svc, closeFn, err := newService(graphRunID != "")
	if err != nil {
		return err
	}
	defer closeFn()

	model, err := svc.Graph(cmd.Context(), args[0], graphRunID)
	if err != nil {
		return configErr(err)
	}

	var data []byte
	switch strings.ToLower(graphFormat) {
	case "mermaid":
		data = []byte(diagram.RenderMermaid(model))
	case "ascii":
		if bin := localMermaidASCII(); bin != "" {
			if out, cliErr := diagram.RenderASCIIViaCLI(cmd.Context(), model, bin); cliErr == nil {
				data = []byte(out)
				break
			}
		}
		data = []byte(diagram.RenderASCIIAuto(cmd.Context(), model))
	case "png":
		if graphOutput == "" {
			return configErr(fmt.Errorf("png output requires --output"))
		}
		if data, err = diagram.RenderImage(cmd.Context(), model); err != nil {
			return err
		}
	default:
		return configErr(fmt.Errorf("unknown graph format %q", graphFormat))
	}

	if graphOutput == "" {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	return os.WriteFile(graphOutput, data, 0o644)
}

// --- history ---

var (
	historyWorkflow string
	historyLimit    int
	historyFailed   bool
	historyStep     string
	historyTimeline bool
	historyReport   string
)

var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "List recorded runs, or show one run",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistoryCmd,
}

func init() {
	fs := historyCmd.Flags()
	fs.StringVar(&historyWorkflow, "workflow", "", "only runs of this workflow")
	fs.IntVarP(&historyLimit, "limit", "n", 20, "maximum entries")
	fs.BoolVar(&historyFailed, "failed", false, "only unsuccessful runs")
	fs.StringVar(&historyStep, "step", "", "show the recorded outcomes of one step")
	fs.BoolVar(&historyTimeline, "timeline", false, "with a run ID, replay its per-step lifecycle")
	fs.StringVar(&historyReport, "report", "json", "report format for a single run: json, junit, tap")
}

func runHistoryCmd(cmd *cobra.Command, args []string) error {
	svc, closeFn, err := newService(true)
	if err != nil {
		return err
	}
	defer closeFn()
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		if historyTimeline {
			timeline, err := svc.Timeline(ctx, args[0])
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STEP\tSTATUS\tRETRIES\tDURATION\tPHASES")
			for _, name := range slices.Sorted(maps.Keys(timeline)) {
				tl := timeline[name]
				fmt.Fprintf(tw, "%s\t%s\t%d\t%dms\t%s\n", tl.Step, tl.Status, tl.Retries, tl.DurationMs, strings.Join(tl.Phases, " → "))
			}
			return tw.Flush()
		}
		run, err := svc.GetRun(ctx, args[0])
		if err != nil {
			return err
		}
		return report.Write(out, historyReport, run.Report)
	}

	if historyStep != "" {
		records, err := svc.StepHistory(ctx, historyStep, historyLimit)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "RUN\tSTARTED\tSTATUS\tCODE\tATTEMPTS\tLATENCY\tERROR")
		for _, r := range records {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%dms\t%s\n", r.RunID, r.StartedAt.Format("2006-01-02 15:04:05"),
				r.Status, r.StatusCode, r.Attempts, r.LatencyMs, r.Error)
		}
		return tw.Flush()
	}

	filter := store.RunFilter{Workflow: historyWorkflow, Limit: historyLimit}
	if historyFailed {
		f := false
		filter.Success = &f
	}
	runs, err := svc.ListRuns(ctx, filter)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tWORKFLOW\tSTARTED\tRESULT\tPASSED\tFAILED\tSKIPPED\tERRORED\tDURATION")
	for _, r := range runs {
		result := "ok"
		switch {
		case r.Report.Cancelled:
			result = "cancelled"
		case !r.Report.Success:
			result = "FAIL"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%dms\n", r.ID(), r.Report.Workflow,
			r.Report.StartedAt.Format("2006-01-02 15:04:05"), result,
			r.Report.Passed, r.Report.Failed, r.Report.Skipped, r.Report.Errored, r.Report.DurationMs)
	}
	return tw.Flush()
}

// --- schedule ---

var (
	scheduleOpts   runFlags
	scheduleCron   string
	scheduleList   bool
	scheduleRemove string
	scheduleNoWait bool
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule [workflow]",
	Short: "Re-run a workflow on a cron schedule",
	Long: "Registers a cron job for the workflow and runs the scheduler until interrupted. " +
		"Without a workflow it runs the jobs already registered.",
	Args: cobra.MaximumNArgs(1),
	RunE: runSchedule,
}

func init() {
	scheduleOpts.register(scheduleCmd, false)
	fs := scheduleCmd.Flags()
	fs.StringVar(&scheduleCron, "cron", "", `cron expression, e.g. "*/5 * * * *" or "@every 10m"`)
	fs.BoolVar(&scheduleList, "list", false, "list registered jobs and exit")
	fs.StringVar(&scheduleRemove, "remove", "", "delete a job by ID and exit")
	fs.BoolVar(&scheduleNoWait, "no-wait", false, "register the job and exit without running the scheduler")
}

func runSchedule(cmd *cobra.Command, args []string) error {
	svc, closeFn, err := newService(true)
	if err != nil {
		return err
	}
	defer closeFn()
	ctx := cmd.Context()
	st := svc.Store()
	out := cmd.OutOrStdout()

	switch {
	case scheduleList:
		jobs, err := st.ListScheduledJobs(ctx, store.ScheduledJobFilter{})
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tCRON\tWORKFLOW\tENABLED\tNEXT RUN\tLAST STATUS")
		for _, j := range jobs {
			next := "-"
			if j.NextRunAt != nil {
				next = j.NextRunAt.Local().Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\n", j.ID, j.CronExpression, j.WorkflowPath, j.Enabled, next, j.LastRunStatus)
		}
		return tw.Flush()
	case scheduleRemove != "":
		if err := st.DeleteScheduledJob(ctx, scheduleRemove); err != nil {
			return err
		}
		fmt.Fprintf(out, "removed %s\n", scheduleRemove)
		return nil
	}

	sched := scheduler.NewScheduler(st, svc, logger)

	if len(args) == 1 {
		if scheduleCron == "" {
			return configErr(fmt.Errorf("--cron is required"))
		}
		opts, err := scheduleOpts.options()
		if err != nil {
			return err
		}
		path, err := filepath.Abs(args[0])
		if err != nil {
			return configErr(err)
		}
		if res := svc.ValidateFile(path, opts); !res.Valid() {
			return configErr(res.ToError())
		}
		job := &store.ScheduledJob{
			WorkflowPath:   path,
			CronExpression: scheduleCron,
			Environment:    opts.Environment,
			Variables:      opts.Variables,
			Enabled:        true,
		}
		if err := sched.Add(ctx, job); err != nil {
			return configErr(err)
		}
		fmt.Fprintf(out, "scheduled %s (%s), next run %s\n", job.ID, job.CronExpression,
			job.NextRunAt.Local().Format("2006-01-02 15:04:05"))
		if names := loader.VariableNames(job.Variables); len(names) > 0 {
			fmt.Fprintf(out, "  variables: %s\n", strings.Join(names, ", "))
		}
		if scheduleNoWait {
			return nil
		}
	}

	if err := sched.RecoverMissed(ctx); err != nil {
		logger.Warn("recover missed jobs failed", "error", err)
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return sched.Stop()
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve reqflow tools over MCP on stdio",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		svc, closeFn, err := newService(true)
		if err != nil {
			return err
		}
		defer closeFn()
		ctx := cmd.Context()

		sched := scheduler.NewScheduler(svc.Store(), svc, logger)
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = sched.Stop() }()

		srv := mcp.NewServer(mcp.ServerDeps{
			Service:   svc,
			Scheduler: sched,
			Store:     svc.Store(),
			Version:   version,
			Logger:    logger,
		})
		logger.Info("mcp server listening on stdio")
		return srv.Serve(ctx)
	},
}

// --- init ---

var (
	initForce        bool
	initMermaidASCII bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the effective configuration to settings.json",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := cmd.OutOrStdout()
		if _, err := os.Stat(settingsPath()); err == nil && !initForce {
			return configErr(fmt.Errorf("%s already exists (use --force to overwrite)", settingsPath()))
		}
		path, err := writeSettings(cfg)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Config written to %s\n", path)

		if initMermaidASCII {
			bin, err := installMermaidASCII(cmd.Context(), out)
			if err != nil {
				// ASCII graphs still render with the built-in renderer.
				fmt.Fprintf(cmd.ErrOrStderr(), "Warning: mermaid-ascii not installed: %v\n", err)
				return nil
			}
			fmt.Fprintf(out, "mermaid-ascii installed at %s\n", bin)
		}
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing settings.json")
	initCmd.Flags().BoolVar(&initMermaidASCII, "with-mermaid-ascii", false, "download the mermaid-ascii renderer for ascii graphs")
}

// --- helpers ---

func dirOf(dbPath string) string {
	return filepath.Dir(strings.TrimPrefix(dbPath, "file:"))
}
