package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/valuation-tools/tabctl/internal/chrome"
	"github.com/valuation-tools/tabctl/internal/log"
	"github.com/valuation-tools/tabctl/internal/model"
	"github.com/valuation-tools/tabctl/internal/progress"
	"github.com/valuation-tools/tabctl/internal/service"
)

var runFlags struct {
	items  string
	jobID  string
	shards int
	resume bool
	spawn  bool
}

var runCmd = &cobra.Command{
	Use:   "run <create-items|fill-items|check-status|grab-ids>",
	Short: "run executes one job over the items file and uploads its result",
	Args:  cobra.ExactArgs(1),
	RunE:  doRun,
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "schedule runs check-status on schedule.cron and serves control commands",
	Args:  cobra.NoArgs,
	RunE:  doSchedule,
}

var controlCmd = &cobra.Command{
	Use:       "control <pause|resume|stop|status> [job-id]",
	Short:     "control sends a command to a running job over NATS",
	Args:      cobra.RangeArgs(1, 2),
	ValidArgs: []string{service.CommandPause, service.CommandResume, service.CommandStop, service.CommandStatus},
	RunE:      doControl,
}

func init() {
	runCmd.Flags().StringVar(&runFlags.items, "items", "", "YAML or JSON list of work items, - for stdin")
	runCmd.Flags().StringVar(&runFlags.jobID, "job-id", "", "job id, default is batch-<uuid>")
	runCmd.Flags().IntVar(&runFlags.shards, "shards", 0, "number of tabs, default is jobs.max_tabs")
	runCmd.Flags().BoolVar(&runFlags.resume, "resume", false, "skip items which already succeeded under the same job id")
	runCmd.Flags().BoolVar(&runFlags.spawn, "spawn", false, "run in a new headless browser carrying the session cookies")
	_ = runCmd.MarkFlagRequired("items")
}

func signalContext(cmd *cobra.Command, name string) (context.Context, context.CancelFunc) {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	attrs := slog.Group("tabctl",
		slog.String("cmd", name),
		slog.Int("pid", os.Getpid()),
	)
	return log.ContextAttrs(ctx, attrs), cancel
}

func doRun(cmd *cobra.Command, args []string) error {
	jobType, err := model.ParseJobType(args[0])
	if err != nil {
		return err
	}
	items, err := readItems(runFlags.items)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd, "run")
	defer cancel()

	supervisor, err := service.NewSupervisor(ctx, config, chrome.NewLauncher(config.Browser),
		service.WithSinks(progress.NewWriter(os.Stderr)),
	)
	if err != nil {
		return err
	}
	defer closeSupervisor(ctx, supervisor)

	res, err := supervisor.Submit(ctx, service.Submission{
		JobID:   runFlags.jobID,
		JobType: jobType,
		Items:   items,
		Shards:  runFlags.shards,
		Resume:  runFlags.resume,
		Spawn:   runFlags.spawn,
	})
	if err != nil {
		return err
	}
	if res.Status != model.StatusSuccess {
		return fmt.Errorf("job %s finished %s", res.JobID, res.Status)
	}
	return nil
}

func readItems(path string) ([]model.WorkItem, error) {
	if path == "-" {
		return model.ReadItems(os.Stdin)
	}
	return model.ReadItemsFile(path)
}

func doSchedule(cmd *cobra.Command, _ []string) error {
	if config.Schedule.Cron == "" && config.Progress.NATSURL == "" {
		return errors.New("nothing to serve: set schedule.cron or progress.nats_url")
	}

	ctx, cancel := signalContext(cmd, "schedule")
	defer cancel()

	supervisor, err := service.NewSupervisor(ctx, config, chrome.NewLauncher(config.Browser))
	if err != nil {
		return err
	}
	defer closeSupervisor(ctx, supervisor)
	return supervisor.Do(ctx)
}

func closeSupervisor(ctx context.Context, supervisor *service.Supervisor) {
	if err := supervisor.Close(context.WithoutCancel(ctx)); err != nil {
		slog.ErrorContext(ctx, "closing supervisor failed", "error", err)
	}
}

func doControl(cmd *cobra.Command, args []string) error {
	if config.Progress.NATSURL == "" {
		return errors.New("progress.nats_url is not set")
	}
	req := service.ControlRequest{Command: args[0]}
	if len(args) == 2 {
		req.JobID = args[1]
	}

	nc, err := progress.Connect(config.Progress.NATSURL)
	if err != nil {
		return err
	}
	defer nc.Close()

	reply, err := service.RequestControl(cmd.Context(), nc, config.Progress.ControlSubject, req)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(reply)
}
