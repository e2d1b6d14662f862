package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/ternarybob/crawjud/internal/app"
	"github.com/ternarybob/crawjud/internal/common"
	"github.com/ternarybob/crawjud/internal/models"
)

var runCmd = &cobra.Command{
	Use:   "run [job.json]",
	Short: "Run one job in the foreground",
	Long: `Runs a job without the queue and prints its final snapshot. The job is read from a
JSON file, or built from flags when no file is given. Ctrl+C requests a cooperative stop.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJob,
}

var (
	runPID          string
	runCategory     string
	runSystem       string
	runInput        string
	runPartitionKey string
	runOptions      map[string]string
)

func init() {
	runCmd.Flags().StringVar(&runPID, "pid", "", "Job pid (generated when empty)")
	runCmd.Flags().StringVar(&runCategory, "category", "", "Bot category (e.g. capa)")
	runCmd.Flags().StringVar(&runSystem, "system", "", "Court system (e.g. pje)")
	runCmd.Flags().StringVar(&runInput, "input", "", "Input spreadsheet, relative to the work dir")
	runCmd.Flags().StringVar(&runPartitionKey, "partition-key", "", "Column used to split rows into partitions")
	runCmd.Flags().StringToStringVarP(&runOptions, "option", "o", nil, "Bot option key=value (repeatable)")
}

// readJobConfig loads the job file and lets flags override its fields
func readJobConfig(args []string) (models.JobConfig, error) {
	var jc models.JobConfig
	if len(args) == 1 {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return jc, fmt.Errorf("failed to read job file: %w", err)
		}
		if err := json.Unmarshal(data, &jc); err != nil {
			return jc, fmt.Errorf("failed to parse job file %s: %w", args[0], err)
		}
	}
	for dst, v := range map[*string]string{
		&jc.PID: runPID, &jc.Category: runCategory, &jc.System: runSystem,
		&jc.Input: runInput, &jc.PartitionKey: runPartitionKey,
	} {
		if v != "" {
			*dst = v
		}
	}
	if len(runOptions) > 0 && jc.Options == nil {
		jc.Options = make(map[string]string, len(runOptions))
	}
	for k, v := range runOptions {
		jc.Options[k] = v
	}
	if jc.PID == "" {
		jc.PID = common.NewPID()
	}
	return jc, nil
}

func runJob(cmd *cobra.Command, args []string) error {
	jc, err := readJobConfig(args)
	if err != nil {
		return err
	}

	config.Janitor.Enabled = false
	application, err := app.New(cmd.Context(), config, logger)
	if err != nil {
		return err
	}
	defer application.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer func() {
		signal.Stop(sig)
		close(sig)
	}()
	common.SafeGo(logger, "runSignal", func() {
		if _, ok := <-sig; ok {
			logger.Info().Str("pid", jc.PID).Msg("Interrupt received, stopping job")
			application.Launcher.StopAll("interrupted")
		}
	})

	status, runErr := application.Launcher.Launch(context.Background(), jc)
	snap, err := application.Launcher.Status(context.Background(), jc.PID)
	if err == nil {
		out, _ := json.MarshalIndent(snap, "", "  ")
		fmt.Println(string(out))
	}
	if runErr != nil {
		return fmt.Errorf("job %s %s: %w", jc.PID, status, runErr)
	}
	logger.Info().Str("pid", jc.PID).Str("status", status).Msg("Job completed")
	return nil
}
