package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/ternarybob/crawjud/internal/bus"
	"github.com/ternarybob/crawjud/internal/jobs/cancel"
)

var stopCmd = &cobra.Command{
	Use:   "stop <pid>",
	Short: "Request a cooperative stop of a job",
	Long: `Asks a job to stop after its in-flight rows. By default the stop sentinel is written
under the work dir shared with the workers; --api goes through a running server and
--nats publishes on the bus.`,
	Args: cobra.ExactArgs(1),
	RunE: runStop,
}

var (
	stopReason string
	stopAPI    string
	stopNATS   bool
)

func init() {
	stopCmd.Flags().StringVar(&stopReason, "reason", "requested from command line", "Reason reported to observers")
	stopCmd.Flags().StringVar(&stopAPI, "api", "", "Server base URL (e.g. http://localhost:8080)")
	stopCmd.Flags().BoolVar(&stopNATS, "nats", false, "Publish the stop request on the configured NATS broker")
}

func runStop(cmd *cobra.Command, args []string) error {
	pid := args[0]
	switch {
	case stopAPI != "":
		return stopViaAPI(pid)
	case stopNATS:
		client, err := bus.Connect(config.Progress.NATSURL)
		if err != nil {
			return err
		}
		defer client.Close()
		if err := client.RequestStop(config.Progress.SubjectPrefix, pid, stopReason); err != nil {
			return err
		}
	default:
		if err := cancel.RequestStop(config.Jobs.WorkDir, pid, stopReason); err != nil {
			return err
		}
	}
	logger.Info().Str("pid", pid).Str("reason", stopReason).Msg("Stop requested")
	return nil
}

func stopViaAPI(pid string) error {
	body, _ := json.Marshal(map[string]string{"reason": stopReason})
	url := fmt.Sprintf("%s/api/jobs/%s/stop", strings.TrimRight(stopAPI, "/"), pid)

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("stop request failed: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Stopped bool   `json:"stopped"`
		Error   string `json:"error"`
	}
	json.NewDecoder(resp.Body).Decode(&result)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stop request for %s returned %d: %s", pid, resp.StatusCode, result.Error)
	}
	logger.Info().Str("pid", pid).Bool("acknowledged", result.Stopped).Msg("Stop requested via API")
	return nil
}
