package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"landscape/internal/config"
	"landscape/internal/pipeline"
	"landscape/internal/store"
)

var (
	startProject string
	startPeriod  string
	startMode    string
	listStatus   string
	activityMax  int
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a pipeline run",
	RunE: func(cmd *cobra.Command, args []string) error {
		if startProject == "" {
			return fmt.Errorf("--project is required")
		}
		var run store.PipelineRun
		err := apiCall(http.MethodPost, "/api/runs", config.RunConfig{
			Project:    startProject,
			PeriodDate: startPeriod,
			Mode:       startMode,
		}, &run)
		if err != nil {
			return err
		}
		fmt.Printf("run %s started (%s, %s)\n", run.ID, run.Project, run.PeriodDate)
		return nil
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List pipeline runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Runs []store.PipelineRun `json:"runs"`
		}
		path := "/api/runs"
		if listStatus != "" {
			path += "?status=" + listStatus
		}
		if err := apiCall(http.MethodGet, path, nil, &resp); err != nil {
			return err
		}
		for _, r := range resp.Runs {
			fmt.Printf("%s  %-10s  %-20s  %s\n", r.ID, r.Status, r.Project, r.PeriodDate)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show a run's phases and progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var view pipeline.RunStatusView
		if err := apiCall(http.MethodGet, "/api/runs/"+args[0], nil, &view); err != nil {
			return err
		}
		fmt.Printf("run %s  project=%s  period=%s  status=%s\n",
			view.ID, view.Project, view.PeriodDate, view.Status)
		for _, p := range view.Phases {
			line := fmt.Sprintf("  %-26s %-10s attempts=%d", p.Phase, p.Status, p.Attempts)
			if p.Items.Total > 0 {
				line += fmt.Sprintf("  items=%d/%d", p.Items.Completed, p.Items.Total)
				if p.Items.Failed > 0 {
					line += fmt.Sprintf(" (%d failed)", p.Items.Failed)
				}
			}
			if p.LastError != "" {
				line += "  error=" + p.LastError
			}
			fmt.Println(line)
		}
		for _, e := range view.Errors {
			fmt.Println("  !", e)
		}
		return nil
	},
}

var activityCmd = &cobra.Command{
	Use:   "activity <run-id>",
	Short: "Show a run's live phases and recent events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var view pipeline.ActivityView
		path := fmt.Sprintf("/api/runs/%s/activity?limit=%d", args[0], activityMax)
		if err := apiCall(http.MethodGet, path, nil, &view); err != nil {
			return err
		}
		fmt.Printf("run %s  status=%s\n", view.RunID, view.Status)
		for _, p := range view.Active {
			fmt.Printf("  active: %s (%d/%d items, %d in flight, %.1f/min",
				p.Phase, p.Items.Completed, p.Items.Total, len(p.InFlight), p.RatePerMinute)
			if p.ETASeconds > 0 {
				fmt.Printf(", eta %s", (time.Duration(p.ETASeconds) * time.Second).String())
			}
			fmt.Println(")")
		}
		for _, e := range view.Events {
			msg := e.Kind
			if e.Message != "" {
				msg += "  " + e.Message
			}
			fmt.Printf("  %s  %s\n", e.CreatedAt.Format(time.RFC3339), msg)
		}
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume a failed or blocked run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiCall(http.MethodPost, "/api/runs/"+args[0]+"/resume", nil, nil); err != nil {
			return err
		}
		fmt.Printf("run %s resuming\n", args[0])
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiCall(http.MethodPost, "/api/runs/"+args[0]+"/cancel", nil, nil); err != nil {
			return err
		}
		fmt.Printf("run %s cancelled\n", args[0])
		return nil
	},
}

var forceCompleteCmd = &cobra.Command{
	Use:   "force-complete <run-id> <phase>",
	Short: "Force a phase complete if it has enough progress",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := fmt.Sprintf("/api/runs/%s/phases/%s/force-complete", args[0], args[1])
		if err := apiCall(http.MethodPost, path, nil, nil); err != nil {
			return err
		}
		fmt.Printf("phase %s of run %s completed\n", args[1], args[0])
		return nil
	},
}

func init() {
	startCmd.Flags().StringVar(&startProject, "project", "", "project to run")
	startCmd.Flags().StringVar(&startPeriod, "period", "", "period date YYYY-MM-DD (default today)")
	startCmd.Flags().StringVar(&startMode, "mode", "", "run mode (initial, update)")
	runsCmd.Flags().StringVar(&listStatus, "status", "", "filter by run status")
	activityCmd.Flags().IntVar(&activityMax, "limit", 20, "max events to show")

	rootCmd.AddCommand(startCmd, runsCmd, statusCmd, activityCmd,
		resumeCmd, cancelCmd, forceCompleteCmd)
}

// apiCall performs one JSON request against the daemon and decodes the
// response into out when it is non-nil.
func apiCall(method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequest(method, serverAddr+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach daemon at %s: %w", serverAddr, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}
