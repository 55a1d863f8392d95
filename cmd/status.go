package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/simcalib/internal/server"
)

var (
	serverURL string
	httpClient = &http.Client{Timeout: 30 * time.Second}
)

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Query server status or specific job",
	Long: `Queries the server for job status information.
If no job-id is provided, lists all jobs.
If job-id is provided, shows detailed status for that job.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a calibration job to the server",
	Long: `Submits a calibration job. The config path is sent as an absolute path and
must be readable by the server.`,
	Args: cobra.NoArgs,
	RunE: runSubmit,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job on the server",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var checkpointEvery int

func init() {
	for _, cmd := range []*cobra.Command{statusCmd, submitCmd, cancelCmd} {
		cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
		rootCmd.AddCommand(cmd)
	}
	submitCmd.Flags().StringVarP(&configPath, "config", "c", "", "Calibration config file (required)")
	submitCmd.Flags().IntVarP(&workers, "workers", "w", 0, "Parallel evaluations (default: workers of the config)")
	submitCmd.Flags().BoolVar(&debug, "debug", false, "Keep every evaluation directory")
	submitCmd.Flags().IntVar(&checkpointEvery, "checkpoint-every", 0, "Checkpoint sequential runs every N steps")
	submitCmd.MarkFlagRequired("config")
}

func runStatus(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return listJobs(cmd.OutOrStdout(), fmt.Sprintf("%s/api/v1/jobs", serverURL))
	}
	jobID := args[0]
	return getJobStatus(cmd.OutOrStdout(), fmt.Sprintf("%s/api/v1/jobs/%s/status", serverURL, jobID), jobID)
}

func listJobs(out io.Writer, url string) error {
	resp, err := httpClient.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}

	var jobs []server.Job
	if err := json.NewDecoder(resp.Body).Decode(&jobs); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs found")
		return nil
	}

	fmt.Fprintf(out, "Found %d job(s):\n\n", len(jobs))
	for _, job := range jobs {
		fmt.Fprintf(out, "Job ID: %s\n", job.ID)
		fmt.Fprintf(out, "  State: %s\n", job.State)
		fmt.Fprintf(out, "  Config: %s\n", job.Config.ConfigPath)
		if job.Optimizer != "" {
			fmt.Fprintf(out, "  Optimizer: %s\n", job.Optimizer)
		}
		fmt.Fprintf(out, "  Evaluations: %d\n", job.Evaluations)
		if job.BestObjective != nil {
			fmt.Fprintf(out, "  Objective: %s -> %s\n", formatObjective(job.InitialObjective), formatObjective(job.BestObjective))
		}
		fmt.Fprintln(out)
	}

	return nil
}

func getJobStatus(out io.Writer, url, jobID string) error {
	resp, err := httpClient.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("job not found: %s", jobID)
	}
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}

	var status struct {
		server.Job
		Elapsed        float64 `json:"elapsed"`
		EvalsPerSecond float64 `json:"evalsPerSecond"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Fprintf(out, "Job: %s\n", status.ID)
	fmt.Fprintf(out, "State: %s\n", status.State)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Configuration:")
	fmt.Fprintf(out, "  Config: %s\n", status.Config.ConfigPath)
	if status.Name != "" {
		fmt.Fprintf(out, "  Name: %s\n", status.Name)
	}
	if status.Optimizer != "" {
		fmt.Fprintf(out, "  Optimizer: %s\n", status.Optimizer)
	}
	if status.Config.Workers > 0 {
		fmt.Fprintf(out, "  Workers: %d\n", status.Config.Workers)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Progress:")
	fmt.Fprintf(out, "  Step: %d\n", status.Step)
	fmt.Fprintf(out, "  Evaluations: %d (%d failed)\n", status.Evaluations, status.Failures)
	if status.InitialObjective != nil {
		fmt.Fprintf(out, "  Initial Objective: %s\n", formatObjective(status.InitialObjective))
	}
	if status.BestObjective != nil {
		fmt.Fprintf(out, "  Best Objective: %s\n", formatObjective(status.BestObjective))
	}
	elapsed := time.Duration(status.Elapsed * float64(time.Second))
	fmt.Fprintf(out, "  Elapsed: %s\n", elapsed.Round(time.Millisecond))
	if status.EvalsPerSecond > 0 {
		fmt.Fprintf(out, "  Throughput: %.2f evaluations/sec\n", status.EvalsPerSecond)
	}

	if status.Error != "" {
		fmt.Fprintf(out, "\nError: %s\n", status.Error)
	}

	return nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}
	body, err := json.Marshal(server.JobConfig{
		ConfigPath:      abs,
		Workers:         workers,
		Debug:           debug,
		CheckpointEvery: checkpointEvery,
	})
	if err != nil {
		return err
	}

	resp, err := httpClient.Post(serverURL+"/api/v1/jobs", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return responseError(resp)
	}

	var job server.Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Submitted job %s\n", job.ID)
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodDelete, fmt.Sprintf("%s/api/v1/jobs/%s", serverURL, jobID), nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("job not found: %s", jobID)
	}
	if resp.StatusCode != http.StatusAccepted {
		return responseError(resp)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cancelling job %s\n", jobID)
	return nil
}

func responseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("server returned %s: %s", resp.Status, bytes.TrimSpace(body))
}
