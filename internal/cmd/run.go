package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/skyrun/internal/api"
	apperrors "github.com/3leaps/skyrun/internal/errors"
	"github.com/3leaps/skyrun/pkg/runstore"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Submit and manage runs",
}

var runSubmitCmd = &cobra.Command{
	Use:   "submit <run.yaml>",
	Short: "Submit a run from a YAML definition",
	Long: `Submit a run described by a YAML file:

    run_name: train-1
    backend: aws
    requirements:
      cpu: 8
      memory_mib: 32768
      gpu: 1
      spot: true
    ports:
      8080: 0      # remote 8080 to any free local port
      6006: 6006   # remote 6006 to local 6006
    ssh_key_pub: ssh-ed25519 AAAA...`,
	Args: cobra.ExactArgs(1),
	RunE: runRunSubmit,
}

var runListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs",
	RunE:  runRunList,
}

var runStopCmd = &cobra.Command{
	Use:   "stop <run_name>...",
	Short: "Stop one or more runs",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRunStop,
}

var runLogsCmd = &cobra.Command{
	Use:   "logs <run_name>",
	Short: "Show logs for a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunLogs,
}

var flagServerURL string

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.AddCommand(runSubmitCmd)
	runCmd.AddCommand(runListCmd)
	runCmd.AddCommand(runStopCmd)
	runCmd.AddCommand(runLogsCmd)

	runCmd.PersistentFlags().StringVar(&flagServerURL, "server", "http://localhost:8080", "skyrun server URL")
	runSubmitCmd.Flags().Bool("json", false, "Output as JSON")
	runListCmd.Flags().Bool("json", false, "Output as JSON")
	runStopCmd.Flags().Bool("abort", false, "Abort without graceful runner shutdown")
	runLogsCmd.Flags().Bool("follow", false, "Poll for new log output")
	runLogsCmd.Flags().Duration("interval", 2*time.Second, "Poll interval with --follow")
}

// runDefinition is the YAML submission format: RunSpec fields plus JobSpec
// fields flattened into one document.
type runDefinition struct {
	api.RunSpec `yaml:",inline"`
	api.JobSpec `yaml:",inline"`
}

func runRunSubmit(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	var def runDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return fmt.Errorf("parse run definition: %w", err)
	}

	req := api.SubmitRunRequest{RunSpec: def.RunSpec, JobSpec: def.JobSpec}
	var resp api.SubmitRunResponse
	if err := postJSON(cmd.Context(), "/api/runs/submit", req, &resp); err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp.Job)
	}
	_, _ = fmt.Fprintf(os.Stdout, "submitted %s (job %s)\n", resp.Job.RunName, resp.Job.ID)
	return nil
}

func runRunList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	var resp api.ListRunsResponse
	if err := postJSON(cmd.Context(), "/api/runs/list", struct{}{}, &resp); err != nil {
		return err
	}
	if len(resp.Jobs) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No runs found")
		return nil
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp.Jobs)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "RUN\tBACKEND\tSTATE\tINSTANCE\tHOST\tSUBMITTED\tERROR")
	for _, j := range resp.Jobs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			j.RunName,
			j.Backend,
			j.State,
			orDash(j.InstanceType),
			orDash(j.Hostname),
			j.SubmittedAt.UTC().Format(time.RFC3339),
			orDash(j.Error),
		)
	}
	return nil
}

func runRunStop(cmd *cobra.Command, args []string) error {
	abort, _ := cmd.Flags().GetBool("abort")

	req := api.StopRunsRequest{RunNames: args, Abort: abort}
	var resp map[string]string
	if err := postJSON(cmd.Context(), "/api/runs/stop", req, &resp); err != nil {
		return err
	}
	for _, name := range args {
		_, _ = fmt.Fprintf(os.Stdout, "stop requested: %s\n", name)
	}
	return nil
}

func runRunLogs(cmd *cobra.Command, args []string) error {
	follow, _ := cmd.Flags().GetBool("follow")
	interval, _ := cmd.Flags().GetDuration("interval")
	runName := args[0]

	var since int64
	for {
		req := api.PullRequest{RunName: runName, Since: since}
		var resp runstore.PullResponse
		if err := postJSON(cmd.Context(), "/api/runs/pull", req, &resp); err != nil {
			return err
		}

		for _, ev := range resp.JobStates {
			_, _ = fmt.Fprintf(os.Stdout, "%s state=%s\n",
				time.UnixMilli(ev.Timestamp).UTC().Format(time.RFC3339), ev.State)
		}
		for _, ev := range resp.JobLogs {
			_, _ = os.Stdout.Write(ev.Message)
			if len(ev.Message) == 0 || ev.Message[len(ev.Message)-1] != '\n' {
				_, _ = fmt.Fprintln(os.Stdout)
			}
		}
		since = resp.LastUpdated

		if !follow {
			return nil
		}
		select {
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		case <-time.After(interval):
		}
	}
}

// postJSON posts a request to the server and decodes the response, surfacing
// the server's error envelope as a readable error.
func postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, flagServerURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach server at %s: %w", flagServerURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var envelope apperrors.HTTPErrorResponse
		if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error.Message != "" {
			return fmt.Errorf("%s: %s", envelope.Error.Code, envelope.Error.Message)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
