package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/taskd-go/internal/client"
	"github.com/raphaelgruber/taskd-go/internal/jobs"
)

var (
	submitPriority string
	submitPayload  string
	submitOrg      string
	submitProject  string
	submitCallback string
	submitWait     bool
)

var submitCmd = &cobra.Command{
	Use:   "submit <type>",
	Short: "Submit a job for asynchronous execution",
	Long: `Submit a job of the given type to the API server.

The payload is a JSON document passed to the job's runner, given inline
or from a file with @path.

Examples:
  taskd submit echo --payload '{"hello":"world"}'
  taskd submit sleep --payload '{"duration":"5s"}' --priority low --wait
  taskd submit document-transform --payload @transform.json --project p-42`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitPriority, "priority", "", "priority class: high, low, cron or default")
	submitCmd.Flags().StringVar(&submitPayload, "payload", "", "JSON payload, inline or @file")
	submitCmd.Flags().StringVar(&submitOrg, "org", "", "organization id")
	submitCmd.Flags().StringVar(&submitProject, "project", "", "project id")
	submitCmd.Flags().StringVar(&submitCallback, "callback", "", "completion callback URL")
	submitCmd.Flags().BoolVar(&submitWait, "wait", false, "poll until the job reaches a terminal state")
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	payload, err := readPayload(submitPayload)
	if err != nil {
		return err
	}

	ctx := context.Background()
	result, err := apiClient.SubmitJob(ctx, client.SubmitJobInput{
		Type:        args[0],
		Priority:    submitPriority,
		OrgID:       submitOrg,
		ProjectID:   submitProject,
		CallbackURL: submitCallback,
		Payload:     payload,
	})
	if err != nil {
		return fmt.Errorf("submit job: %w", err)
	}

	fmt.Printf("Job: %s\n", result.Job.ID)
	fmt.Printf("  Status: %s\n", result.Job.Status)
	if result.TaskHandle != "" {
		fmt.Printf("  Task handle: %s\n", result.TaskHandle)
	}

	if !submitWait {
		return nil
	}
	return waitForJob(ctx, result.Job.ID)
}

// waitForJob polls the job until it reaches a terminal state.
func waitForJob(ctx context.Context, id string) error {
	for {
		time.Sleep(2 * time.Second)

		job, err := apiClient.GetJob(ctx, id)
		if err != nil {
			return fmt.Errorf("poll job: %w", err)
		}
		if !job.Status.Terminal() {
			continue
		}

		fmt.Printf("  Final status: %s\n", job.Status)
		if job.ErrorMessage != "" {
			fmt.Printf("  Error: %s\n", job.ErrorMessage)
		}
		if len(job.ResultRef) > 0 {
			fmt.Printf("  Result: %s\n", string(job.ResultRef))
		}
		if job.Status == jobs.StatusFailed {
			return fmt.Errorf("job failed")
		}
		return nil
	}
}

// readPayload resolves an inline JSON payload or an @file reference.
func readPayload(arg string) (json.RawMessage, error) {
	if arg == "" {
		return nil, nil
	}
	if strings.HasPrefix(arg, "@") {
		data, err := os.ReadFile(strings.TrimPrefix(arg, "@"))
		if err != nil {
			return nil, fmt.Errorf("read payload file: %w", err)
		}
		arg = string(data)
	}
	if !json.Valid([]byte(arg)) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(arg), nil
}
