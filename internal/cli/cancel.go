package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var cancelForce bool

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-handle>",
	Short: "Cancel a dispatched task",
	Long: `Request cancellation of a task by its handle.

Without --force only tasks still waiting in a queue are affected. With
--force, workers also terminate the task if it is already running.

Cancellation is best-effort: check the job's status to see whether the
task actually stopped.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func init() {
	cancelCmd.Flags().BoolVar(&cancelForce, "force", false, "also terminate the task if it is running")
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
	result, err := apiClient.CancelTask(context.Background(), args[0], cancelForce)
	if err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	if result.Accepted {
		fmt.Println("Cancellation requested")
	} else {
		fmt.Println("Cancellation not accepted by broker")
	}
	return nil
}
