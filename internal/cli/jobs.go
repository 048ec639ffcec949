package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/taskd-go/internal/client"
)

var (
	jobsStatus  string
	jobsType    string
	jobsProject string
)

var jobsCmd = &cobra.Command{
	Use:   "jobs [job-id]",
	Short: "List or inspect jobs",
	Long: `List jobs or inspect a specific job by ID.

Examples:
  taskd jobs                      # List all jobs
  taskd jobs --status FAILED      # List failed jobs
  taskd jobs abc123               # Show details for job abc123`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJobsCmd,
}

func init() {
	jobsCmd.Flags().StringVar(&jobsStatus, "status", "", "filter by status: PENDING, PROCESSING, SUCCESS or FAILED")
	jobsCmd.Flags().StringVar(&jobsType, "type", "", "filter by job type")
	jobsCmd.Flags().StringVar(&jobsProject, "project", "", "filter by project id")
	rootCmd.AddCommand(jobsCmd)
}

func runJobsCmd(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	if len(args) == 1 {
		return showJob(ctx, args[0])
	}
	return listJobs(ctx)
}

func listJobs(ctx context.Context) error {
	list, err := apiClient.ListJobs(ctx, client.ListJobsOptions{
		Status:    jobsStatus,
		Type:      jobsType,
		ProjectID: jobsProject,
	})
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	if len(list) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	fmt.Printf("%-38s %-20s %-12s %s\n", "ID", "TYPE", "STATUS", "UPDATED")
	fmt.Println("--------------------------------------------------------------------------------")
	for _, job := range list {
		fmt.Printf("%-38s %-20s %-12s %s\n",
			job.ID, job.Type, job.Status, job.UpdatedAt.Format("15:04:05"))
	}
	return nil
}

func showJob(ctx context.Context, id string) error {
	job, err := apiClient.GetJob(ctx, id)
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}

	fmt.Printf("Job: %s\n", job.ID)
	fmt.Printf("  Type: %s\n", job.Type)
	fmt.Printf("  Status: %s\n", job.Status)
	if job.TaskHandle != "" {
		fmt.Printf("  Task handle: %s\n", job.TaskHandle)
	}
	fmt.Printf("  Trace: %s\n", job.TraceID)
	if job.ProjectID != "" {
		fmt.Printf("  Project: %s\n", job.ProjectID)
	}
	fmt.Printf("  Created: %s\n", job.CreatedAt.Format(time.RFC3339))
	fmt.Printf("  Updated: %s\n", job.UpdatedAt.Format(time.RFC3339))
	if job.ErrorMessage != "" {
		fmt.Printf("  Error: %s\n", job.ErrorMessage)
	}
	if len(job.ResultRef) > 0 {
		fmt.Printf("\nResult:\n  %s\n", string(job.ResultRef))
	}
	return nil
}
