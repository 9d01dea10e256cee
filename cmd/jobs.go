package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/edgescope/edgescope/internal/core"
	"github.com/edgescope/edgescope/pkg/types"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage discovery jobs",
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit <type> <target>",
	Short: "Queue a discovery job",
	Long: `Queues a discovery job for the worker pool to pick up.

Examples:
  edgescope jobs submit DNS_ENUM example.com --org <org-id>
  edgescope jobs submit PORT_SCAN 192.0.2.10 --org <org-id> --config '{"ports":[22,80,443]}'
  edgescope jobs submit WEB_CRAWL https://example.com --org <org-id>
  edgescope jobs submit CERT_SCAN example.com --org <org-id>`,
	Args: cobra.ExactArgs(2),
	RunE: runJobsSubmit,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List discovery jobs",
	RunE:  runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a job with its accumulated logs",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

func init() {
	jobsSubmitCmd.Flags().String("org", "", "Organization ID (required)")
	jobsSubmitCmd.Flags().String("config", "", "Probe configuration as a JSON object")
	jobsSubmitCmd.MarkFlagRequired("org")

	jobsListCmd.Flags().String("org", "", "Filter by organization ID")
	jobsListCmd.Flags().String("status", "", "Filter by status (PENDING, RUNNING, COMPLETED, FAILED)")
	jobsListCmd.Flags().String("type", "", "Filter by job type")
	jobsListCmd.Flags().Int("limit", 50, "Maximum rows to return")

	jobsCmd.AddCommand(jobsSubmitCmd, jobsListCmd, jobsShowCmd)
	rootCmd.AddCommand(jobsCmd)
}

func runJobsSubmit(cmd *cobra.Command, args []string) error {
	ctx := GetContext()

	jobType, err := types.ParseJobType(args[0])
	if err != nil {
		return fmt.Errorf("%w (valid types: %v)", err, types.JobTypes)
	}
	target := strings.TrimSpace(args[1])

	orgID, _ := cmd.Flags().GetString("org")
	if _, err := store.GetOrganization(ctx, orgID); err != nil {
		return fmt.Errorf("organization %s: %w", orgID, err)
	}

	var configuration json.RawMessage
	if raw, _ := cmd.Flags().GetString("config"); raw != "" {
		if !json.Valid([]byte(raw)) {
			return fmt.Errorf("--config is not valid JSON")
		}
		configuration = json.RawMessage(raw)
	}

	// Reject targets the probe would fail on anyway, before they hit the queue.
	registry, err := buildRegistry()
	if err != nil {
		return err
	}
	probe, err := registry.Get(jobType)
	if err != nil {
		return err
	}
	if err := probe.Validate(target); err != nil {
		return fmt.Errorf("invalid target for %s: %w", jobType, err)
	}

	job := types.NewDiscoveryJob(orgID, jobType, target, configuration)
	if err := store.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	color.Green("Job queued")
	fmt.Printf("  ID:     %s\n", job.ID)
	fmt.Printf("  Type:   %s\n", job.JobType)
	fmt.Printf("  Target: %s\n", job.Target)
	fmt.Printf("  Status: %s\n", job.Status)
	return nil
}

func runJobsList(cmd *cobra.Command, args []string) error {
	ctx := GetContext()

	filter := core.JobFilter{}
	filter.OrganizationID, _ = cmd.Flags().GetString("org")
	filter.Limit, _ = cmd.Flags().GetInt("limit")
	if s, _ := cmd.Flags().GetString("status"); s != "" {
		filter.Status = types.JobStatus(strings.ToUpper(s))
	}
	if t, _ := cmd.Flags().GetString("type"); t != "" {
		jobType, err := types.ParseJobType(t)
		if err != nil {
			return err
		}
		filter.JobType = jobType
	}

	jobs, err := store.ListJobs(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}
	if len(jobs) == 0 {
		color.Yellow("No jobs found")
		return nil
	}

	fmt.Printf("%-36s  %-10s  %-9s  %-19s  %s\n", "ID", "TYPE", "STATUS", "CREATED", "TARGET")
	for _, job := range jobs {
		statusColor(job.Status).Printf("%-36s  %-10s  %-9s  %-19s  %s\n",
			job.ID, job.JobType, job.Status,
			job.CreatedAt.Format("2006-01-02 15:04:05"), job.Target)
	}
	return nil
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	ctx := GetContext()

	job, err := store.GetJob(ctx, args[0])
	if err != nil {
		return fmt.Errorf("job %s: %w", args[0], err)
	}

	fmt.Printf("ID:           %s\n", job.ID)
	fmt.Printf("Organization: %s\n", job.OrganizationID)
	fmt.Printf("Type:         %s\n", job.JobType)
	fmt.Printf("Target:       %s\n", job.Target)
	statusColor(job.Status).Printf("Status:       %s\n", job.Status)
	fmt.Printf("Created:      %s\n", job.CreatedAt.Format("2006-01-02 15:04:05"))
	if job.StartedAt != nil {
		fmt.Printf("Started:      %s\n", job.StartedAt.Format("2006-01-02 15:04:05"))
	}
	if job.CompletedAt != nil {
		fmt.Printf("Completed:    %s\n", job.CompletedAt.Format("2006-01-02 15:04:05"))
	}
	if len(job.Configuration) > 0 && string(job.Configuration) != "{}" {
		fmt.Printf("Config:       %s\n", job.Configuration)
	}
	if job.ErrorMessage != "" {
		color.Red("Error:        %s", job.ErrorMessage)
	}
	if job.Logs != "" {
		fmt.Println("\nLogs:")
		for _, line := range strings.Split(strings.TrimRight(job.Logs, "\n"), "\n") {
			fmt.Printf("  %s\n", line)
		}
	}
	return nil
}

func statusColor(status types.JobStatus) *color.Color {
	switch status {
	case types.JobStatusCompleted:
		return color.New(color.FgGreen)
	case types.JobStatusFailed:
		return color.New(color.FgRed)
	case types.JobStatusRunning:
		return color.New(color.FgCyan)
	default:
		return color.New(color.FgWhite)
	}
}
