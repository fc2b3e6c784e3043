package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/deemkeen/boardfed/domain"
	"github.com/spf13/cobra"
)

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete finished delivery jobs",
	Long:  `Removes delivered and abandoned jobs older than the given ages. Pending and failed jobs are never touched.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		delivered, err := cmd.Flags().GetDuration("delivered")
		if err != nil {
			return err
		}
		abandoned, err := cmd.Flags().GetDuration("abandoned")
		if err != nil {
			return err
		}

		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		now := time.Now()
		for status, age := range map[domain.JobStatus]time.Duration{
			domain.JobDelivered: delivered,
			domain.JobAbandoned: abandoned,
		} {
			n, err := database.PurgeDeliveryJobs(cmd.Context(), status, now.Add(-age))
			if err != nil {
				return fmt.Errorf("purge %s jobs: %w", status, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d %s jobs older than %s\n", n, status, age)
		}
		return nil
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List delivery jobs by status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := cmd.Flags().GetString("status")
		if err != nil {
			return err
		}
		limit, err := cmd.Flags().GetInt("limit")
		if err != nil {
			return err
		}
		switch domain.JobStatus(status) {
		case domain.JobPending, domain.JobFailed, domain.JobDelivered, domain.JobAbandoned:
		default:
			return fmt.Errorf("unknown status %q", status)
		}

		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		jobs, err := database.ListDeliveryJobs(cmd.Context(), domain.JobStatus(status), limit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tINBOX\tATTEMPTS\tNEXT\tLAST ERROR")
		for _, j := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", j.Id, j.InboxURI, j.Attempts, j.NextAttemptAt.Format(time.RFC3339), j.LastError)
		}
		return w.Flush()
	},
}

func init() {
	purgeCmd.Flags().Duration("delivered", 7*24*time.Hour, "age after which delivered jobs are removed")
	purgeCmd.Flags().Duration("abandoned", 30*24*time.Hour, "age after which abandoned jobs are removed")

	jobsCmd.Flags().String("status", string(domain.JobPending), "pending, failed, delivered or abandoned")
	jobsCmd.Flags().Int("limit", 50, "maximum number of jobs to list")
}
