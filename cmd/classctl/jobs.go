package main

import (
	"time"

	"github.com/spf13/cobra"
)

func newJobsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect batch jobs",
	}
	cmd.AddCommand(newJobsGetCmd(opts))
	return cmd
}

func newJobsGetCmd(opts *rootOptions) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "get JOB_ID",
		Short: "Show a batch job's progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			job, err := c.Job(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if wait && !job.Status.Terminal() {
				if job, err = c.WaitJob(cmd.Context(), args[0], 500*time.Millisecond); err != nil {
					return err
				}
			}
			return writeJob(cmd.OutOrStdout(), opts.output, job)
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the job finishes")
	return cmd
}
