package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"classes-api/internal/classes"
	"classes-api/internal/models"
)

func newClassesCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classes",
		Short: "Work with class documents",
	}
	cmd.AddCommand(
		newClassesListCmd(opts),
		newClassesGetCmd(opts),
		newClassesCreateCmd(opts),
		newClassesDeleteCmd(opts),
		newClassesBatchDeleteCmd(opts),
	)
	return cmd
}

func newClassesListCmd(opts *rootOptions) *cobra.Command {
	var skip, limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List classes for the tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			result, err := c.ListClasses(cmd.Context(), skip, limit)
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return writeJSON(cmd.OutOrStdout(), result)
			}
			if err := writeClassTable(cmd.OutOrStdout(), result.Items); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "showing %d from %d of %d\n", len(result.Items), result.Skip, result.Count)
			return nil
		},
	}
	cmd.Flags().IntVar(&skip, "skip", 0, "number of classes to skip")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum classes to return (server default when 0)")
	return cmd
}

func newClassesGetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show one class",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			class, err := c.GetClass(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return writeJSON(cmd.OutOrStdout(), class)
			}
			return writeClassTable(cmd.OutOrStdout(), []models.Class{class})
		},
	}
}

func newClassesCreateCmd(opts *rootOptions) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a class",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			class, err := c.CreateClass(cmd.Context(), classes.Document{Name: name})
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return writeJSON(cmd.OutOrStdout(), class)
			}
			return writeClassTable(cmd.OutOrStdout(), []models.Class{class})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "class name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newClassesDeleteCmd(opts *rootOptions) *cobra.Command {
	var etag string
	cmd := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a class guarded by its current etag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			if err := c.DeleteClass(cmd.Context(), args[0], etag); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&etag, "etag", "", `current etag of the class ("*" skips the check)`)
	_ = cmd.MarkFlagRequired("etag")
	return cmd
}

func newClassesBatchDeleteCmd(opts *rootOptions) *cobra.Command {
	var wait bool
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "batch-delete ID...",
		Short: "Delete many classes in a background job",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			job, err := c.BatchDelete(cmd.Context(), args)
			if err != nil {
				return err
			}
			if wait {
				job, err = c.WaitJob(cmd.Context(), job.ID, interval)
				if err != nil {
					return err
				}
			}
			return writeJob(cmd.OutOrStdout(), opts.output, job)
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the job finishes")
	cmd.Flags().DurationVar(&interval, "interval", 500*time.Millisecond, "poll interval used with --wait")
	return cmd
}

func writeClassTable(w io.Writer, items []models.Class) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tETAG\tUPDATED")
	for _, class := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", class.ID, class.Name, class.ETag, class.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func writeJob(w io.Writer, output string, job models.Job) error {
	if output == "json" {
		return writeJSON(w, job)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tSTATUS\tTOTAL\tSUCCESS\tERROR")
	fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n", job.ID, job.Status, job.Total, job.Success, job.Error)
	if job.Fault != "" {
		fmt.Fprintf(tw, "fault: %s\n", strings.TrimSpace(job.Fault))
	}
	return tw.Flush()
}
