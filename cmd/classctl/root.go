package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"classes-api/internal/client"
)

type rootOptions struct {
	server  string
	tenant  string
	timeout time.Duration
	output  string
}

// newRootCmd builds the command tree. lookupEnv supplies CLASSCTL_SERVER and
// CLASSCTL_TENANT defaults and is injectable for tests.
func newRootCmd(lookupEnv func(string) (string, bool)) *cobra.Command {
	opts := &rootOptions{}
	defaultServer := "http://127.0.0.1:8080"
	if value, ok := lookupEnv("CLASSCTL_SERVER"); ok && value != "" {
		defaultServer = value
	}
	defaultTenant, _ := lookupEnv("CLASSCTL_TENANT")

	cmd := &cobra.Command{
		Use:           "classctl",
		Short:         "Manage tenant classes and batch jobs",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if opts.output != "table" && opts.output != "json" {
				return fmt.Errorf("unsupported output %q (table or json)", opts.output)
			}
			return nil
		},
		Example: `  # List the first page of classes
  classctl --tenant acme classes list

  # Delete several classes and wait for the job to finish
  classctl --tenant acme classes batch-delete c1 c2 c3 --wait`,
	}
	cmd.PersistentFlags().StringVar(&opts.server, "server", defaultServer, "classes API base URL")
	cmd.PersistentFlags().StringVar(&opts.tenant, "tenant", defaultTenant, "tenant identifier")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "per-request timeout")
	cmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "table", "output format (table or json)")

	cmd.AddCommand(newClassesCmd(opts), newJobsCmd(opts))
	return cmd
}

func (o *rootOptions) client() (*client.Client, error) {
	return client.New(o.server, o.tenant, &http.Client{Timeout: o.timeout})
}

func writeJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
