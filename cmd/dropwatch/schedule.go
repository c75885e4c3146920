package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openmc/dropwatch/internal/httpapi"
	"github.com/openmc/dropwatch/internal/model"
)

const dropTimeLayout = "2006-01-02 15:04:05"

type scheduleFlags struct {
	server    string
	dropTime  string
	lead      string
	autoClaim bool
	strategy  string
}

func scheduleCmd() *cobra.Command {
	var flags scheduleFlags

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "manage scheduled monitors of a running dropwatch serve",
	}
	cmd.PersistentFlags().StringVar(&flags.server, "server", "", "base url of dropwatch serve, default is derived from the listen address")

	add := &cobra.Command{
		Use:   "add <username>",
		Short: "schedule monitoring of a username before its drop time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dropTime, err := parseDropTime(flags.dropTime)
			if err != nil {
				return err
			}
			req := httpapi.ScheduleRequest{
				Username:  args[0],
				DropTime:  dropTime,
				Lead:      flags.lead,
				AutoClaim: flags.autoClaim,
				Strategy:  model.Strategy(flags.strategy),
			}
			var job model.Job
			if err := apiDo(cmd.Context(), flags.server, http.MethodPost, "/api/schedules", req, &job); err != nil {
				return err
			}
			return printJobs(cmd.OutOrStdout(), []model.Job{job})
		},
	}
	add.Flags().StringVar(&flags.dropTime, "drop-time", "", "drop time, RFC3339 or \""+dropTimeLayout+"\" in local time")
	add.Flags().StringVar(&flags.lead, "lead", "", "how long before the drop the monitoring starts, e.g. PT10M or 10m")
	add.Flags().BoolVar(&flags.autoClaim, "auto-claim", false, "claim the username once it is available")
	add.Flags().StringVar(&flags.strategy, "strategy", "", "claim strategy, default comes from the settings")
	_ = add.MarkFlagRequired("drop-time")

	list := &cobra.Command{
		Use:   "list",
		Short: "list scheduled monitors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var jobs []model.Job
			if err := apiDo(cmd.Context(), flags.server, http.MethodGet, "/api/schedules", nil, &jobs); err != nil {
				return err
			}
			return printJobs(cmd.OutOrStdout(), jobs)
		},
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "delete a scheduled monitor and cancel its timer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res model.Result
			return apiDo(cmd.Context(), flags.server, http.MethodDelete, "/api/schedules/"+url.PathEscape(args[0]), nil, &res)
		},
	}

	cmd.AddCommand(add, list, del)
	return cmd
}

func parseDropTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(dropTimeLayout, s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing drop time %q: %w", s, err)
	}
	return t, nil
}

func apiDo(ctx context.Context, server, method, path string, body, out any) error {
	if server == "" {
		server = "http://" + config.Listen
	}
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, server+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling dropwatch serve: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= http.StatusBadRequest {
		var failure model.Result
		if err := json.NewDecoder(resp.Body).Decode(&failure); err != nil || failure.Error == "" {
			return fmt.Errorf("%s %s: %s", method, path, resp.Status)
		}
		return fmt.Errorf("%s %s: %s", method, path, failure.Error)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func printJobs(w io.Writer, jobs []model.Job) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUSERNAME\tDROP TIME\tSTART\tAUTO CLAIM\tSTATUS\tERROR")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
			j.ID,
			j.Username,
			j.DropTime.Local().Format(dropTimeLayout),
			j.MonitorStartTime.Local().Format(dropTimeLayout),
			j.AutoClaim,
			j.Status,
			j.Error,
		)
	}
	return tw.Flush()
}
