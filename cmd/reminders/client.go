package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"reminders/internal/domain"
	"reminders/internal/serialization"
	"reminders/internal/transport"
)

type clientFlags struct {
	server string
	owner  string
}

func (f *clientFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.server, "server", "http://localhost:8080", "reminder service base URL")
	cmd.Flags().StringVarP(&f.owner, "owner", "o", "", "owner of the schedule")
	_ = cmd.MarkFlagRequired("owner")
}

func (f *clientFlags) url(parts ...string) string {
	return strings.TrimRight(f.server, "/") + "/api/reminders/" + f.owner + "/" + strings.Join(parts, "/")
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

func scheduleCmd() *cobra.Command {
	var (
		cf      clientFlags
		taskID  string
		to      string
		payload string
		at      string
		in      time.Duration
		cronExp string
		every   time.Duration
	)
	command := &cobra.Command{
		Use:   "schedule",
		Short: "Schedule a reminder",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(payload)) {
				// plain text is sent as a JSON string
				b, _ := json.Marshal(payload)
				payload = string(b)
			}
			req := map[string]any{
				"task_id":   taskID,
				"recipient": to,
				"payload":   json.RawMessage(payload),
			}
			switch {
			case at != "":
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				req["trigger_at"] = t
			case cronExp != "":
				req["cron"] = cronExp
			default:
				req["delay"] = in.String()
			}
			if every > 0 {
				req["repeat_interval"] = every.String()
			}

			body, err := json.Marshal(req)
			if err != nil {
				return err
			}
			resp, err := httpClient.Post(cf.url("schedules"), "application/json", bytes.NewReader(body))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			out, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusCreated {
				return fmt.Errorf("schedule failed: %s: %s", resp.Status, strings.TrimSpace(string(out)))
			}
			fmt.Fprint(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cf.bind(command)
	command.Flags().StringVar(&taskID, "id", "", "task id (generated when empty)")
	command.Flags().StringVar(&to, "to", "", "recipient address, e.g. https://host/hook or kafka://main/topic")
	command.Flags().StringVar(&payload, "payload", "", "message payload (JSON or plain text)")
	command.Flags().StringVar(&at, "at", "", "trigger time (RFC3339)")
	command.Flags().DurationVar(&in, "in", 0, "trigger after this delay")
	command.Flags().StringVar(&cronExp, "cron", "", "trigger at the next match of a cron expression")
	command.Flags().DurationVar(&every, "every", 0, "repeat interval")
	_ = command.MarkFlagRequired("to")
	_ = command.MarkFlagRequired("payload")
	command.MarkFlagsMutuallyExclusive("at", "in", "cron")
	return command
}

func cancelCmd() *cobra.Command {
	var cf clientFlags
	command := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a reminder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodDelete, cf.url("schedules", args[0]), nil)
			if err != nil {
				return err
			}
			resp, err := httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusNoContent {
				out, _ := io.ReadAll(resp.Body)
				return fmt.Errorf("cancel failed: %s: %s", resp.Status, strings.TrimSpace(string(out)))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", args[0])
			return nil
		},
	}
	cf.bind(command)
	return command
}

// stateCmd fetches the state over the binary command endpoint.
func stateCmd() *cobra.Command {
	var cf clientFlags
	command := &cobra.Command{
		Use:   "state",
		Short: "List the scheduled reminders of an owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			codec := serialization.NewCodec(serialization.NewRegistry())
			tag, body, err := codec.Encode(domain.GetState{})
			if err != nil {
				return err
			}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, cf.url("commands"), bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set(transport.HeaderManifest, tag)
			resp, err := httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			out, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("state failed: %s: %s", resp.Status, strings.TrimSpace(string(out)))
			}
			msg, err := codec.Decode(resp.Header.Get(transport.HeaderManifest), out)
			if err != nil {
				return err
			}
			st, ok := msg.(domain.State)
			if !ok {
				return fmt.Errorf("unexpected reply %T", msg)
			}
			printEntries(cmd.OutOrStdout(), st.Sorted())
			return nil
		},
	}
	cf.bind(command)
	return command
}

func printEntries(w io.Writer, entries []domain.Entry) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tRECIPIENT\tTRIGGER\tREPEAT\tPAYLOAD")
	for _, e := range entries {
		repeat := "-"
		if e.Repeating() {
			repeat = e.RepeatInterval.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.TaskID, e.Recipient, e.TriggerAt.Format(time.RFC3339), repeat, payloadString(e.Message))
	}
	_ = tw.Flush()
}

func payloadString(v any) string {
	switch p := v.(type) {
	case json.RawMessage:
		return string(p)
	case []byte:
		return fmt.Sprintf("%d bytes", len(p))
	default:
		return fmt.Sprint(p)
	}
}
