package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"reminders/internal/config"
	"reminders/internal/domain"
	"reminders/internal/journal"
	"reminders/internal/reminder"
	"reminders/internal/serialization"
)

func journalCmd(cfgPath *string) *cobra.Command {
	command := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the event journal",
	}
	command.AddCommand(journalDumpCmd(cfgPath))
	return command
}

func journalDumpCmd(cfgPath *string) *cobra.Command {
	var owner string
	command := &cobra.Command{
		Use:   "dump",
		Short: "Print the snapshot and events of one owner or of all owners",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := journal.Open(ctx, journalConfig(cfg))
			if err != nil {
				return err
			}
			defer store.Close()

			ids := []string{reminder.PersistenceID(owner)}
			if owner == "" {
				if ids, err = store.Aggregates(ctx); err != nil {
					return err
				}
			}
			codec := serialization.NewCodec(serialization.NewRegistry())
			out := cmd.OutOrStdout()
			for _, id := range ids {
				if err := dumpAggregate(cmd, store, codec, id, out); err != nil {
					return err
				}
			}
			return nil
		},
	}
	command.Flags().StringVarP(&owner, "owner", "o", "", "owner to dump (all when empty)")
	return command
}

func dumpAggregate(cmd *cobra.Command, store journal.Store, codec *serialization.Codec, id string, out io.Writer) error {
	ctx := cmd.Context()
	fmt.Fprintf(out, "== %s\n", id)

	var from uint64
	snap, ok, err := store.LoadSnapshot(ctx, id)
	if err != nil {
		return err
	}
	if ok {
		from = snap.Seq + 1
		fmt.Fprintf(out, "snapshot seq=%d at=%s\n", snap.Seq, snap.At.Format(time.RFC3339))
		if msg, err := codec.Decode(snap.Manifest, snap.Payload); err == nil {
			if st, isState := msg.(domain.State); isState {
				for _, e := range st.Sorted() {
					fmt.Fprintf(out, "  %s -> %s at %s\n", e.TaskID, e.Recipient, e.TriggerAt.Format(time.RFC3339))
				}
			}
		}
	}

	for rec, err := range store.ReadFrom(ctx, id, from) {
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%6d %s %s %s\n", rec.Seq, rec.At.Format(time.RFC3339), rec.Manifest, describe(codec, rec))
	}
	return nil
}

func describe(codec *serialization.Codec, rec journal.Record) string {
	ev, err := codec.DecodeEvent(rec.Manifest, rec.Payload)
	if err != nil {
		return "undecodable: " + err.Error()
	}
	switch e := ev.(type) {
	case domain.Scheduled:
		var b strings.Builder
		fmt.Fprintf(&b, "scheduled %s -> %s at %s", e.Entry.TaskID, e.Entry.Recipient, e.Entry.TriggerAt.Format(time.RFC3339))
		if e.Entry.Repeating() {
			fmt.Fprintf(&b, " every %s", e.Entry.RepeatInterval)
		}
		return b.String()
	case domain.Completed:
		return "completed " + e.TaskID
	case domain.Cancel:
		return "cancelled " + e.TaskID
	default:
		return fmt.Sprintf("%T", ev)
	}
}
