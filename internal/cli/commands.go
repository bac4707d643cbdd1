package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"example.com/activitysync/internal/domain"
	"example.com/activitysync/internal/syncer"
)

// NewUsersCommand creates the users command group.
func NewUsersCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage the students known on this device",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List local users; the selected one is marked with *",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts, func(rt *runtime) error {
				ctx := cmd.Context()
				users := rt.store.Users(ctx)
				current, _ := rt.store.CurrentUser(ctx)
				view := struct {
					Users       []string `json:"users"`
					CurrentUser string   `json:"currentUser"`
				}{users, current}
				return emit(cmd, opts, view, func(w io.Writer) {
					if len(users) == 0 {
						fmt.Fprintln(w, "no users")
						return
					}
					for _, u := range users {
						marker := " "
						if u == current {
							marker = "*"
						}
						fmt.Fprintf(w, "%s %s\n", marker, u)
					}
				})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add <name>",
		Short: "Add a user and select it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts, func(rt *runtime) error {
				ctx := cmd.Context()
				online := rt.connect(ctx)
				name, err := rt.orch.AddUser(ctx, args[0])
				if err != nil {
					return err
				}
				view := struct {
					User   string `json:"user"`
					Online bool   `json:"online"`
				}{name, online}
				return emit(cmd, opts, view, func(w io.Writer) {
					fmt.Fprintf(w, "added and selected %s\n", name)
				})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "select <name>",
		Short: "Select the user new progress is recorded for",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts, func(rt *runtime) error {
				if err := rt.orch.SelectUser(cmd.Context(), args[0]); err != nil {
					return err
				}
				name := strings.TrimSpace(args[0])
				return emit(cmd, opts, map[string]string{"currentUser": name}, func(w io.Writer) {
					fmt.Fprintf(w, "selected %s\n", name)
				})
			})
		},
	})

	return cmd
}

// RecordOptions holds flags for the record command.
type RecordOptions struct {
	*RootOptions
	Expect string
}

// NewRecordCommand creates the record command.
func NewRecordCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecordOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "record <activity-id> [answer]",
		Short: "Record an answer for the selected user",
		Long: `Record an answer for the selected user.

The entry is sent immediately when the server is reachable and queued
locally otherwise. Either way it is never lost.

Example:
  olt record q1 7 --expect 7`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			answer := syncer.Answer{ActivityID: args[0], Expected: opts.Expect}
			if len(args) == 2 {
				answer.Given = args[1]
			}
			return withRuntime(rootOpts, func(rt *runtime) error {
				ctx := cmd.Context()
				rt.connect(ctx)
				entries, result, err := rt.orch.Record(ctx, answer)
				if err != nil {
					if errors.Is(err, syncer.ErrNoCurrentUser) {
						return fmt.Errorf("%w: run 'olt users select <name>' first", err)
					}
					return err
				}
				view := struct {
					Entries []domain.ProgressEntry `json:"entries"`
					Queued  bool                   `json:"queued"`
					Cause   string                 `json:"cause,omitempty"`
				}{Entries: entries, Queued: result.Queued}
				if result.Cause != nil {
					view.Cause = result.Cause.Error()
				}
				return emit(cmd, rootOpts, view, func(w io.Writer) {
					switch {
					case !result.Queued:
						fmt.Fprintf(w, "saved and synced %d entries\n", len(entries))
					case result.Cause != nil:
						fmt.Fprintf(w, "saved offline: sync failed (%v), will retry later\n", result.Cause)
					default:
						fmt.Fprintf(w, "saved offline: queued %d entries\n", len(entries))
					}
				})
			})
		},
	}

	cmd.Flags().StringVar(&opts.Expect, "expect", "", "expected answer; grades the entry when set")

	return cmd
}

// NewQueueCommand creates the queue command.
func NewQueueCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show entries waiting to be synced",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts, func(rt *runtime) error {
				queue := rt.store.Queue(cmd.Context())
				return emit(cmd, opts, queue, func(w io.Writer) {
					fmt.Fprintf(w, "queued entries: %d\n", len(queue))
					for _, e := range queue {
						fmt.Fprintf(w, "  %s  %s  %s  answer=%s correct=%s\n",
							e.Timestamp, e.User, e.ActivityID, optString(e.Answer), optBool(e.Correct))
					}
				})
			})
		},
	}
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Send the roster and queued entries to the server now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts, func(rt *runtime) error {
				ack, err := rt.orch.SyncNow(cmd.Context())
				if err != nil {
					return fmt.Errorf("sync failed, queue kept: %w", err)
				}
				return emit(cmd, opts, ack, func(w io.Writer) {
					fmt.Fprintf(w, "synced successfully: users=%d, progress=%d\n", ack.SavedUsers, ack.SavedProgress)
				})
			})
		},
	}
}

// NewAutoSyncCommand creates the autosync command.
func NewAutoSyncCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "autosync on|off|status",
		Short:     "Control draining the queue automatically on reconnect",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts, func(rt *runtime) error {
				ctx := cmd.Context()
				switch args[0] {
				case "on", "off":
					enabled := args[0] == "on"
					if enabled {
						rt.connect(ctx)
					}
					if err := rt.orch.SetAutoSync(ctx, enabled); err != nil {
						return err
					}
				case "status":
				default:
					return fmt.Errorf("unknown argument %q: expected on, off or status", args[0])
				}
				status := rt.orch.Status(ctx)
				view := struct {
					AutoSync   bool `json:"autoSync"`
					QueueDepth int  `json:"queueDepth"`
				}{status.AutoSync, status.QueueDepth}
				return emit(cmd, opts, view, func(w io.Writer) {
					state := "off"
					if status.AutoSync {
						state = "on"
					}
					fmt.Fprintf(w, "auto-sync %s, %d entries queued\n", state, status.QueueDepth)
				})
			})
		},
	}
}

// NewHealthCommand creates the health command.
func NewHealthCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the sync server is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts, func(rt *runtime) error {
				health, err := rt.client.Health(cmd.Context())
				if err != nil {
					return fmt.Errorf("health check failed: %w", err)
				}
				return emit(cmd, opts, health, func(w io.Writer) {
					fmt.Fprintf(w, "%s (%s)\n", health.Message, health.Time.Format("2006-01-02T15:04:05Z07:00"))
				})
			})
		},
	}
}

// NewDumpCommand creates the dump command.
func NewDumpCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Print the canonical users and progress held by the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts, func(rt *runtime) error {
				doc, err := rt.client.FetchCanonical(cmd.Context())
				if err != nil {
					return err
				}
				return emit(cmd, opts, doc, func(w io.Writer) {
					fmt.Fprintf(w, "users (%d): %s\n", len(doc.Users), strings.Join(doc.Users, ", "))
					fmt.Fprintf(w, "progress (%d):\n", len(doc.Progress))
					for _, e := range doc.Progress {
						fmt.Fprintf(w, "  %s  %s  %s  answer=%s correct=%s\n",
							e.Timestamp, e.User, e.ActivityID, optString(e.Answer), optBool(e.Correct))
					}
				})
			})
		},
	}
}

func optString(v *string) string {
	if v == nil {
		return "-"
	}
	return *v
}

func optBool(v *bool) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%t", *v)
}
