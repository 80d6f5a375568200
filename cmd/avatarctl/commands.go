package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/DailyDosesAI/Kai-Voice-Call/internal/avatar"
	"github.com/DailyDosesAI/Kai-Voice-Call/internal/avatarstore"
	"github.com/DailyDosesAI/Kai-Voice-Call/internal/config"
	"github.com/DailyDosesAI/Kai-Voice-Call/internal/timeline"
	"github.com/gookit/color"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

type options struct {
	configPath   string
	timelinePath string
	noColor      bool
	limit        int
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "avatarctl",
		Short:         "Manage the avatars kaid attaches to voice sessions",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.noColor {
				color.Enable = false
			}
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})
	root.PersistentFlags().StringVar(&opts.configPath, "config",
		envOr("KAI_AVATAR_CONFIG", "avatar_config.json"), "Avatar configuration file (env KAI_AVATAR_CONFIG)")
	root.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "Disable coloured output")

	root.AddCommand(
		newListCmd(opts),
		newShowCmd(opts),
		newEnableCmd(opts),
		newDisableCmd(opts),
		newProvidersCmd(),
		newHistoryCmd(opts),
		newVersionCmd(),
	)
	return root
}

func openStore(opts *options) (*avatarstore.Store, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := avatarstore.Open(opts.configPath, logger)
	if err := store.Load(); err != nil {
		return nil, err
	}
	return store, nil
}

func newTable(out io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(out)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	return table
}

func newListCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured avatars",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(opts)
			if err != nil {
				return err
			}
			entries := store.List()
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, color.Gray.Sprintf("No avatars configured in %s", store.Path()))
				return nil
			}

			def := store.Default()
			table := newTable(out, []string{"", "Name", "Provider", "Enabled", "Participant"})
			for _, e := range entries {
				marker := ""
				if e.Name == def {
					marker = "*"
				}
				enabled := color.Gray.Sprint("no")
				if e.Record.Enabled {
					enabled = color.Green.Sprint("yes")
				}
				table.Append([]string{marker, e.Name, string(e.Record.Provider), enabled, e.Record.ParticipantName})
			}
			table.Render()
			return nil
		},
	}
}

func newShowCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show one avatar with secrets masked",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(opts)
			if err != nil {
				return err
			}
			name := args[0]
			rec, ok := store.Get(name)
			if !ok {
				return &avatar.NotFoundError{Name: name}
			}

			out := cmd.OutOrStdout()
			title := name
			if name == store.Default() {
				title += " (default)"
			}
			fmt.Fprintln(out, color.Bold.Sprint(title))
			fmt.Fprintf(out, "  provider: %s\n", rec.Provider)
			fmt.Fprintf(out, "  enabled: %t\n", rec.Enabled)
			if rec.ParticipantIdentity != "" {
				fmt.Fprintf(out, "  participant_identity: %s\n", rec.ParticipantIdentity)
			}
			if rec.ParticipantName != "" {
				fmt.Fprintf(out, "  participant_name: %s\n", rec.ParticipantName)
			}
			keys := lo.Keys(rec.Params)
			slices.Sort(keys)
			for _, k := range keys {
				fmt.Fprintf(out, "  %s: %s\n", k, maskSecret(k, rec.Params[k]))
			}
			if required, known := avatar.RequiredKeys(rec.Provider); known {
				// Credentials may come from the environment instead.
				missing := lo.Filter(required, func(k string, _ int) bool {
					_, ok := rec.Param(k)
					return !ok && !isSecretKey(k)
				})
				if len(missing) > 0 {
					fmt.Fprintln(out, color.Yellow.Sprintf("  missing: %s", strings.Join(missing, ", ")))
				}
			}
			return nil
		},
	}
}

// maskSecret hides credential values. Environment references stay visible.
func maskSecret(key, value string) string {
	if !isSecretKey(key) {
		return value
	}
	if strings.HasPrefix(strings.TrimSpace(value), "$") {
		return value
	}
	return "********"
}

func isSecretKey(key string) bool {
	lower := strings.ToLower(key)
	return strings.Contains(lower, "api_key") || strings.Contains(lower, "secret") || strings.Contains(lower, "token")
}

func newEnableCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "enable <name>",
		Short: "Enable an avatar, make it the default and disable the others",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(opts)
			if err != nil {
				return err
			}
			if err := store.Activate(args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), color.Green.Sprint("✓ ")+args[0]+" is now the active avatar")
			return nil
		},
	}
}

func newDisableCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "disable <name>",
		Short: "Disable an avatar",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(opts)
			if err != nil {
				return err
			}
			previous := store.Default()
			if err := store.SetEnabled(args[0], false); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, color.Green.Sprint("✓ ")+args[0]+" disabled")
			if def := store.Default(); def != previous {
				fmt.Fprintln(out, color.Gray.Sprintf("default avatar is now %s", def))
			}
			return nil
		},
	}
}

func newProvidersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List supported avatar providers and their required keys",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			table := newTable(cmd.OutOrStdout(), []string{"Provider", "Required keys"})
			for _, p := range avatar.Supported() {
				keys, _ := avatar.RequiredKeys(p)
				table.Append([]string{string(p), strings.Join(keys, ", ")})
			}
			table.Render()
			return nil
		},
	}
}

func newHistoryCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [session-id]",
		Short: "Show recent voice sessions, or the avatar events of one session",
		Args:  maxArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(opts.timelinePath); errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("no timeline at %s", opts.timelinePath)
			}
			ctx := context.Background()
			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			// Zero retention limits: reading must never prune.
			store, err := timeline.Open(ctx, config.TimelineConfig{Path: opts.timelinePath, RetentionMode: "session"}, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if len(args) == 0 {
				sessions, err := store.ListSessions(ctx, opts.limit)
				if err != nil {
					return err
				}
				table := newTable(out, []string{"Session", "Room", "Avatar", "Started"})
				for _, s := range sessions {
					table.Append([]string{s.SessionID, s.Room, s.Avatar, s.CreatedAt.Local().Format("2006-01-02 15:04:05")})
				}
				table.Render()
				return nil
			}

			events, err := store.ListSessionEvents(ctx, args[0], opts.limit)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Fprintln(out, color.Gray.Sprintf("No avatar events for %s", args[0]))
				return nil
			}
			table := newTable(out, []string{"Time", "Event", "Provider", "Attempt", "Detail"})
			for _, e := range events {
				table.Append([]string{e.CreatedAt.Local().Format("15:04:05.000"), e.Type, e.Provider, e.AttemptID, e.Detail})
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.timelinePath, "timeline",
		envOr("KAI_TIMELINE_PATH", config.Default().Timeline.Path), "Timeline database (env KAI_TIMELINE_PATH)")
	cmd.Flags().IntVar(&opts.limit, "limit", 20, "Maximum rows to show")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the avatarctl version",
		Args:  exactArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
