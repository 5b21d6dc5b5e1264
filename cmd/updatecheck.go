package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Ashfaaq98/intelcore/internal/updatecheck"
)

var (
	updateURL        string
	notifyAdminsOnly bool
	notifyLimit      int
)

var updateCheckCmd = &cobra.Command{
	Use:   "update-check",
	Short: "Compare the running version with the latest published release",
	Long: `Fetch the latest release from update.url and compare it with the running
version. The first time a newer release is seen an administrator notification
is recorded; later checks for the same release stay silent.`,
	RunE: runUpdateCheck,
}

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "List stored notifications, newest first",
	RunE:  runNotifications,
}

func init() {
	rootCmd.AddCommand(updateCheckCmd, notificationsCmd)
	updateCheckCmd.Flags().StringVar(&updateURL, "url", "", "Release endpoint (overrides update.url)")
	notificationsCmd.Flags().BoolVar(&notifyAdminsOnly, "admins", false, "Only notifications addressed to administrators")
	notificationsCmd.Flags().IntVar(&notifyLimit, "limit", 20, "Maximum number of notifications")
}

func runUpdateCheck(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := GetConfig()
	if updateURL != "" {
		cfg.Update.URL = updateURL
	}

	logger, st, cleanup, err := setup(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	res, err := updatecheck.New(st, updatecheck.Options{
		URL:            cfg.Update.URL,
		CurrentVersion: cfg.Update.CurrentVersion,
		Logger:         logger.Named("updatecheck"),
	}).Check(ctx)
	if errors.Is(err, updatecheck.ErrNotConfigured) {
		return fmt.Errorf("%w: set update.url or pass --url", err)
	}
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), res.Message)
	if res.Notified {
		fmt.Fprintln(cmd.OutOrStdout(), "administrators notified")
	}
	return nil
}

func runNotifications(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	_, st, cleanup, err := setup(GetConfig())
	if err != nil {
		return err
	}
	defer cleanup()

	list, err := st.ListNotifications(ctx, notifyAdminsOnly, notifyLimit)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No notifications.")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CREATED\tLEVEL\tTITLE\tDESCRIPTION")
	for _, n := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", n.CreatedAt.Local().Format("2006-01-02 15:04"), n.Level, n.Title, n.Description)
	}
	return w.Flush()
}
