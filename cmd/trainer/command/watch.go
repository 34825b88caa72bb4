package command

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"remote-trainer/config"
	"remote-trainer/core/models"
	"remote-trainer/core/monitoring"
)

var watchCmd = &cobra.Command{
	Use:   "watch LABEL|STATUS_FILE",
	Short: "Follow the progress of a run until it completes or fails",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}

		path := args[0]
		if _, err := os.Stat(path); err != nil {
			path = monitoring.StatusPath(cfg.StatusDir, args[0])
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
		defer cancel()

		var final models.RunStatus
		err = monitoring.Watch(ctx, path, func(state *models.ProgressState) {
			fmt.Fprintln(cmd.OutOrStdout(), formatProgress(state))
			final = state.Status
		})
		if err != nil {
			return err
		}
		if final == models.RunStatusFailed {
			return fmt.Errorf("run %s failed", args[0])
		}
		return nil
	},
}

func formatProgress(state *models.ProgressState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", state.UpdatedAt.Local().Format("15:04:05"), state.Status)
	for _, st := range state.Stages {
		switch st.Status {
		case models.StageActive:
			fmt.Fprintf(&b, " | %s %.0f%%", st.Name, st.Percent)
			if st.Message != "" {
				fmt.Fprintf(&b, " %s", st.Message)
			}
		case models.StageFailed:
			fmt.Fprintf(&b, " | %s failed: %s", st.Name, st.Message)
		}
	}
	if state.Message != "" {
		fmt.Fprintf(&b, " | %s", state.Message)
	}
	return b.String()
}
