package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/specforge/specforge/internal/agents"
	"github.com/specforge/specforge/internal/specsync"
	"github.com/specforge/specforge/internal/ui"
)

func newTasksCommand() *cobra.Command {
	var remaining bool
	cmd := &cobra.Command{
		Use:   "tasks <spec>",
		Short: "Show checklist progress of a spec document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			progress, err := specsync.ReadProgress(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, ui.ProgressBar(progress, 0))
			if remaining {
				for _, title := range progress.Remaining() {
					fmt.Fprintln(out, "- [ ] "+title)
				}
				return nil
			}
			if list := ui.TaskList(progress); list != "" {
				fmt.Fprintln(out, list)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&remaining, "remaining", false, "list only unchecked tasks")
	return cmd
}

func newAgentsCommand() *cobra.Command {
	var projectDir string
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List the agent catalogue and where each definition comes from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			table := ui.AgentTable(agents.All(), func(agent agents.Agent) string {
				path := agents.DefinitionPath(projectDir, agent.ID)
				if _, err := os.Stat(path); err == nil {
					return filepath.ToSlash(filepath.Join(agents.DefinitionDir, string(agent.ID)+".md"))
				} else if !errors.Is(err, os.ErrNotExist) {
					return "unreadable"
				}
				return "built-in"
			})
			fmt.Fprintln(cmd.OutOrStdout(), table)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectDir, "project", ".", "project directory holding agent definitions")
	return cmd
}
