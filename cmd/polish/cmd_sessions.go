package main

import (
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/stangirard/polish/internal/registry"
	"github.com/stangirard/polish/internal/session"
)

func newSessionsCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect past and in-flight polish sessions",
		Args:  cobra.NoArgs,
	}

	cmd.AddCommand(newSessionsListCmd(), newSessionsShowCmd())
	return cmd
}

func newSessionsListCmd() *cobra.Command {
	var project string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions across every registered project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdSessionsList(project)
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "limit to one project path")
	return cmd
}

func newSessionsShowCmd() *cobra.Command {
	var project string

	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show one session's recorded state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdSessionsShow(project, args[0])
		},
	}
	cmd.Flags().StringVar(&project, "project", ".", "project the session belongs to")
	return cmd
}

func cmdSessionsList(project string) error {
	groups, err := registry.ListSessions()
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "PROJECT\tID\tSTATUS\tSCORE\tCOMMITS\tBRANCH\tUPDATED")
	for _, g := range groups {
		if project != "" && g.Project.Path != project {
			continue
		}
		for _, s := range g.Sessions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%.1f\t%d\t%s\t%s\n",
				g.Project.Name, s.ID, s.Status, s.FinalScore, s.Commits, s.BranchName, s.UpdatedAt.Format("2006-01-02 15:04"))
		}
	}
	return nil
}

func cmdSessionsShow(project, id string) error {
	store := session.NewStore(project)

	meta, err := store.Get(id)
	if err != nil {
		return fmt.Errorf("loading session %s: %w", id, err)
	}

	fmt.Printf("id:           %s\n", meta.ID)
	fmt.Printf("project:      %s\n", meta.ProjectPath)
	fmt.Printf("status:       %s\n", meta.Status)
	if meta.Mission != "" {
		fmt.Printf("mission:      %s\n", meta.Mission)
	}
	fmt.Printf("final score:  %.1f\n", meta.FinalScore)
	fmt.Printf("commits:      %d\n", meta.Commits)
	if meta.BranchName != "" {
		fmt.Printf("branch:       %s\n", meta.BranchName)
	}
	fmt.Printf("started:      %s\n", meta.StartedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("updated:      %s\n", meta.UpdatedAt.Format("2006-01-02 15:04:05"))

	events, err := store.LoadEvents(id)
	if err != nil {
		return fmt.Errorf("loading events for %s: %w", id, err)
	}
	fmt.Printf("events:       %d recorded\n", len(events))

	state, err := store.LoadState(id)
	if err == nil && state.Iteration > 0 {
		fmt.Printf("iteration:    %d\n", state.Iteration)
		fmt.Printf("stalled:      %d\n", state.StalledCount)
	}
	return nil
}
