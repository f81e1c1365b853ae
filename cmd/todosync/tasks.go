package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hyperengineering/todosync/internal/types"
	"github.com/hyperengineering/todosync/pkg/todo"
	"github.com/spf13/cobra"
)

var (
	addDescription string

	listFilter  string
	listSearch  string
	listRefresh bool

	editTitle       string
	editDescription string
)

var addCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Add a task",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAdd,
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List cached tasks",
	Args:    cobra.NoArgs,
	RunE:    runList,
}

var editCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Change a task's title or description",
	Args:  cobra.ExactArgs(1),
	RunE:  runEdit,
}

var statusCmd = &cobra.Command{
	Use:   "status <id> <pending|in-progress|completed>",
	Short: "Change a task's status",
	Args:  cobra.ExactArgs(2),
	RunE:  runStatus,
}

var rmCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"delete"},
	Short:   "Delete a task",
	Args:    cobra.ExactArgs(1),
	RunE:    runRm,
}

func init() {
	addCmd.Flags().StringVarP(&addDescription, "description", "d", "",
		"Task description")

	listCmd.Flags().StringVar(&listFilter, "filter", "all",
		"Show all, active or completed tasks")
	listCmd.Flags().StringVarP(&listSearch, "search", "s", "",
		"Only tasks whose title or description contains this text")
	listCmd.Flags().BoolVar(&listRefresh, "refresh", false,
		"Reload the cache from the remote store first")

	editCmd.Flags().StringVar(&editTitle, "title", "", "New title")
	editCmd.Flags().StringVarP(&editDescription, "description", "d", "", "New description")
}

func runAdd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	task, err := c.Create(ctx, strings.Join(args, " "), addDescription)
	if err != nil {
		return fmt.Errorf("add task: %w", err)
	}
	return printTask(cmd, "Added", task)
}

func runList(cmd *cobra.Command, args []string) error {
	filter, ok := todo.ParseFilter(listFilter)
	if !ok {
		return fmt.Errorf("invalid filter %q: want all, active or completed", listFilter)
	}

	ctx := cmd.Context()
	c, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if listRefresh {
		if err := c.Refresh(ctx); err != nil {
			if !errors.Is(err, todo.ErrOffline) {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "Remote store unreachable; showing cached tasks.")
		}
	}

	tasks, err := c.List(ctx, todo.ListOptions{Filter: filter, Search: listSearch})
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"items": tasks,
			"total": len(tasks),
		})
	}

	if len(tasks) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No tasks found.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tSTATUS\tTITLE\tSYNC")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.Status, t.Title, syncLabel(t.Pending))
	}
	return w.Flush()
}

func runEdit(cmd *cobra.Command, args []string) error {
	titleSet := cmd.Flags().Changed("title")
	descSet := cmd.Flags().Changed("description")
	if !titleSet && !descSet {
		return errors.New("nothing to change: pass --title and/or --description")
	}

	ctx := cmd.Context()
	c, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	current, err := c.Get(ctx, args[0])
	if err != nil {
		return err
	}
	title, description := current.Title, current.Description
	if titleSet {
		title = editTitle
	}
	if descSet {
		description = editDescription
	}

	task, err := c.Edit(ctx, current.ID, title, description)
	if err != nil {
		return fmt.Errorf("edit task: %w", err)
	}
	return printTask(cmd, "Updated", task)
}

func runStatus(cmd *cobra.Command, args []string) error {
	status, ok := types.ParseStatus(args[1])
	if !ok {
		return fmt.Errorf("invalid status %q: want pending, in-progress or completed", args[1])
	}

	ctx := cmd.Context()
	c, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	task, err := c.SetStatus(ctx, args[0], status)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	return printTask(cmd, "Updated", task)
}

func runRm(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Remove(ctx, args[0]); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"id": args[0], "deleted": true})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
	return nil
}

func printTask(cmd *cobra.Command, verb string, t *types.Task) error {
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), t)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s %q (%s, %s)\n", verb, t.ID, t.Title, t.Status, syncLabel(t.Pending))
	return nil
}
