package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/hyperengineering/todosync/internal/config"
	"github.com/hyperengineering/todosync/pkg/todo"
)

var offline bool

func init() {
	rootCmd.PersistentFlags().BoolVar(&offline, "offline", false,
		"Do not contact the remote store; queue changes instead")
}

// openClient opens the local cache named by the configuration and, unless
// --offline is set, probes the remote store once so mutations go direct
// when it is reachable.
func openClient(ctx context.Context) (*todo.Client, error) {
	path, err := config.ExpandPath(cfg.Local.Path)
	if err != nil {
		return nil, err
	}

	c, err := todo.Open(ctx, todo.Config{
		LocalPath:     path,
		RemoteURL:     cfg.Remote.URL,
		Token:         cfg.Remote.Token,
		Timeout:       cfg.Remote.Timeout.Std(),
		MaxRetries:    cfg.Remote.MaxRetries,
		IsServerID:    cfg.IDClassifier(),
		ProbeInterval: cfg.Connectivity.ProbeInterval.Std(),
		ProbeTimeout:  cfg.Connectivity.ProbeTimeout.Std(),
	})
	if err != nil {
		return nil, fmt.Errorf("open local cache: %w", err)
	}

	if !offline {
		online, err := c.Probe(ctx)
		if err != nil {
			c.Close()
			return nil, err
		}
		slog.Debug("remote store probed", "url", cfg.Remote.URL, "online", online)
	}
	return c, nil
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func syncLabel(pending bool) string {
	if pending {
		return "pending"
	}
	return "synced"
}
