package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rebeliceyang/vizconn/internal/app"
	"github.com/rebeliceyang/vizconn/internal/backend"
	"github.com/rebeliceyang/vizconn/internal/config"
	"github.com/rebeliceyang/vizconn/internal/connection"
	"github.com/rebeliceyang/vizconn/internal/export"
	"github.com/rebeliceyang/vizconn/internal/history"
	"github.com/rebeliceyang/vizconn/internal/models"
	"github.com/rebeliceyang/vizconn/internal/source"
)

// watchCmd runs the manager until interrupted
func (c *cli) watchCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep connections in step with the configuration source",
		Long: `Bind to the configured source, open a connection per entry and follow every
change until SIGINT or SIGTERM.

Examples:
  vizconn watch
  vizconn watch --listen 127.0.0.1:9650`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen != "" {
				c.cfg.API.Enabled = true
				c.cfg.API.Listen = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return app.Run(ctx, c.cfg)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Serve the status API on this address")
	return cmd
}

// listCmd decodes a connections file without connecting
func (c *cli) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [file]",
		Short: "Show how each entry of a connections file decodes",
		Long: `Decode every entry of the configured section and print its fields, or the
reason the entry would be skipped. Defaults to the configured source file.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := c.cfg.Source.File
			if len(args) == 1 {
				path = args[0]
			}

			store := source.NewStore()
			if err := store.Load(path); err != nil {
				return err
			}
			entries, err := store.Entries(c.cfg.General.Section)
			if err != nil {
				return err
			}

			decode := decoderFor(c.cfg)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tHOST\tPORT\tPATH\tSTATUS")
			for _, e := range entries {
				entry, err := decode(e.Value, c.cfg.General.Delimiter)
				if err != nil {
					fmt.Fprintf(w, "%s\t\t\t\tskipped: %v\n", e.Key, err)
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\tok\n", e.Key, entry.Host, entry.Port, entry.Path)
			}
			return w.Flush()
		},
	}
}

// setCmd writes one entry to the configured source
func (c *cli) setCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set NAME VALUE",
		Short: "Add or change a connection entry",
		Long: `Write NAME=VALUE to the configured section. The value is checked before it is
written.

Examples:
  vizconn set tool host1,9600,/opt/tool`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, value := args[0], args[1]
			if _, err := decoderFor(c.cfg)(value, c.cfg.General.Delimiter); err != nil {
				return err
			}
			return c.write(cmd.Context(), func(w entryWriter) error {
				return w.put(name, value)
			})
		},
	}
}

// unsetCmd removes one entry from the configured source
func (c *cli) unsetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unset NAME",
		Short: "Remove a connection entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.write(cmd.Context(), func(w entryWriter) error {
				return w.remove(args[0])
			})
		},
	}
}

// historyCmd prints recorded transitions
func (c *cli) historyCmd() *cobra.Command {
	var (
		limit  int
		output string
	)

	cmd := &cobra.Command{
		Use:   "history [name]",
		Short: "Show recorded connection state transitions",
		Long: `Print the most recent state transitions, optionally for a single connection.

Examples:
  vizconn history tool -n 50
  vizconn history --export transitions.csv`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := history.NewStore(c.cfg.History.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			var transitions []models.Transition
			if len(args) == 1 {
				transitions, err = store.ForConnection(args[0], limit)
			} else {
				transitions, err = store.GetRecent(limit)
			}
			if err != nil {
				return err
			}

			if output != "" {
				if err := export.ToFile(transitions, output); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Exported %d transitions to %s\n", len(transitions), output)
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tNAME\tHOST\tSTATE\tMESSAGE")
			for _, t := range transitions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					t.At.Local().Format("2006-01-02 15:04:05"), t.ConnectionName, t.Host, t.State, t.Message)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of transitions to show")
	cmd.Flags().StringVarP(&output, "export", "o", "", "Write the transitions to a .csv or .json file instead")
	return cmd
}

func decoderFor(cfg *config.Config) connection.Decoder {
	if cfg.Backend.Kind == config.BackendPostgres {
		return backend.PostgresDecoder
	}
	return connection.DecodeEntry
}

// entryWriter hides whether entries live in a file or in Redis
type entryWriter struct {
	put    func(name, value string) error
	remove func(name string) error
}

func (c *cli) write(ctx context.Context, fn func(entryWriter) error) error {
	section := c.cfg.General.Section

	if c.cfg.Source.Kind == config.SourceRedis {
		rs, err := source.NewRedisSource(c.cfg.Source.RedisURL, c.cfg.Source.RedisPrefix)
		if err != nil {
			return err
		}
		defer rs.Close()
		return fn(entryWriter{
			put:    func(name, value string) error { return rs.Put(ctx, section, name, value) },
			remove: func(name string) error { return rs.Remove(ctx, section, name) },
		})
	}

	path := c.cfg.Source.File
	store := source.NewStore()
	if err := store.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	err := fn(entryWriter{
		put: func(name, value string) error {
			store.Put(section, name, value)
			return nil
		},
		remove: func(name string) error {
			store.Remove(section, name)
			return nil
		},
	})
	if err != nil {
		return err
	}
	return store.Save(path)
}
