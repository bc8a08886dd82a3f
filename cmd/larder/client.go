package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/larderhq/larder/internal/control"
)

// ctrlClient returns a control client for the configured socket.
func ctrlClient() *control.Client {
	path := socketPath
	if path == "" {
		path = control.DefaultSocketPath()
	}
	return control.NewClient(path)
}

func newGetCmd() *cobra.Command {
	var (
		base string
		ttl  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "get <path>",
		Short: "Fetch a page through the cache",
		Long: `Fetch a page through the running daemon's cache and print it to stdout.

Served from the local cache when fresh; fetched from the origin otherwise.
When the daemon is offline and holds no copy, the fetch is queued and replayed
once connectivity returns.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entry, err := ctrlClient().Fetch(args[0], base, ttl)
			if err != nil {
				return err
			}
			if entry.Stale {
				fmt.Fprintln(os.Stderr, "warning: origin unreachable, serving stale copy")
			}
			fmt.Print(entry.Content)
			return nil
		},
	}
	cmd.Flags().StringVar(&base, "base", "", "origin base path (default: the daemon's page base)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "freshness window for this fetch (default: the daemon's default TTL)")

	return cmd
}

func newAssetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "asset <path>",
		Short: "Fetch a static asset through the cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entry, err := ctrlClient().FetchAsset(args[0])
			if err != nil {
				return err
			}
			if entry.Stale {
				fmt.Fprintln(os.Stderr, "warning: origin unreachable, serving stale copy")
			}
			fmt.Print(entry.Content)
			return nil
		},
	}
}

func newClearCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "clear [path]",
		Short: "Evict cached entries",
		Long: `Evict a single cached path, or every cached entry with --all.

Only cache entries are touched; key-value data in the store is left alone.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := ctrlClient()

			if all {
				removed, err := client.ClearAll()
				if err != nil {
					return err
				}
				fmt.Printf("Cleared %d cached entries.\n", removed)
				return nil
			}

			if len(args) == 0 {
				return fmt.Errorf("pass a path to clear, or --all for everything")
			}
			if err := client.Clear(args[0]); err != nil {
				return err
			}
			fmt.Printf("Cleared %s.\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "clear every cached entry")

	return cmd
}

func newKVCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kv",
		Short: "Read and write encrypted key-value data",
		Long: `Read and write arbitrary key-value data in the daemon's encrypted store.

Values are JSON. A value argument that does not parse as JSON is stored
as a JSON string.`,
	}

	getCmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Print a stored value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, found, err := ctrlClient().StoreGet(args[0])
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("key not found: %s", args[0])
			}
			fmt.Println(string(value))
			return nil
		},
	}
	cmd.AddCommand(getCmd)

	setCmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := json.RawMessage(args[1])
			if !json.Valid(raw) {
				encoded, err := json.Marshal(args[1])
				if err != nil {
					return fmt.Errorf("encode value: %w", err)
				}
				raw = encoded
			}
			return ctrlClient().StoreSet(args[0], raw)
		},
	}
	cmd.AddCommand(setCmd)

	removeCmd := &cobra.Command{
		Use:   "remove <key>",
		Short: "Remove a stored value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctrlClient().StoreRemove(args[0])
		},
	}
	cmd.AddCommand(removeCmd)

	return cmd
}

func newQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "List fetches waiting for connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, err := ctrlClient().QueueList()
			if err != nil {
				return err
			}

			if len(queue) == 0 {
				fmt.Println("Offline queue is empty")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintf(w, "ID\tPATH\tBASE\tTTL\n")
			for _, q := range queue {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", q.ID, q.Path, q.Base, q.TTL)
			}
			return w.Flush()
		},
	}
}

func newOnlineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "online",
		Short: "Mark the daemon online and replay the offline queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ctrlClient().SetOnline(true); err != nil {
				return err
			}
			fmt.Println("Daemon is online; queued fetches replayed.")
			return nil
		},
	}
}

func newOfflineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "offline",
		Short: "Force the daemon offline",
		Long: `Force the daemon offline. Cache misses queue instead of hitting the
origin until the daemon goes online again (manually or via a probe).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ctrlClient().SetOnline(false); err != nil {
				return err
			}
			fmt.Println("Daemon is offline; cache misses will queue.")
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := ctrlClient().Status()
			if err != nil {
				fmt.Println("Status: not running")
				fmt.Printf("  Error: %v\n", err)
				return nil
			}

			fmt.Println("Larder Status")
			fmt.Println("=============")
			fmt.Printf("  Version:     %s\n", st.Version)
			if st.Online {
				fmt.Println("  Network:     online")
			} else {
				fmt.Println("  Network:     offline")
			}
			fmt.Printf("  Entries:     %d\n", st.Entries)
			fmt.Printf("  Queued:      %d\n", st.QueueDepth)
			fmt.Printf("  Store:       %s\n", st.StorePath)
			fmt.Printf("  Store Keys:  %d\n", st.StoreKeys)
			return nil
		},
	}
}
