package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/garrettbslone/flux-core/pkg/kvsclient"
	"github.com/garrettbslone/flux-core/pkg/kvserr"
)

var (
	Version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "kvsctl",
	Short:   "kvsctl talks to a running kvsd node",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("node", "127.0.0.1:7000", "address of the node to talk to")
	rootCmd.PersistentFlags().String("sender", "", "client identity for watch/fence envelopes (default: random)")
	rootCmd.PersistentFlags().Duration("timeout", 10*time.Second, "RPC timeout")

	watchCmd.Flags().Bool("first", true, "deliver the current value immediately even if it matches --previous")
	watchCmd.Flags().String("previous", "", "this client's last-seen value as JSON, to detect a change that happened before registration")

	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(getrootCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(dropcacheCmd)
	rootCmd.AddCommand(statsCmd)
}

func connect(cmd *cobra.Command) (*kvsclient.Client, context.Context, context.CancelFunc) {
	addr, _ := cmd.Flags().GetString("node")
	sender, _ := cmd.Flags().GetString("sender")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	if sender == "" {
		sender = "kvsctl-" + uuid.NewString()
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	return kvsclient.NewClient(addr, sender), ctx, cancel
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Read a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel := connect(cmd)
		defer cancel()
		defer c.Close()

		reply, err := c.Get(ctx, "", args[0], 0)
		if err != nil {
			return err
		}
		if reply.Errno != 0 {
			return fmt.Errorf("%s", kvserr.Errno(reply.Errno))
		}
		out, err := json.MarshalIndent(reply.Val, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var putCmd = &cobra.Command{
	Use:   "put <key> <json-value>",
	Short: "Write a key via a single-op fence",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel := connect(cmd)
		defer cancel()
		defer c.Close()

		var val interface{}
		if err := json.Unmarshal([]byte(args[1]), &val); err != nil {
			return fmt.Errorf("value must be valid JSON: %w", err)
		}

		name := "kvsctl-put-" + uuid.NewString()
		reply, err := c.Fence(ctx, name, 1, 0, []kvsclient.Op{
			{Key: args[0], Dirent: kvsclient.FileVal(val)},
		})
		if err != nil {
			return err
		}
		if !reply.OK {
			return fmt.Errorf("%s", kvserr.Errno(reply.Errno))
		}
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <key>",
	Short: "Unlink a key via a single-op fence",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel := connect(cmd)
		defer cancel()
		defer c.Close()

		name := "kvsctl-rm-" + uuid.NewString()
		reply, err := c.Fence(ctx, name, 1, 0, []kvsclient.Op{
			{Key: args[0], Dirent: nil},
		})
		if err != nil {
			return err
		}
		if !reply.OK {
			return fmt.Errorf("%s", kvserr.Errno(reply.Errno))
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <key>",
	Short: "Register a watch and print its initial ack",
	Long: `Watch registers interest in key and prints the node's ack. Actual
change notifications arrive as kvs.watch.notify.<sender> events on this
client's broker connection, which this thin synchronous CLI does not keep
open after the call returns; use a long-lived client for real watching.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel := connect(cmd)
		defer cancel()
		defer c.Close()

		first, _ := cmd.Flags().GetBool("first")
		previousJSON, _ := cmd.Flags().GetString("previous")
		var previous interface{}
		if previousJSON != "" {
			if err := json.Unmarshal([]byte(previousJSON), &previous); err != nil {
				return fmt.Errorf("--previous must be valid JSON: %w", err)
			}
		}
		flags := 0
		if first {
			flags |= kvsclient.WatchFirst
		}

		reply, err := c.Watch(ctx, args[0], previous, flags)
		if err != nil {
			return err
		}
		fmt.Printf("watch registered: ok=%v errno=%s\n", reply.OK, kvserr.Errno(reply.Errno))
		return nil
	},
}

var getrootCmd = &cobra.Command{
	Use:   "getroot",
	Short: "Print the node's current root pointer",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, ctx, cancel := connect(cmd)
		defer cancel()
		defer c.Close()

		reply, err := c.GetRoot(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("rootseq=%d rootdir=%s\n", reply.RootSeq, reply.RootDir)
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync <rootseq>",
	Short: "Block until the node's root pointer reaches rootseq",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var target uint64
		if _, err := fmt.Sscanf(args[0], "%d", &target); err != nil {
			return fmt.Errorf("rootseq must be a non-negative integer: %w", err)
		}
		c, ctx, cancel := connect(cmd)
		defer cancel()
		defer c.Close()

		reply, err := c.Sync(ctx, target)
		if err != nil {
			return err
		}
		fmt.Printf("rootseq=%d rootdir=%s\n", reply.RootSeq, reply.RootDir)
		return nil
	},
}

var dropcacheCmd = &cobra.Command{
	Use:   "dropcache",
	Short: "Evict every inactive cache entry on the node",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, ctx, cancel := connect(cmd)
		defer cancel()
		defer c.Close()

		reply, err := c.Dropcache(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("dropped=%d remaining=%d\n", reply.Dropped, reply.Size)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print the node's counters",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, ctx, cancel := connect(cmd)
		defer cancel()
		defer c.Close()

		reply, err := c.StatsGet(ctx)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(reply, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}
