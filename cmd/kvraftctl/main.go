// cmd/kvraftctl is the CLI client, grounded directly on the teacher's
// cmd/client/main.go Cobra structure, retargeted at the TCP wire SDK in
// internal/client instead of the teacher's HTTP client — there is no
// `cluster` subcommand because this node's peer set is fixed at startup
// and never reconfigured at runtime.
//
// Usage:
//
//	kvraftctl put mykey "hello world"  --server 127.0.0.1:6570
//	kvraftctl get mykey                --server 127.0.0.1:6570
//	kvraftctl delete mykey             --server 127.0.0.1:6570
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kvraft/kvraft/internal/client"
)

var serverAddr string

func main() {
	root := &cobra.Command{
		Use:   "kvraftctl",
		Short: "CLI client for the kvraft replicated key-value store",
	}

	root.PersistentFlags().StringVarP(&serverAddr, "server", "s",
		"127.0.0.1:6570", "kvraft node address (client/peer listener)")

	root.AddCommand(putCmd(), getCmd(), deleteCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func putCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Store a key-value pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr)
			if err := c.Put(args[0], args[1]); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Retrieve a value by key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr)
			v, err := c.Get(args[0])
			if errors.Is(err, client.ErrNotFound) {
				fmt.Printf("key %q not found\n", args[0])
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Println(v)
			return nil
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr)
			existed, err := c.Delete(args[0])
			if err != nil {
				return err
			}
			if existed {
				fmt.Printf("deleted %q\n", args[0])
			} else {
				fmt.Printf("%q did not exist\n", args[0])
			}
			return nil
		},
	}
}
