package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xcrystal627/commune/pkg/keys"
)

func (c *cli) keyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		GroupID: "keys",
		Short:   "Manage signing keys",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "new NAME",
			Short: "Generate a key and store it",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				store := c.keys()
				if _, err := store.Get(args[0]); err == nil {
					return fmt.Errorf("key %s already exists", args[0])
				} else if !errors.Is(err, keys.ErrKeyNotFound) {
					return err
				}
				k, err := keys.Generate(args[0])
				if err != nil {
					return err
				}
				if err := store.Put(k); err != nil {
					return err
				}
				fmt.Fprintf(c.out, "%s %s\n", k.Name, k.Address())
				return nil
			},
		},
		&cobra.Command{
			Use:   "show NAME",
			Short: "Print a key's address",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				k, err := c.keys().Get(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(c.out, k.Address())
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List stored keys",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				store := c.keys()
				names, err := store.Names()
				if err != nil {
					return err
				}
				for _, name := range names {
					k, err := store.Get(name)
					if err != nil {
						return err
					}
					fmt.Fprintf(c.out, "%s %s\n", name, k.Address())
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "rm NAME",
			Short: "Delete a stored key",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.keys().Remove(args[0])
			},
		},
	)
	return cmd
}
