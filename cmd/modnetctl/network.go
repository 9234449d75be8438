package main

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xcrystal627/commune/pkg/directory"
)

func (c *cli) directory() (*directory.HTTPClient, error) {
	url := strings.TrimSpace(c.v.GetString("directory-url"))
	if url == "" {
		return nil, errors.New("--directory-url or MODNET_DIRECTORY_URL is required")
	}
	k, err := c.signer()
	if err != nil {
		return nil, err
	}
	return directory.NewHTTPClient(url, k, c.httpClient()), nil
}

func (c *cli) modulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "modules",
		GroupID: "modules",
		Short:   "List modules registered on the subnet",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := c.directory()
			if err != nil {
				return err
			}
			mods, err := dir.Modules(cmd.Context(), c.v.GetString("subnet"))
			if err != nil {
				return err
			}
			sort.Slice(mods, func(i, j int) bool { return mods[i].Name < mods[j].Name })
			tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tADDRESS\tKEY")
			for _, m := range mods {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", m.Name, m.Address, m.Key)
			}
			return tw.Flush()
		},
	}
}

func (c *cli) namespaceCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "namespace",
		GroupID: "modules",
		Short:   "Print the subnet's name to address map",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := c.directory()
			if err != nil {
				return err
			}
			ns, err := dir.Namespace(cmd.Context(), c.v.GetString("subnet"))
			if err != nil {
				return err
			}
			return c.printJSON(ns)
		},
	}
}

func (c *cli) deregisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "deregister NAME",
		GroupID: "modules",
		Short:   "Remove a module you own from the directory",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := c.directory()
			if err != nil {
				return err
			}
			if err := dir.Deregister(cmd.Context(), c.v.GetString("subnet"), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "deregistered %s\n", args[0])
			return nil
		},
	}
}
