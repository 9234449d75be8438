package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xcrystal627/commune/pkg/client"
)

func (c *cli) newClient(cmd *cobra.Command, address string) (*client.Client, error) {
	k, err := c.signer()
	if err != nil {
		return nil, err
	}
	cl := client.NewClient(address, k, c.v.GetDuration("timeout"))
	cl.ServerKey, _ = cmd.Flags().GetString("server-key")
	retries, _ := cmd.Flags().GetUint64("retries")
	cl.Retry.MaxRetries = retries
	return cl, nil
}

// parseArg decodes a JSON literal and falls back to the raw string, so
// `add 1 2` sends numbers and `echo hi` sends a string.
func parseArg(raw string) interface{} {
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func (c *cli) callCmd() *cobra.Command {
	var kwargs string
	cmd := &cobra.Command{
		Use:     "call ADDRESS FN [ARG...]",
		GroupID: "modules",
		Short:   "Call a module function with a signed request",
		Example: "  modnetctl call 127.0.0.1:50050 add 1 2\n  modnetctl call 127.0.0.1:50050 echo --kwargs '{\"msg\":\"hi\"}'",
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.newClient(cmd, args[0])
			if err != nil {
				return err
			}
			var params []interface{}
			for _, a := range args[2:] {
				params = append(params, parseArg(a))
			}
			var kw map[string]interface{}
			if strings.TrimSpace(kwargs) != "" {
				if err := json.Unmarshal([]byte(kwargs), &kw); err != nil {
					return fmt.Errorf("kwargs must be a JSON object: %w", err)
				}
			}
			raw, err := cl.Call(cmd.Context(), args[1], params, kw)
			if err != nil {
				return err
			}
			return c.printJSON(raw)
		},
	}
	cmd.Flags().StringVar(&kwargs, "kwargs", "", "keyword arguments as a JSON object")
	addClientFlags(cmd)
	return cmd
}

func (c *cli) infoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "info ADDRESS",
		GroupID: "modules",
		Short:   "Show a module's name, key, functions and schema",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.newClient(cmd, args[0])
			if err != nil {
				return err
			}
			info, err := cl.Info(cmd.Context())
			if err != nil {
				return err
			}
			return c.printJSON(info)
		},
	}
	addClientFlags(cmd)
	return cmd
}

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().String("server-key", "", "expected module key; responses signed by another key are rejected")
	cmd.Flags().Uint64("retries", 0, "retries on transport failure")
}
