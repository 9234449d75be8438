package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xcrystal627/commune/pkg/keys"
)

// cli carries settings shared by every subcommand. Flags fall back to
// MODNET_* environment variables.
type cli struct {
	v   *viper.Viper
	out io.Writer
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{v: viper.New(), out: out}
	c.v.SetEnvPrefix("MODNET")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "modnetctl",
		Short:         "Operate modules, directories and validators on a module network",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(out)

	pf := root.PersistentFlags()
	pf.String("key-root", "./data/keys", "directory holding key files")
	pf.String("key", "modnetctl", "key name used to sign requests")
	pf.Duration("timeout", 10*time.Second, "request timeout")
	pf.String("directory-url", "", "directory service URL")
	pf.String("validator-url", "http://127.0.0.1:8090", "validator admin API URL")
	pf.String("subnet", "0", "subnet")
	_ = c.v.BindPFlags(pf)

	root.AddGroup(
		&cobra.Group{ID: "keys", Title: "Keys:"},
		&cobra.Group{ID: "modules", Title: "Modules:"},
		&cobra.Group{ID: "validator", Title: "Validator:"},
	)
	root.AddCommand(
		c.keyCmd(),
		c.callCmd(),
		c.infoCmd(),
		c.modulesCmd(),
		c.namespaceCmd(),
		c.deregisterCmd(),
		c.statusCmd(),
		c.scoreboardCmd(),
		c.epochCmd(),
		c.eventsCmd(),
	)
	return root
}

func (c *cli) keys() *keys.Store {
	return keys.NewStore(c.v.GetString("key-root"))
}

func (c *cli) signer() (*keys.Key, error) {
	name := c.v.GetString("key")
	k, err := c.keys().LoadOrCreate(name)
	if err != nil {
		return nil, fmt.Errorf("key %s: %w", name, err)
	}
	return k, nil
}

func (c *cli) httpClient() *http.Client {
	return &http.Client{Timeout: c.v.GetDuration("timeout")}
}

func (c *cli) printJSON(v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, string(b))
	return err
}
