package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xcrystal627/commune/pkg/auth"
	"github.com/xcrystal627/commune/pkg/httpx"
	"github.com/xcrystal627/commune/pkg/scoreboard"
)

func (c *cli) validatorURL(path string, q url.Values) string {
	u := strings.TrimRight(c.v.GetString("validator-url"), "/") + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// admin calls the validator admin API. Mutating calls are signed with the CLI key.
func (c *cli) admin(cmd *cobra.Command, method, path string, q url.Values, out interface{}) error {
	target := c.validatorURL(path, q)
	var headers map[string]string
	if method != http.MethodGet {
		signer, err := c.signer()
		if err != nil {
			return err
		}
		u, err := url.Parse(target)
		if err != nil {
			return fmt.Errorf("validator url: %w", err)
		}
		if headers, err = auth.AdminHeaders(signer, method, u.Path, time.Now()); err != nil {
			return err
		}
	}
	return httpx.DoJSONWithHeaders(cmd.Context(), c.httpClient(), method, target, headers, nil, out, 0, 0)
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		GroupID: "validator",
		Short:   "Show the validator's state and epoch counters",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := map[string]interface{}{}
			if err := c.admin(cmd, http.MethodGet, "/v1/status", nil, &out); err != nil {
				return err
			}
			return c.printJSON(out)
		},
	}
}

func (c *cli) epochCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "epoch",
		GroupID: "validator",
		Short:   "Run one scoring epoch now",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Results []interface{} `json:"results"`
			}
			if err := c.admin(cmd, http.MethodPost, "/v1/epoch", nil, &out); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "scored %d modules\n", len(out.Results))
			return nil
		},
	}
}

func (c *cli) scoreboardCmd() *cobra.Command {
	var (
		sortBy   string
		asc      bool
		page     int
		pageSize int
		maxAge   time.Duration
		asJSON   bool
		reset    bool
	)
	cmd := &cobra.Command{
		Use:     "scoreboard",
		GroupID: "validator",
		Short:   "Print the validator's scoreboard",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if reset {
				if err := c.admin(cmd, http.MethodDelete, "/v1/scoreboard", nil, nil); err != nil {
					return err
				}
				fmt.Fprintln(c.out, "scoreboard reset")
				return nil
			}
			q := url.Values{}
			q.Set("sort", sortBy)
			q.Set("asc", strconv.FormatBool(asc))
			if page > 0 {
				q.Set("page", strconv.Itoa(page))
				q.Set("page_size", strconv.Itoa(pageSize))
			}
			if maxAge > 0 {
				q.Set("max_age", maxAge.String())
			}
			var res scoreboard.Result
			if err := c.admin(cmd, http.MethodGet, "/v1/scoreboard", q, &res); err != nil {
				return err
			}
			if asJSON {
				return c.printJSON(res)
			}
			tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSCORE\tLATENCY\tAGE\tKEY")
			now := time.Now()
			for _, e := range res.Entries {
				fmt.Fprintf(tw, "%s\t%.4f\t%.3fs\t%s\t%s\n", e.Name, e.Score, e.Latency, now.Sub(e.Time).Round(time.Second), e.Key)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "%d of %d entries\n", len(res.Entries), res.Total)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&sortBy, "sort", "score", "comma separated sort keys")
	f.BoolVar(&asc, "asc", false, "sort ascending")
	f.IntVar(&page, "page", 0, "page number, 0 for all")
	f.IntVar(&pageSize, "page-size", 50, "entries per page")
	f.DurationVar(&maxAge, "max-age", 0, "drop entries older than this")
	f.BoolVar(&asJSON, "json", false, "print raw JSON")
	f.BoolVar(&reset, "reset", false, "delete every entry instead of printing")
	return cmd
}
