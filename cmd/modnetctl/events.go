package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/xcrystal627/commune/pkg/statebus"
)

func (c *cli) eventsCmd() *cobra.Command {
	var (
		brokers string
		topic   string
		group   string
		limit   int
	)
	cmd := &cobra.Command{
		Use:     "events",
		GroupID: "validator",
		Short:   "Tail validator events from Kafka",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if group == "" {
				group = "modnetctl-" + uuid.NewString()
			}
			consumer, err := openConsumerFn(statebus.KafkaConfig{
				Brokers: strings.Split(brokers, ","),
				Topic:   topic,
				GroupID: group,
			})
			if err != nil {
				return err
			}
			defer consumer.Close()
			for n := 0; limit <= 0 || n < limit; n++ {
				msg, err := consumer.ReadMessage(cmd.Context())
				if err != nil {
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				}
				fmt.Fprintf(c.out, "%s %s %s\n", msg.Time.UTC().Format("2006-01-02T15:04:05Z"), msg.Key, strings.TrimSpace(string(msg.Value)))
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&brokers, "brokers", "127.0.0.1:9092", "comma separated Kafka brokers")
	f.StringVar(&topic, "topic", "modnet.validator", "event topic")
	f.StringVar(&group, "group", "", "consumer group, random when empty")
	f.IntVar(&limit, "limit", 0, "stop after this many events, 0 to follow")
	return cmd
}
