package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/xcrystal627/commune/pkg/statebus"
)

// Testable variables for main()
var (
	osExit         = os.Exit
	openConsumerFn = func(cfg statebus.KafkaConfig) (statebus.Consumer, error) {
		return statebus.NewKafkaConsumer(cfg)
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	root := newRootCmd(out)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}
