// Package main provides the camtrap CLI.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

const version = "v0.1.0-dev"

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, args []string) error
}

var commands = []command{
	{"version", "Show version", func(context.Context, []string) error {
		fmt.Printf("camtrap %s\n", version)
		return nil
	}},
	{"index", "Load an annotation split and print its class statistics", runIndex},
	{"inspect", "List the tensors of a checkpoint and how they map onto the model", runInspect},
	{"train", "Train the classifier and save the best snapshot", runTrain},
	{"export", "Convert a snapshot into a .born model file", runExport},
	{"serve", "Serve predictions over HTTP", runServe},
}

func usage() {
	fmt.Println("camtrap - Caltech Camera Traps classification on Born")
	fmt.Printf("Version: %s\n\n", version)
	fmt.Println("Commands:")
	for _, c := range commands {
		fmt.Printf("  %-10s %s\n", c.name, c.summary)
	}
	fmt.Println("\nRun 'camtrap <command> -h' for command flags.")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, c := range commands {
		if c.name != os.Args[1] {
			continue
		}
		if err := c.run(ctx, os.Args[2:]); err != nil && !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "camtrap %s: %v\n", c.name, err)
			stop()
			os.Exit(1) //nolint:gocritic // stop is called above.
		}
		return
	}

	fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
	usage()
	os.Exit(2)
}
