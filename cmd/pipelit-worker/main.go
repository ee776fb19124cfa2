package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:                  "pipelit-worker",
		Usage:                 "Execute workflow nodes and scheduled jobs from the job queue",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			NewRunCommand(),
			NewEventsCommand(),
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
