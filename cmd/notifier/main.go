package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	a := cli.NewApp()
	a.Name = "notifier"
	a.HelpName = "notifier"
	a.Usage = "quiet-hours reminder dispatch"
	a.UsageText = "notifier <command> [arguments...]"
	a.Commands = []cli.Command{
		{
			Name:      "run",
			Usage:     "run one dispatch pass, or force a single block",
			ArgsUsage: "[block-id]",
			Action:    withApp("run", runPass),
		},
		{
			Name:   "reconcile",
			Usage:  "release claims older than CLAIM_LEASE that never recorded a delivery",
			Action: withApp("reconcile", reconcile),
		},
		{
			Name:      "set-email",
			Usage:     "backfill the reminder address of a block that has not been notified",
			ArgsUsage: "<block-id> <email>",
			Action:    withApp("set-email", setEmail),
		},
		{
			Name:   "listen",
			Usage:  "consume dispatch triggers from SQS_TRIGGER_QUEUE_URL",
			Action: withApp("listen", listen),
		},
		{
			Name:   "schedule",
			Usage:  "run dispatch passes on DISPATCH_SCHEDULE until interrupted",
			Action: withApp("schedule", scheduleLoop),
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name:  "no-lock",
					Usage: "skip the Redis lock that keeps schedulers from overlapping",
				},
			},
		},
	}
	return a
}
