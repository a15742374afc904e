package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "satswap",
		Usage: "Stacks marketplace CLI for sBTC listings",
		Description: `Create, reprice, cancel and buy listings on the marketplace contract,
read listings back, and follow transactions until they settle.

Configuration comes from the YAML file named by --config (or SATSWAP_CONFIG)
and the environment; see service/config for the keys.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// jq filters contain commas.
		DisableSliceFlagSeparator: true,
		Commands: []*cli.Command{
			listingCommands(),
			txCommands(),
			accountCommands(),
			journalCommands(),
			versionCommand(),
		},
		// Global flags available to all commands
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML configuration file",
				EnvVars: []string{"SATSWAP_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override LOG_LEVEL (debug, info, warn, error)",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
			&cli.StringSliceFlag{
				Name:  "jq",
				Usage: "jq filter applied to JSON output (implies --json; repeatable, applied in order)",
			},
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(c *cli.Context) error {
			w := c.App.Writer
			fmt.Fprintf(w, "satswap CLI\n")
			fmt.Fprintf(w, "  Version: %s\n", version)
			fmt.Fprintf(w, "  Commit:  %s\n", commit)
			fmt.Fprintf(w, "  Built:   %s\n", date)
			return nil
		},
	}
}
