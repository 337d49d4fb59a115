package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

// NewApp assembles the canvasmate command line.
func NewApp(version string) *cli.App {
	return &cli.App{
		Name:    "canvasmate",
		Usage:   "AI drawing assistant backend for shared whiteboards",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE` (default: ./canvasmate.toml or ~/.canvasmate.toml)",
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Load environment variables from `FILE` before reading configuration",
			},
		},
		Before: func(c *cli.Context) error {
			if path := c.String("env-file"); path != "" {
				if err := LoadEnvFile(path); err != nil {
					return fmt.Errorf("failed to load env file: %w", err)
				}
			}
			return nil
		},
		Commands: []*cli.Command{
			APICommand(),
			TurnCommand(),
			ConfigCommand(),
		},
	}
}
