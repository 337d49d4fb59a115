package cmd

import (
	"github.com/urfave/cli/v2"
)

// APICommand returns the CLI command for starting the API server
func APICommand() *cli.Command {
	return &cli.Command{
		Name:  "api",
		Usage: "Start the canvasmate API server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the API server (overrides server.port)",
			},
		},
		Action: func(c *cli.Context) error {
			app, err := loadApp(c.Context, c.String("config"))
			if err != nil {
				return err
			}
			defer app.Close()

			if c.IsSet("port") {
				app.Config.Server.Port = c.Int("port")
			}
			return app.Server().Start()
		},
	}
}
