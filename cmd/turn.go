package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"
)

// TurnCommand applies a model reply read from a file or stdin to a board,
// without going through the HTTP server.
func TurnCommand() *cli.Command {
	return &cli.Command{
		Name:      "turn",
		Usage:     "Apply a raw model reply to a board and print the result",
		ArgsUsage: "FILE|-",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "board",
				Aliases: []string{"b"},
				Usage:   "Board to apply the reply to (defaults to board.default_id)",
			},
		},
		Action: runTurn,
	}
}

func runTurn(c *cli.Context) error {
	if c.NArg() < 1 {
		return fmt.Errorf("missing required argument: FILE (use - for stdin)")
	}

	var raw []byte
	var err error
	if path := c.Args().Get(0); path == "-" {
		raw, err = io.ReadAll(c.App.Reader)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("failed to read reply: %w", err)
	}

	app, err := loadApp(c.Context, c.String("config"))
	if err != nil {
		return err
	}
	defer app.Close()

	boardID := c.String("board")
	if boardID == "" {
		boardID = app.Config.Board.DefaultID
	}

	res, err := app.Orchestrator.RunTurn(c.Context, boardID, string(raw))
	if err != nil {
		return err
	}

	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
