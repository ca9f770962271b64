// cdb is the command line entry point: an interactive REPL by default, or a
// single statement executed with --exec.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/chirst/cdb/db"
	"github.com/chirst/cdb/repl"
)

func main() {
	app := &cli.App{
		Name:  "cdb",
		Usage: "an embedded SQL database",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "file",
				Usage: "database file to open, or :memory: for a throwaway database",
				Value: ":memory:",
			},
			&cli.StringFlag{
				Name:  "exec",
				Usage: "execute a single statement and exit instead of starting the REPL",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "enable debug logging",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log := logrus.NewEntry(logrus.StandardLogger())
	if c.Bool("verbose") {
		log.Logger.SetLevel(logrus.DebugLevel)
	}

	file := c.String("file")
	var (
		database *db.DB
		err      error
	)
	if file == ":memory:" {
		database, err = db.OpenMemory(db.WithLogger(log))
	} else {
		database, err = db.Open(file, db.WithLogger(log))
	}
	if err != nil {
		return err
	}
	defer database.Close()

	if stmt := c.String("exec"); stmt != "" {
		res := database.Execute(stmt)
		if res.Err != nil {
			return res.Err
		}
		return nil
	}

	repl.New(database).Run()
	return nil
}
