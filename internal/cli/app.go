// Package kumodcli holds the single shared urfave/cli/v2 App instance that
// every kumod subcommand registers into, the same
// AddSubcommand/AddGlobalFlag shim the teacher's internal/cli (maddycli)
// uses for "maddy run"/"maddyctl".
package kumodcli

import (
	"flag"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/kumomta/kumod-core/framework/log"
)

var app *cli.App

func init() {
	app = cli.NewApp()
	app.Usage = "outbound mail delivery engine"
	app.Description = `kumod is an outbound Mail Transfer Agent delivery engine: scheduled and
ready queues, egress source/pool selection, an admin control plane and
retry/throttle/expiry policies.

This executable starts the server ('run') and manipulates the running
instance's admin control plane ('queue', 'admin').
`
	app.ExitErrHandler = func(c *cli.Context, err error) {
		cli.HandleExitCoder(err)
		if err != nil {
			log.Println(err)
			cli.OsExiter(1)
		}
	}
	app.EnableBashCompletion = true
}

// AddGlobalFlag registers a flag on the root app, also mapping it onto the
// stdlib flag.CommandLine so packages that still read flags directly
// during early init (log/config bootstrap) see it.
func AddGlobalFlag(f cli.Flag) {
	app.Flags = append(app.Flags, f)
	if err := f.Apply(flag.CommandLine); err != nil {
		log.Println("GlobalFlag", f, "could not be mapped to stdlib flag:", err)
	}
}

// AddSubcommand registers cmd under the root app. The "run" subcommand is
// also wired as the app's default action so `kumod` with no subcommand
// behaves like `kumod run`.
func AddSubcommand(cmd *cli.Command) {
	app.Commands = append(app.Commands, cmd)

	if cmd.Name == "run" {
		app.Action = cmd.Action
		app.Flags = append(app.Flags, cmd.Flags...)
		for _, f := range cmd.Flags {
			if err := f.Apply(flag.CommandLine); err != nil {
				log.Println("GlobalFlag", f, "could not be mapped to stdlib flag:", err)
			}
		}
	}
}

// Run parses os.Args and dispatches to the matching subcommand.
func Run() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
