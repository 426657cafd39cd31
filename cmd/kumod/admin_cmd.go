package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/urfave/cli/v2"

	kumodcli "github.com/kumomta/kumod-core/internal/cli"
)

// init registers the "admin" subcommand tree: a thin JSON client against
// the admin HTTP API mounted by run.go's mountAdminAPI, following the same
// flags-per-leaf-command shape as the teacher's cmd/maddyctl commands.
func init() {
	kumodcli.AddSubcommand(&cli.Command{
		Name:  "admin",
		Usage: "manipulate a running kumod instance's admin control plane",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Usage:   "base URL of the target kumod instance's HTTP listener",
				Value:   "http://127.0.0.1:8080",
				EnvVars: []string{"KUMOD_ADMIN_ADDR"},
			},
		},
		Subcommands: []*cli.Command{
			adminEntryCommand("bounce", "bounce", "Discard matching queued messages"),
			adminEntryCommand("suspend-schedq", "suspend-schedq", "Suspend promotion out of matching scheduled queues"),
			adminEntryCommand("suspend-readyq", "suspend-readyq", "Suspend dispatching for matching ready queues"),
			adminEntryCommand("rebind", "rebind", "Move matching messages to another queue"),
			adminEntryCommand("transfer", "transfer", "Rebind matching messages, recording the prior queue for later cancel"),
			{
				Name:      "cancel",
				Usage:     "Cancel an admin entry by id, restoring a transfer's saved queue if applicable",
				ArgsUsage: "ID",
				Action:    adminCancelCommand,
			},
		},
	})
}

func adminEntrySelectorFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "domain", Usage: "match this domain"},
		&cli.StringFlag{Name: "tenant", Usage: "match this tenant"},
		&cli.StringFlag{Name: "campaign", Usage: "match this campaign"},
		&cli.StringFlag{Name: "ready-queue", Usage: "match this ready queue name (trailing * for prefix match)"},
		&cli.StringFlag{Name: "reason", Usage: "reason recorded in delivery logs"},
		&cli.StringFlag{Name: "ttl", Usage: "expire this entry after the given duration (e.g. 1h); empty means no expiry"},
		&cli.BoolFlag{Name: "suppress-log", Usage: "suppress the AdminRebind log record (rebind/transfer only)"},
		&cli.StringFlag{Name: "overrides", Usage: "JSON object merged into matched messages' metadata (rebind/transfer only)"},
	}
}

func adminEntryCommand(name, path, usage string) *cli.Command {
	return &cli.Command{
		Name:   name,
		Usage:  usage,
		Flags:  adminEntrySelectorFlags(),
		Action: func(ctx *cli.Context) error { return postAdminEntry(ctx, path) },
	}
}

func postAdminEntry(ctx *cli.Context, path string) error {
	req := adminEntryRequest{
		Domain:     ctx.String("domain"),
		Tenant:     ctx.String("tenant"),
		Campaign:   ctx.String("campaign"),
		ReadyQueue: ctx.String("ready-queue"),
		Reason:     ctx.String("reason"),
		TTL:        ctx.String("ttl"),
		Suppress:   ctx.Bool("suppress-log"),
	}
	if raw := ctx.String("overrides"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Overrides); err != nil {
			return cli.Exit(fmt.Sprintf("invalid --overrides JSON: %v", err), 2)
		}
	}

	var resp adminEntryResponse
	if err := postAdminJSON(ctx.String("addr"), "/admin/"+path, req, &resp); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	fmt.Println(resp.ID)
	return nil
}

func adminCancelCommand(ctx *cli.Context) error {
	if ctx.Args().Len() != 1 {
		return cli.Exit("usage: kumod admin cancel ID", 2)
	}

	var resp adminCancelResponse
	req := adminCancelRequest{ID: ctx.Args().First()}
	if err := postAdminJSON(ctx.String("addr"), "/admin/cancel", req, &resp); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if !resp.Cancelled {
		return cli.Exit("no such admin entry", 1)
	}
	if resp.RestoredQueue != "" {
		fmt.Println("restored queue:", resp.RestoredQueue)
	}
	return nil
}

func postAdminJSON(baseAddr, path string, body, out interface{}) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := http.Post(baseAddr+path, "application/json", bytes.NewReader(buf))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("kumod admin: %s: server returned %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
