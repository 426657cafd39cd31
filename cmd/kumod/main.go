// Command kumod is an outbound Mail Transfer Agent delivery engine:
// scheduled and ready queues, egress source/pool selection, an admin
// control plane, and retry/throttle/expiry policies.
package main

import (
	kumodcli "github.com/kumomta/kumod-core/internal/cli"
)

func main() {
	kumodcli.Run()
}
