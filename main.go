// sc2-exp measures cold-start latency of a Knative service across runtime baselines.
// Subcommands are defined in cmd/.

package main

import (
	"github.com/sc2-sys/sc2-exp/cmd"
)

func main() {
	cmd.Execute()
}
