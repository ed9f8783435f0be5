// Command relay is conductor's CLI entrypoint: run, queue, scheduler, merge.
package main

import (
	"os"

	"github.com/relaycrew/conductor/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
