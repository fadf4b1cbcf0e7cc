// Command sessiond serves and inspects agent chat sessions.
package main

import (
	"os"

	"github.com/opencode-ai/sessioncore/cmd/sessiond/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
