// Command kbrag is the entry point for the knowledge base RAG backend.
// It provides a CLI interface (via Cobra) and an HTTP server exposing the
// chat and document management API.
package main

import (
	"fmt"
	"os"

	"github.com/avelsk/kbrag-go/cmd/kbrag/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
