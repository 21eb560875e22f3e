// Package commands defines all Cobra CLI commands for the kbrag binary.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/avelsk/kbrag-go/internal/audit"
	"github.com/avelsk/kbrag-go/internal/config"
	"github.com/avelsk/kbrag-go/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// loadedConfigPath stores the resolved config file path for audit logging.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "kbrag",
		Short: "kbrag is a retrieval-augmented chat backend for your documents",
		Long: `kbrag is a knowledge base backend with retrieval-augmented generation.

Upload documents, then chat with them: queries are rewritten to be
conversation-aware, matched against the vector index, and answered by an
LLM grounded strictly in the retrieved context.

The vector index backend (memory, postgres, qdrant) is selected via the
INDEX_BACKEND environment variable or a YAML config file
(~/.kbrag/config.yaml). See 'kbrag --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()

			// Load YAML config (env vars always override YAML values).
			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			loadedConfigPath = path

			// Emit structured audit log for every command invocation.
			audit.LogCommandStart(log, cmd.Name(), loadedConfigPath)

			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.kbrag/config.yaml)")

	root.AddCommand(
		NewServeCmd(),
		NewVersionCmd(),
	)

	return root
}
