package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/cloudwego/eino/callbacks"
	"github.com/spf13/cobra"

	"github.com/avelsk/kbrag-go/internal/conversation"
	"github.com/avelsk/kbrag-go/internal/engine"
	"github.com/avelsk/kbrag-go/internal/index"
	"github.com/avelsk/kbrag-go/internal/logging"
	"github.com/avelsk/kbrag-go/internal/server"
	"github.com/avelsk/kbrag-go/internal/tracing"
)

// NewServeCmd constructs the `kbrag serve` command, which starts the HTTP
// server exposing the knowledge base API.
func NewServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the kbrag HTTP server",
		Long: `Start the kbrag HTTP server on localhost.

The server exposes the REST API for document upload, retrieval-augmented
chat, embedding configuration, and health probes.

Examples:
  kbrag serve
  kbrag serve --port 9090
  INDEX_BACKEND=qdrant kbrag serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			slog.SetDefault(log)
			ctx = logging.WithLogger(ctx, log)

			// Flags win over SERVER_HOST/SERVER_PORT, which win over
			// the built-in defaults.
			host = resolveHost(cmd.Flags().Changed("host"), host)
			port = resolvePort(cmd.Flags().Changed("port"), port)

			log.Info("serve starting",
				slog.String("index_backend", os.Getenv("INDEX_BACKEND")),
				slog.String("model_provider", os.Getenv("MODEL_PROVIDER")),
			)

			// Setup Langfuse tracing. Opt-in, no-op if keys are absent.
			handler, flush, ok := tracing.Setup()
			if ok {
				callbacks.AppendGlobalHandlers(handler)
				defer flush()
				log.Info("langfuse tracing enabled")
			} else {
				log.Info("langfuse tracing disabled", slog.String("reason", "LANGFUSE_PUBLIC_KEY not set"))
			}

			idx, pingers, err := buildIndex(ctx, log)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer func() { _ = idx.Close() }()

			if err := preconfigureEmbedding(ctx, idx, log); err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			store, storePingers, err := buildConversationStore(ctx, log)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer func() { _ = store.Close() }()
			pingers = append(pingers, storePingers...)

			defaults := defaultLLMSettings()
			manager, err := engine.NewConversationManager(ctx, store, defaults, log)
			if err != nil {
				return fmt.Errorf("serve: failed to load conversations: %w", err)
			}

			eng := engine.New(idx, manager, nil, rewritePolicy(), log)

			srv, err := server.New(eng, idx, &server.Config{
				Host:      host,
				Port:      port,
				Logger:    log,
				Pingers:   pingers,
				RateLimit: envFloat("SERVER_RATE_LIMIT"),
				RateBurst: envInt("SERVER_RATE_BURST"),
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host address to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "TCP port to listen on")

	return cmd
}

// buildIndex constructs the vector index selected by INDEX_BACKEND
// (memory, postgres, or qdrant; default memory) along with the readiness
// pingers for its remote dependencies.
func buildIndex(ctx context.Context, log *slog.Logger) (index.Index, []server.Pinger, error) {
	backend := os.Getenv("INDEX_BACKEND")
	if backend == "" {
		backend = "memory"
	}

	switch backend {
	case "memory":
		dataDir := os.Getenv("INDEX_DATA_DIR")
		if dataDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, nil, fmt.Errorf("could not resolve home directory: %w", err)
			}
			dataDir = filepath.Join(home, ".kbrag", "index")
		}
		idx, err := index.NewMemoryIndex(dataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open memory index: %w", err)
		}
		log.Info("index: memory backend", slog.String("data_dir", dataDir))
		return idx, nil, nil

	case "postgres":
		dsn := os.Getenv("INDEX_POSTGRES_DSN")
		if dsn == "" {
			return nil, nil, fmt.Errorf("INDEX_POSTGRES_DSN is required for the postgres index backend")
		}
		idx, err := index.NewPostgresIndex(ctx, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres index: %w", err)
		}
		log.Info("index: postgres backend")
		return idx, []server.Pinger{server.NewBackendPinger(idx, "postgres")}, nil

	case "qdrant":
		qHost := os.Getenv("QDRANT_HOST")
		if qHost == "" {
			qHost = "localhost"
		}
		qPort := envInt("QDRANT_PORT")
		if qPort == 0 {
			qPort = 6334
		}
		collection := os.Getenv("QDRANT_COLLECTION")
		if collection == "" {
			collection = "kbrag_chunks"
		}
		statePath := os.Getenv("INDEX_DATA_DIR")
		if statePath == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, nil, fmt.Errorf("could not resolve home directory: %w", err)
			}
			statePath = filepath.Join(home, ".kbrag")
		}
		if err := os.MkdirAll(statePath, 0o700); err != nil {
			return nil, nil, fmt.Errorf("could not create %s: %w", statePath, err)
		}
		idx, err := index.NewQdrantIndex(ctx, &index.QdrantConfig{
			Host:       qHost,
			Port:       qPort,
			Collection: collection,
			APIKey:     os.Getenv("QDRANT_API_KEY"),
			UseTLS:     os.Getenv("QDRANT_TLS") == "true",
			StatePath:  filepath.Join(statePath, "qdrant_state.json"),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open qdrant index: %w", err)
		}
		log.Info("index: qdrant backend",
			slog.String("host", qHost),
			slog.Int("port", qPort),
			slog.String("collection", collection),
		)
		return idx, []server.Pinger{server.NewBackendPinger(idx, "qdrant")}, nil

	default:
		return nil, nil, fmt.Errorf("unknown index backend %q (valid values: memory, postgres, qdrant)", backend)
	}
}

// buildConversationStore opens the conversation persistence layer: a SQLite
// snapshot always, plus an optional Postgres primary when
// CONVERSATIONS_POSTGRES_DSN is set. The two are combined in a DualStore so
// a primary outage degrades to snapshot-only persistence instead of failing
// chat turns.
func buildConversationStore(ctx context.Context, log *slog.Logger) (conversation.Store, []server.Pinger, error) {
	snapshotPath := os.Getenv("CONVERSATIONS_SNAPSHOT_PATH")
	if snapshotPath == "" {
		var err error
		snapshotPath, err = conversation.DefaultSnapshotPath()
		if err != nil {
			return nil, nil, fmt.Errorf("could not resolve snapshot path: %w", err)
		}
	}
	snapshot, err := conversation.OpenSnapshot(snapshotPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open snapshot store: %w", err)
	}
	log.Info("conversations: snapshot store opened", slog.String("path", snapshotPath))

	var primary conversation.Store
	pingers := []server.Pinger{server.NewBackendPinger(snapshot, "snapshot")}

	if dsn := os.Getenv("CONVERSATIONS_POSTGRES_DSN"); dsn != "" {
		pg, pgErr := conversation.NewPostgresStore(ctx, dsn)
		if pgErr != nil {
			_ = snapshot.Close()
			return nil, nil, fmt.Errorf("failed to open postgres conversation store: %w", pgErr)
		}
		primary = pg
		pingers = append(pingers, server.NewBackendPinger(pg, "conversations"))
		log.Info("conversations: postgres primary store opened")
	} else {
		log.Info("conversations: snapshot-only persistence (CONVERSATIONS_POSTGRES_DSN not set)")
	}

	return conversation.NewDualStore(primary, snapshot, log), pingers, nil
}

// defaultLLMSettings assembles the server-wide default LLM settings applied
// to conversations that carry no explicit settings.
func defaultLLMSettings() conversation.LLMSettings {
	provider := os.Getenv("MODEL_PROVIDER")
	if provider == "" {
		provider = "ollama"
	}
	return conversation.LLMSettings{
		AnswerProvider:  provider,
		AnswerModel:     os.Getenv("MODEL_NAME"),
		RewriteProvider: os.Getenv("REWRITE_PROVIDER"),
		RewriteModel:    os.Getenv("REWRITE_MODEL"),
		EndpointURL:     os.Getenv("OLLAMA_HOST"),
	}
}

// preconfigureEmbedding applies EMBEDDING_PROVIDER and EMBEDDING_MODEL to a
// fresh index, so deployments can pin the embedding backend without calling
// the config API. An index that already carries settings keeps them.
func preconfigureEmbedding(ctx context.Context, idx index.Index, log *slog.Logger) error {
	provider := os.Getenv("EMBEDDING_PROVIDER")
	if provider == "" {
		return nil
	}
	if _, ok := idx.Settings(); ok {
		log.Info("embedding provider already configured, ignoring EMBEDDING_PROVIDER")
		return nil
	}
	settings, err := idx.SetEmbeddingProvider(ctx, provider, os.Getenv("EMBEDDING_MODEL"))
	if err != nil {
		return fmt.Errorf("failed to apply EMBEDDING_PROVIDER: %w", err)
	}
	log.Info("embedding provider preconfigured",
		slog.String("provider", settings.Provider),
		slog.String("model", settings.Model),
		slog.Int("dimension", settings.Dimension),
	)
	return nil
}

// resolveHost returns the listen host: the --host flag when given,
// otherwise SERVER_HOST, otherwise the flag default.
func resolveHost(flagSet bool, fallback string) string {
	if !flagSet {
		if v := os.Getenv("SERVER_HOST"); v != "" {
			return v
		}
	}
	return fallback
}

// resolvePort returns the listen port: the --port flag when given,
// otherwise SERVER_PORT, otherwise the flag default.
func resolvePort(flagSet bool, fallback int) int {
	if !flagSet {
		if v := envInt("SERVER_PORT"); v != 0 {
			return v
		}
	}
	return fallback
}

// rewritePolicy maps REWRITE_FAILURE_POLICY to an engine policy.
// Unrecognized values fall back to fatal, matching the engine default.
func rewritePolicy() engine.FailurePolicy {
	if os.Getenv("REWRITE_FAILURE_POLICY") == string(engine.FailFallback) {
		return engine.FailFallback
	}
	return engine.FailFatal
}

// envInt parses an integer env var, returning 0 when unset or malformed.
func envInt(key string) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return 0
	}
	return v
}

// envFloat parses a float env var, returning 0 when unset or malformed.
func envFloat(key string) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return 0
	}
	return v
}
