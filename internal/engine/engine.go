// Package engine orchestrates a chat turn: settings resolution, query
// rewriting, retrieval, grounded answer generation and conversation
// persistence.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/avelsk/kbrag-go/internal/conversation"
	"github.com/avelsk/kbrag-go/internal/index"
	"github.com/avelsk/kbrag-go/internal/provider"
)

// topK is how many chunks retrieval feeds into the answer context.
const topK = 5

// ProviderFactory builds an LLM provider for the given settings. Swapped
// out in tests.
type ProviderFactory func(ctx context.Context, s provider.Settings) (provider.Provider, error)

// ChatResult is the outcome of one chat turn.
type ChatResult struct {
	// Answer is the generated answer.
	Answer string

	// Sources lists where the answer's context came from.
	Sources []Source

	// ConversationID identifies the conversation, generated when the
	// caller did not supply one.
	ConversationID string

	// RewrittenQuery is the standalone query used for retrieval; empty
	// when rewriting was skipped.
	RewrittenQuery string

	// Settings are the resolved settings this turn ran with.
	Settings conversation.LLMSettings
}

// Engine runs the RAG pipeline over an index and a conversation manager.
type Engine struct {
	index   index.Index
	manager *ConversationManager
	factory ProviderFactory
	onFail  FailurePolicy
	logger  *slog.Logger
}

// New builds an Engine. A nil factory uses the real provider
// constructors; an empty policy means FailFatal.
func New(idx index.Index, manager *ConversationManager, factory ProviderFactory, onFail FailurePolicy, logger *slog.Logger) *Engine {
	if factory == nil {
		factory = func(ctx context.Context, s provider.Settings) (provider.Provider, error) {
			return provider.New(ctx, s)
		}
	}
	if onFail == "" {
		onFail = FailFatal
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{index: idx, manager: manager, factory: factory, onFail: onFail, logger: logger}
}

// Manager exposes the conversation manager for the HTTP layer.
func (e *Engine) Manager() *ConversationManager { return e.manager }

// Chat runs one full turn. Provider failures abort the turn; nothing is
// appended to the conversation unless an answer was produced.
func (e *Engine) Chat(ctx context.Context, message, conversationID string, explicit *conversation.LLMSettings) (*ChatResult, error) {
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	lock := e.manager.Lock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	settings := e.manager.ResolveSettings(conversationID, explicit)
	history := e.manager.History(conversationID, rewriteHistoryPairs*2)

	searchQuery := message
	rewritten := ""
	if !settings.Disabled() && len(history) > 0 {
		q, err := e.rewrite(ctx, settings, message, history)
		switch {
		case err != nil && e.onFail == FailFallback:
			e.logger.Warn("query rewrite failed, searching with raw query", "error", err)
		case err != nil:
			return nil, err
		default:
			searchQuery = q
			rewritten = q
		}
	}

	results, err := e.index.Search(ctx, searchQuery, topK)
	if err != nil {
		return nil, fmt.Errorf("engine: retrieval failed: %w", err)
	}
	contextBlock, sources := buildContext(results)

	answerer, err := e.factory(ctx, provider.Settings{
		Provider:    settings.AnswerProvider,
		Model:       settings.AnswerModel,
		EndpointURL: settings.EndpointURL,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: answer provider: %w", err)
	}

	answerHistory := history
	if len(answerHistory) > answerHistoryMessages {
		answerHistory = answerHistory[len(answerHistory)-answerHistoryMessages:]
	}
	answer, err := generateAnswer(ctx, answerer, message, contextBlock, answerHistory)
	if err != nil {
		return nil, err
	}

	if err := e.manager.Append(ctx, conversationID, conversation.RoleUser, message, settings); err != nil {
		return nil, fmt.Errorf("engine: failed to persist user turn: %w", err)
	}
	if err := e.manager.Append(ctx, conversationID, conversation.RoleAssistant, answer, settings); err != nil {
		return nil, fmt.Errorf("engine: failed to persist assistant turn: %w", err)
	}

	return &ChatResult{
		Answer:         answer,
		Sources:        sources,
		ConversationID: conversationID,
		RewrittenQuery: rewritten,
		Settings:       settings,
	}, nil
}

// rewrite builds the rewrite provider and runs the standalone-query
// rewrite over the recent history.
func (e *Engine) rewrite(ctx context.Context, settings conversation.LLMSettings, message string, history []conversation.Message) (string, error) {
	model := settings.RewriteModel
	if model == "" {
		model = settings.AnswerModel
	}
	p, err := e.factory(ctx, provider.Settings{
		Provider:    settings.RewriteProvider,
		Model:       model,
		EndpointURL: settings.EndpointURL,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRewriteFailed, err)
	}
	return rewriteQuery(ctx, p, message, history)
}
