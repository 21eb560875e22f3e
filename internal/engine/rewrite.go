package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/avelsk/kbrag-go/internal/conversation"
	"github.com/avelsk/kbrag-go/internal/provider"
)

// ErrRewriteFailed is returned when the rewrite model errors or produces
// an unusable result.
var ErrRewriteFailed = errors.New("engine: query rewriting failed")

// FailurePolicy decides what a rewrite failure means for the turn.
type FailurePolicy string

const (
	// FailFatal aborts the turn on rewrite failure.
	FailFatal FailurePolicy = "fatal"

	// FailFallback searches with the raw query instead.
	FailFallback FailurePolicy = "fallback"
)

const (
	rewriteTemperature  = 0.2
	rewriteMaxTokens    = 150
	rewriteHistoryPairs = 5
)

const rewriteSystemPrompt = `You are a query rewriting assistant. Your job is to take a user's query and rewrite it to be a standalone, self-contained question that can be understood without any conversation history.

Instructions:
1. Read the conversation history to understand the context
2. Rewrite the current query to include all necessary context from the conversation
3. The rewritten query should be a complete, standalone question
4. Keep the rewritten query concise but include all relevant context
5. If the query is already standalone, you may return it as-is or with minor improvements

Examples:
- "tell me more" → "Tell me more about [specific topic from previous query]"
- "what about X?" → "What about X in the context of [previous topic]?"
- "explain further" → "Explain [previous topic] in more detail"

Return ONLY the rewritten query, nothing else.`

// rewriteQuery turns a possibly contextual query ("tell me more") into a
// standalone one using the trailing rewriteHistoryPairs exchanges. The
// rewritten query must be at least 3 characters, else ErrRewriteFailed.
func rewriteQuery(ctx context.Context, p provider.Provider, query string, history []conversation.Message) (string, error) {
	window := history
	if max := rewriteHistoryPairs * 2; len(window) > max {
		window = window[len(window)-max:]
	}

	var b strings.Builder
	for _, msg := range window {
		role := "Assistant"
		if msg.Role == conversation.RoleUser {
			role = "User"
		}
		fmt.Fprintf(&b, "%s: %s\n", role, msg.Content)
	}

	userMsg := fmt.Sprintf(`Conversation history:
%s
Current query: %s

Rewrite the current query to be standalone and self-contained:`, b.String(), query)

	msgs := []*schema.Message{
		schema.SystemMessage(rewriteSystemPrompt),
		schema.UserMessage(userMsg),
	}

	out, err := p.Generate(ctx, msgs, rewriteTemperature, rewriteMaxTokens)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRewriteFailed, err)
	}
	rewritten := strings.TrimSpace(out)
	if len(rewritten) < 3 {
		return "", fmt.Errorf("%w: model returned empty or invalid response", ErrRewriteFailed)
	}
	return rewritten, nil
}
