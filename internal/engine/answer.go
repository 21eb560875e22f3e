package engine

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/avelsk/kbrag-go/internal/budget"
	"github.com/avelsk/kbrag-go/internal/conversation"
	"github.com/avelsk/kbrag-go/internal/index"
	"github.com/avelsk/kbrag-go/internal/provider"
)

const (
	answerTemperature = 0.3
	answerMaxTokens   = 1000

	// answerHistoryMessages is the trailing window of prior turns included
	// for follow-up disambiguation: 3 exchanges.
	answerHistoryMessages = 6

	// previewLength caps the source text preview.
	previewLength = 200
)

const answerSystemPrompt = `You are a helpful AI assistant that answers questions based on the provided context from the user's knowledge base.

CRITICAL RULES:
1. ALWAYS base your answer on the CURRENT context provided with each question
2. The context is retrieved fresh for EACH question - use it as your primary source
3. You may use conversation history for context about what was discussed, but NEVER to answer factual questions
4. If the current context doesn't contain the answer, say so clearly - don't rely on previous answers
5. Each question should be treated as requiring fresh information from the knowledge base
6. Cite specific documents from the CURRENT context when making claims

Instructions:
- Answer questions using ONLY the information from the CURRENT context provided below
- Be concise but comprehensive
- Always cite specific documents when making claims
- Use conversation history only to understand follow-up questions or references, not to answer them
`

// Source describes where part of an answer came from.
type Source struct {
	// Document is the source document name.
	Document string `json:"document"`

	// ChunkID is the chunk's position within the document.
	ChunkID int `json:"chunk_id"`

	// SimilarityScore is the retrieval distance, rounded to 4 decimals.
	SimilarityScore float64 `json:"similarity_score"`

	// TextPreview is the first 200 characters of the chunk.
	TextPreview string `json:"text_preview"`
}

// buildContext renders search results into the context block handed to the
// model and the source records returned to the caller.
func buildContext(results []index.Result) (string, []Source) {
	if len(results) == 0 {
		return "", []Source{}
	}

	parts := make([]string, 0, len(results))
	sources := make([]Source, 0, len(results))
	for i, r := range results {
		parts = append(parts, fmt.Sprintf("[Document %d: %s]\n%s\n", i+1, r.DocName, r.Text))

		preview := r.Text
		if runes := []rune(preview); len(runes) > previewLength {
			preview = string(runes[:previewLength]) + "..."
		}
		sources = append(sources, Source{
			Document:        r.DocName,
			ChunkID:         r.ChunkID,
			SimilarityScore: math.Round(r.Distance*10000) / 10000,
			TextPreview:     preview,
		})
	}
	return strings.Join(parts, "\n"), sources
}

// buildUserMessage embeds the fresh context block and the original
// question into the final user turn.
func buildUserMessage(contextBlock, query string) string {
	if contextBlock == "" {
		return fmt.Sprintf(`===CURRENT CONTEXT FROM KNOWLEDGE BASE===
No relevant context found in the knowledge base for this question.

===END OF CURRENT CONTEXT===

User question: %s`, query)
	}
	return fmt.Sprintf(`===CURRENT CONTEXT FROM KNOWLEDGE BASE===
%s

===END OF CURRENT CONTEXT===

User question: %s

Remember: Answer ONLY based on the CURRENT CONTEXT provided above. Do not use information from previous answers unless explicitly present in the current context.`, contextBlock, query)
}

// generateAnswer runs the grounded answer generation: system prompt, the
// trailing history window, then the context-bearing user turn. The history
// window is trimmed further when the prompt would overflow the token budget.
func generateAnswer(ctx context.Context, p provider.Provider, query, contextBlock string, history []conversation.Message) (string, error) {
	window := history
	if len(window) > answerHistoryMessages {
		window = window[len(window)-answerHistoryMessages:]
	}

	hist := make([]*schema.Message, 0, len(window))
	for _, m := range window {
		if m.Role == conversation.RoleUser {
			hist = append(hist, schema.UserMessage(m.Content))
		} else {
			hist = append(hist, schema.AssistantMessage(m.Content, nil))
		}
	}

	system := schema.SystemMessage(answerSystemPrompt)
	final := schema.UserMessage(buildUserMessage(contextBlock, query))
	hist = budget.TrimHistory([]*schema.Message{system, final}, hist, budget.DefaultMaxContextTokens)

	msgs := make([]*schema.Message, 0, len(hist)+2)
	msgs = append(msgs, system)
	msgs = append(msgs, hist...)
	msgs = append(msgs, final)

	answer, err := p.Generate(ctx, msgs, answerTemperature, answerMaxTokens)
	if err != nil {
		return "", fmt.Errorf("engine: answer generation failed: %w", err)
	}
	return answer, nil
}
