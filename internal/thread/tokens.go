package thread

import (
	"log/slog"

	"github.com/harunnryd/kiroku/internal/model/contract"

	"github.com/pkoukk/tiktoken-go"
)

// perMessageOverhead approximates the framing tokens each chat turn costs on
// top of its content.
const perMessageOverhead = 4

// charsPerToken is the character-count fallback ratio used when no tokenizer
// is available.
const charsPerToken = 4

// TokenEstimator counts tokens for compaction budget decisions. Counts are
// estimates: provider tokenizers differ, which is why budgets are expressed
// as fractions of the context window rather than exact limits.
type TokenEstimator struct {
	tokenizer *tiktoken.Tiktoken
}

func NewTokenEstimator(model string) *TokenEstimator {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Unknown models fall back to the common base encoding.
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		// tiktoken loads its BPE table over the network on a cold cache, so
		// offline hosts land here. Estimating by character count keeps
		// compaction working instead of failing startup.
		slog.Warn("Tokenizer unavailable, estimating tokens by character count", "model", model, "error", err)
		return &TokenEstimator{}
	}
	return &TokenEstimator{tokenizer: enc}
}

func (e *TokenEstimator) Count(text string) int {
	if text == "" {
		return 0
	}
	if e.tokenizer == nil {
		return (len(text) + charsPerToken - 1) / charsPerToken
	}
	return len(e.tokenizer.Encode(text, nil, nil))
}

// EstimateConversation returns the token estimate for a reconstructed view,
// including system prompts and tool call arguments.
func (e *TokenEstimator) EstimateConversation(conv *Conversation) int {
	total := e.Count(conv.SystemPrompt) + e.Count(conv.UserSystemPrompt)
	for _, msg := range conv.Messages {
		total += perMessageOverhead
		total += e.Count(msg.Content)
		total += e.Count(contract.RenderBlocks(msg.Blocks))
		for _, tc := range msg.ToolCalls {
			total += e.Count(tc.Name)
			total += e.Count(string(tc.Arguments))
		}
	}
	return total
}
