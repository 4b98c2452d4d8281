// Package agent orchestrates one conversation turn: it assembles the
// prompt bundle from stored history and context, fits it to the
// model's token budget, calls the LLM, and records the completed
// exchange back into the store.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/squirebot/squire/internal/budget"
	"github.com/squirebot/squire/internal/history"
	"github.com/squirebot/squire/internal/llm"
	"github.com/squirebot/squire/internal/prompts"
	"github.com/squirebot/squire/internal/usage"
)

// Service processes user messages for the bot. It assumes the caller
// serializes messages per chat (one in-flight turn per chat at a time),
// matching the store's ownership contract.
type Service struct {
	store       *history.Store
	budget      *budget.Manager
	llm         llm.Client
	usage       *usage.Store // optional; nil disables accounting
	model       string
	expertModel string
	logger      *slog.Logger
}

// NewService creates an agent service. usageStore may be nil.
// expertModel may be empty if no expert role is configured.
func NewService(store *history.Store, budgetMgr *budget.Manager, client llm.Client, usageStore *usage.Store, model, expertModel string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       store,
		budget:      budgetMgr,
		llm:         client,
		usage:       usageStore,
		model:       model,
		expertModel: expertModel,
		logger:      logger,
	}
}

// ProcessMessage handles one incoming user message end to end and
// returns the assistant's reply. receivedAt is the message's own
// timestamp and becomes the recorded turn's timestamp.
func (s *Service) ProcessMessage(ctx context.Context, chatID int64, userInput string, receivedAt time.Time) (string, error) {
	requestID := uuid.New().String()

	recent := s.store.History(chatID, false)
	convContext := s.store.Context(chatID)
	systemPrompt := prompts.Orchestrator("")

	fittedContext, fittedHistory := s.budget.EnsureFits(systemPrompt, convContext, recent, userInput, s.model)

	// Persist the compressed context so the next turn starts from the
	// reduced version. A blank result is not written back: blank
	// context is the fresh-start signal and compression must not
	// trigger it.
	if fittedContext != convContext && strings.TrimSpace(fittedContext) != "" {
		s.store.SetContext(chatID, fittedContext)
	}

	messages := make([]llm.Message, 0, len(fittedHistory)+2)
	messages = append(messages, llm.Message{Role: "system", Content: prompts.Orchestrator(fittedContext)})
	for _, m := range fittedHistory {
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, llm.Message{Role: "user", Content: userInput})

	s.logger.Debug("calling model",
		"request_id", requestID,
		"chat_id", chatID,
		"model", s.model,
		"history_messages", len(fittedHistory),
	)

	resp, err := s.llm.Chat(ctx, s.model, messages)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}

	s.recordUsage(ctx, requestID, chatID, s.model, resp)

	s.store.AddTurn(chatID, []history.Message{
		{Role: "user", Content: userInput},
		{Role: "assistant", Content: resp.Content},
	}, receivedAt)

	s.logger.Info("processed message",
		"request_id", requestID,
		"chat_id", chatID,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
	)

	return resp.Content, nil
}

// AskExpert forwards a single self-contained question to the expert
// model, including the chat's running context. The exchange is not
// recorded as a turn: the orchestrator weaves the answer into its own
// reply.
func (s *Service) AskExpert(ctx context.Context, chatID int64, question string) (string, error) {
	if s.expertModel == "" {
		return "", fmt.Errorf("no expert model configured")
	}

	requestID := uuid.New().String()
	convContext := s.store.Context(chatID)

	// The context travels inside the expert prompt, so the budget check
	// counts the bare template plus the context exactly once.
	fittedContext, _ := s.budget.EnsureFits(prompts.Expert(""), convContext, nil, question, s.expertModel)
	systemPrompt := prompts.Expert(fittedContext)

	resp, err := s.llm.Chat(ctx, s.expertModel, []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: question},
	})
	if err != nil {
		return "", fmt.Errorf("expert completion: %w", err)
	}

	s.recordUsage(ctx, requestID, chatID, s.expertModel, resp)
	return resp.Content, nil
}

// recordUsage writes a token usage record if accounting is enabled.
// Failures are logged, never surfaced: accounting must not break chat.
func (s *Service) recordUsage(ctx context.Context, requestID string, chatID int64, model string, resp *llm.ChatResponse) {
	if s.usage == nil {
		return
	}
	err := s.usage.Record(ctx, usage.Record{
		RequestID:    requestID,
		ChatID:       chatID,
		Model:        model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	})
	if err != nil {
		s.logger.Warn("recording token usage failed",
			"request_id", requestID, "chat_id", chatID, "error", err)
	}
}

// StartNewChat resets the conversation: blank context clears the
// working set while the on-disk log keeps the long-term record.
func (s *Service) StartNewChat(chatID int64) {
	s.store.SetContext(chatID, "")
}

// SearchHistory returns message texts matching any of the keywords.
func (s *Service) SearchHistory(chatID int64, keywords []string, maxResults int) []string {
	return s.store.SearchKeywords(chatID, keywords, maxResults)
}

// RecallRange returns messages from a turn-indexed slice of the full
// history; negative indices count from the newest turn.
func (s *Service) RecallRange(chatID int64, startTurn, endTurn int) []history.Message {
	return s.store.Range(chatID, startTurn, endTurn)
}

// RecallByTime returns messages from turns recorded between
// minutesAgoStart and minutesAgoEnd minutes ago.
func (s *Service) RecallByTime(chatID int64, minutesAgoStart, minutesAgoEnd int) []history.Message {
	return s.store.ByTime(chatID, minutesAgoStart, minutesAgoEnd)
}
