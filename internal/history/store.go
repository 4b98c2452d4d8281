// Package history provides durable per-chat conversation memory.
//
// Each chat's turns are kept in memory as the working set and appended
// to a per-chat JSONL log on disk. The log is the durable superset:
// in-memory state is a cache of it, hydrated lazily on first access and
// never re-read for the life of the process. A free-text context string
// is persisted independently per chat.
//
// The store assumes one logical owner per chat at a time: callers must
// serialize operations for a given chat ID (process one agent turn
// before starting the next). Access to different chat IDs is
// independent. The internal mutex protects only the chat map itself.
package history

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Defaults for the recent window served to the agent.
const (
	DefaultMaxRecentTurns = 15
	DefaultMaxRecentAge   = 10 * time.Minute
)

// Turn is one complete request/response exchange: the ordered messages
// produced while answering a single user message, plus the time it was
// recorded. Turns are immutable once added.
type Turn struct {
	Messages  []Message
	Timestamp time.Time
}

// chatState holds everything the store knows about one chat. The loaded
// flag lives next to the data it describes: hydration from disk happens
// at most once per process lifetime.
type chatState struct {
	turns         []Turn
	loaded        bool
	context       string
	contextLoaded bool

	// windowStart marks where the active conversation begins within
	// turns. SetContext with blank text (the "start a new conversation"
	// signal) advances it past all existing turns, so the recent window
	// starts empty while the full turn list, and the on-disk log, keep
	// the long-term record.
	windowStart int
}

// Store owns all per-chat conversation state, keyed by chat ID.
type Store struct {
	dataDir        string
	maxRecentTurns int
	maxRecentAge   time.Duration
	logger         *slog.Logger

	nowFunc func() time.Time

	mu    sync.Mutex
	chats map[int64]*chatState
}

// Option configures a Store.
type Option func(*Store)

// WithRecentWindow overrides the recent-window limits.
func WithRecentWindow(maxTurns int, maxAge time.Duration) Option {
	return func(s *Store) {
		if maxTurns > 0 {
			s.maxRecentTurns = maxTurns
		}
		if maxAge > 0 {
			s.maxRecentAge = maxAge
		}
	}
}

// NewStore creates a conversation store rooted at dataDir, creating the
// directory if needed. A nil logger falls back to slog.Default.
func NewStore(dataDir string, logger *slog.Logger, opts ...Option) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create chat data dir: %w", err)
	}

	s := &Store{
		dataDir:        dataDir,
		maxRecentTurns: DefaultMaxRecentTurns,
		maxRecentAge:   DefaultMaxRecentAge,
		logger:         logger,
		nowFunc:        time.Now,
		chats:          make(map[int64]*chatState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) chatFilePath(chatID int64) string {
	return filepath.Join(s.dataDir, fmt.Sprintf("chat_%d.jsonl", chatID))
}

func (s *Store) contextFilePath(chatID int64) string {
	return filepath.Join(s.dataDir, fmt.Sprintf("context_%d.txt", chatID))
}

// state returns the chatState for chatID, creating it on first access.
func (s *Store) state(chatID int64) *chatState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.chats[chatID]
	if !ok {
		st = &chatState{}
		s.chats[chatID] = st
	}
	return st
}

// ensureLoaded hydrates the chat's turns from disk exactly once per
// process lifetime. Load failures are logged and treated as an empty
// history: a broken log file must never block the chat.
func (s *Store) ensureLoaded(chatID int64) *chatState {
	st := s.state(chatID)
	if st.loaded {
		return st
	}

	turns, err := readTurnLog(s.chatFilePath(chatID), s.logger)
	if err != nil {
		s.logger.Error("loading chat history from disk failed",
			"chat_id", chatID, "error", err)
		turns = nil
	} else {
		s.logger.Debug("loaded chat history from disk",
			"chat_id", chatID, "turns", len(turns))
	}

	st.turns = turns
	st.loaded = true
	return st
}

// History returns the chat's messages flattened oldest to newest. With
// full=true every recorded turn is included; otherwise only the recent
// window (see recentTurns).
func (s *Store) History(chatID int64, full bool) []Message {
	st := s.ensureLoaded(chatID)

	var selected []Turn
	if full {
		selected = st.turns
	} else {
		selected = s.recentTurns(st)
	}
	return flatten(selected)
}

// recentTurns selects the bounded working set served to the agent by
// default. Two candidate windows are computed over the active turns:
// those younger than maxRecentAge, and the last maxRecentTurns by
// count. Whichever candidate holds fewer turns wins: the count limit
// bounds bursty exchanges while the age limit sheds stale context after
// idle periods.
func (s *Store) recentTurns(st *chatState) []Turn {
	active := st.turns[st.windowStart:]
	if len(active) == 0 {
		return nil
	}

	now := s.nowFunc()
	byTime := make([]Turn, 0, len(active))
	for _, t := range active {
		if now.Sub(t.Timestamp) < s.maxRecentAge {
			byTime = append(byTime, t)
		}
	}

	byCount := active
	if len(byCount) > s.maxRecentTurns {
		byCount = byCount[len(byCount)-s.maxRecentTurns:]
	}

	if len(byTime) < len(byCount) {
		return byTime
	}
	return byCount
}

// AddTurn records a completed exchange in memory and appends it to the
// chat's on-disk log. A persistence failure is logged but not returned:
// the turn survives in memory for the current process and is simply
// absent from history after a restart.
func (s *Store) AddTurn(chatID int64, messages []Message, timestamp time.Time) {
	st := s.ensureLoaded(chatID)

	st.turns = append(st.turns, Turn{Messages: messages, Timestamp: timestamp})

	if err := appendTurnRecord(s.chatFilePath(chatID), messages, timestamp); err != nil {
		s.logger.Error("persisting turn to disk failed",
			"chat_id", chatID, "error", err)
		return
	}
	s.logger.Debug("persisted turn",
		"chat_id", chatID, "messages", len(messages))
}

// Context returns the chat's running summary, loading it from disk on
// first access. A missing context file means an empty context.
func (s *Store) Context(chatID int64) string {
	st := s.state(chatID)
	if st.contextLoaded {
		return st.context
	}

	data, err := os.ReadFile(s.contextFilePath(chatID))
	switch {
	case err == nil:
		st.context = strings.TrimSpace(string(data))
	case os.IsNotExist(err):
		st.context = ""
	default:
		s.logger.Error("loading context from disk failed",
			"chat_id", chatID, "error", err)
		st.context = ""
	}
	st.contextLoaded = true
	return st.context
}

// SetContext stores the chat's running summary in memory and persists
// it as a whole-file overwrite. Blank text is the application's "start
// a new conversation" signal: it also empties the in-memory working
// set. The on-disk turn log is left untouched so the long-term record
// stays recoverable.
func (s *Store) SetContext(chatID int64, text string) {
	preview := text
	if len(preview) > 100 {
		preview = preview[:100] + "..."
	}
	s.logger.Info("setting chat context", "chat_id", chatID, "context", preview)

	st := s.state(chatID)
	st.context = text
	st.contextLoaded = true

	if err := os.WriteFile(s.contextFilePath(chatID), []byte(text), 0o644); err != nil {
		s.logger.Error("saving context to disk failed",
			"chat_id", chatID, "error", err)
	}

	if strings.TrimSpace(text) == "" {
		s.clearHistory(chatID)
	}
}

// clearHistory empties the in-memory working set for a chat without
// touching the on-disk log.
func (s *Store) clearHistory(chatID int64) {
	s.logger.Info("context is blank, clearing chat history", "chat_id", chatID)
	st := s.ensureLoaded(chatID)
	st.windowStart = len(st.turns)
}

// ClearContext removes the chat's context from memory and deletes the
// context file. Turns are not affected.
func (s *Store) ClearContext(chatID int64) {
	s.logger.Info("clearing chat context", "chat_id", chatID)

	st := s.state(chatID)
	st.context = ""
	st.contextLoaded = true

	if err := os.Remove(s.contextFilePath(chatID)); err != nil && !os.IsNotExist(err) {
		s.logger.Error("deleting context file failed",
			"chat_id", chatID, "error", err)
	}
}

// SearchKeywords scans the chat's turns oldest to newest and returns
// the text of messages matching any of the keywords, case-insensitive,
// in scan order. The scan stops once maxResults matches are collected.
func (s *Store) SearchKeywords(chatID int64, keywords []string, maxResults int) []string {
	st := s.ensureLoaded(chatID)
	if len(st.turns) == 0 || len(keywords) == 0 || maxResults <= 0 {
		return nil
	}

	lowered := make([]string, len(keywords))
	for i, kw := range keywords {
		lowered[i] = strings.ToLower(kw)
	}

	var matches []string
	for _, turn := range st.turns {
		for _, msg := range turn.Messages {
			text := msg.Text()
			lower := strings.ToLower(text)
			for _, kw := range lowered {
				if strings.Contains(lower, kw) {
					matches = append(matches, text)
					break
				}
			}
			if len(matches) >= maxResults {
				return matches
			}
		}
	}
	return matches
}

// Range returns the flattened messages of turns in [startTurn, endTurn]
// inclusive, indexed over the full turn list. Negative indices count
// from the end (-1 is the last turn). Out-of-range or inverted inputs
// clamp to the nearest valid range or an empty result, never an error.
func (s *Store) Range(chatID int64, startTurn, endTurn int) []Message {
	st := s.ensureLoaded(chatID)
	total := len(st.turns)
	if total == 0 {
		return nil
	}

	start := startTurn
	if start < 0 {
		start = total + start
	}
	if start < 0 {
		start = 0
	}

	// endTurn is inclusive; convert to an exclusive bound.
	end := endTurn + 1
	if endTurn < 0 {
		end = total + endTurn + 1
	}
	if end > total {
		end = total
	}

	if start > total {
		start = total
	}
	if end < start {
		end = start
	}

	return flatten(st.turns[start:end])
}

// ByTime returns the flattened messages of every turn whose timestamp
// lies within [now-minutesAgoStart, now-minutesAgoEnd] inclusive,
// oldest to newest.
func (s *Store) ByTime(chatID int64, minutesAgoStart, minutesAgoEnd int) []Message {
	st := s.ensureLoaded(chatID)
	if len(st.turns) == 0 {
		return nil
	}

	now := s.nowFunc()
	startTime := now.Add(-time.Duration(minutesAgoStart) * time.Minute)
	endTime := now.Add(-time.Duration(minutesAgoEnd) * time.Minute)

	var messages []Message
	for _, turn := range st.turns {
		ts := turn.Timestamp
		if !ts.Before(startTime) && !ts.After(endTime) {
			messages = append(messages, turn.Messages...)
		}
	}
	return messages
}

func flatten(turns []Turn) []Message {
	var messages []Message
	for _, t := range turns {
		messages = append(messages, t.Messages...)
	}
	return messages
}
