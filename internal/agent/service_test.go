package agent

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/squirebot/squire/internal/budget"
	"github.com/squirebot/squire/internal/history"
	"github.com/squirebot/squire/internal/llm"
	"github.com/squirebot/squire/internal/prompts"
	"github.com/squirebot/squire/internal/tokens"
)

type fakeLLM struct {
	reply    string
	err      error
	calls    int
	lastReq  []llm.Message
	lastMdl  string
	pingErr  error
	inTok    int
	outTok   int
	lastCtxs []string
}

func (f *fakeLLM) Chat(_ context.Context, model string, messages []llm.Message) (*llm.ChatResponse, error) {
	f.calls++
	f.lastMdl = model
	f.lastReq = messages
	if len(messages) > 0 && messages[0].Role == "system" {
		f.lastCtxs = append(f.lastCtxs, messages[0].Content)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &llm.ChatResponse{
		Model:        model,
		Content:      f.reply,
		InputTokens:  f.inTok,
		OutputTokens: f.outTok,
	}, nil
}

func (f *fakeLLM) Ping(context.Context) error { return f.pingErr }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestService(t *testing.T, client llm.Client) (*Service, *history.Store) {
	t.Helper()
	store, err := history.NewStore(t.TempDir(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	mgr := budget.NewManager(nil, tokens.Estimate, testLogger())
	return NewService(store, mgr, client, nil, "gpt-4o", "o4-mini", testLogger()), store
}

func TestProcessMessage_RecordsExchange(t *testing.T) {
	fake := &fakeLLM{reply: "hello there", inTok: 42, outTok: 7}
	svc, store := newTestService(t, fake)

	got, err := svc.ProcessMessage(context.Background(), 11, "hi", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if got != "hello there" {
		t.Fatalf("reply = %q", got)
	}

	hist := store.History(11, true)
	if len(hist) != 2 {
		t.Fatalf("expected 2 recorded messages, got %d", len(hist))
	}
	if hist[0].Role != "user" || hist[0].Content != "hi" {
		t.Errorf("first message = %+v", hist[0])
	}
	if hist[1].Role != "assistant" || hist[1].Content != "hello there" {
		t.Errorf("second message = %+v", hist[1])
	}
}

func TestProcessMessage_SendsHistoryAndInput(t *testing.T) {
	fake := &fakeLLM{reply: "ok"}
	svc, store := newTestService(t, fake)
	now := time.Now()

	store.AddTurn(5, []history.Message{
		{Role: "user", Content: "earlier question"},
		{Role: "assistant", Content: "earlier answer"},
	}, now)

	if _, err := svc.ProcessMessage(context.Background(), 5, "followup", now); err != nil {
		t.Fatal(err)
	}

	if fake.lastMdl != "gpt-4o" {
		t.Errorf("model = %q", fake.lastMdl)
	}
	msgs := fake.lastReq
	if len(msgs) != 4 {
		t.Fatalf("expected system + 2 history + user, got %d messages", len(msgs))
	}
	if msgs[0].Role != "system" {
		t.Errorf("first message role = %q", msgs[0].Role)
	}
	if msgs[1].Content != "earlier question" || msgs[2].Content != "earlier answer" {
		t.Errorf("history not forwarded: %+v", msgs[1:3])
	}
	if msgs[3].Role != "user" || msgs[3].Content != "followup" {
		t.Errorf("last message = %+v", msgs[3])
	}
}

func TestProcessMessage_ContextInSystemPrompt(t *testing.T) {
	fake := &fakeLLM{reply: "ok"}
	svc, store := newTestService(t, fake)

	store.SetContext(9, "User is planning a trip to Lisbon.")

	if _, err := svc.ProcessMessage(context.Background(), 9, "any museums?", time.Now()); err != nil {
		t.Fatal(err)
	}
	if len(fake.lastCtxs) == 0 || !strings.Contains(fake.lastCtxs[0], "Lisbon") {
		t.Errorf("system prompt missing context: %q", fake.lastCtxs)
	}
}

func TestProcessMessage_LLMErrorRecordsNothing(t *testing.T) {
	fake := &fakeLLM{err: errors.New("upstream down")}
	svc, store := newTestService(t, fake)

	_, err := svc.ProcessMessage(context.Background(), 3, "hi", time.Now())
	if err == nil {
		t.Fatal("expected error")
	}
	if got := store.History(3, true); len(got) != 0 {
		t.Errorf("failed exchange was recorded: %v", got)
	}
}

func TestStartNewChat_ClearsWorkingSet(t *testing.T) {
	fake := &fakeLLM{reply: "ok"}
	svc, store := newTestService(t, fake)
	now := time.Now()

	store.SetContext(4, "old context")
	store.AddTurn(4, []history.Message{{Role: "user", Content: "before reset"}}, now)

	svc.StartNewChat(4)

	if ctx := store.Context(4); ctx != "" {
		t.Errorf("context = %q, want empty", ctx)
	}
	if got := store.History(4, false); len(got) != 0 {
		t.Errorf("recent window not cleared: %v", got)
	}
	if got := store.History(4, true); len(got) != 1 {
		t.Errorf("long-term record lost: %v", got)
	}
}

func TestAskExpert_UsesExpertModel(t *testing.T) {
	fake := &fakeLLM{reply: "42"}
	svc, store := newTestService(t, fake)
	store.SetContext(8, "Discussing combinatorics.")

	got, err := svc.AskExpert(context.Background(), 8, "how many permutations?")
	if err != nil {
		t.Fatal(err)
	}
	if got != "42" {
		t.Fatalf("answer = %q", got)
	}
	if fake.lastMdl != "o4-mini" {
		t.Errorf("model = %q", fake.lastMdl)
	}
	if len(fake.lastReq) != 2 {
		t.Fatalf("expected system + question, got %d messages", len(fake.lastReq))
	}
	if !strings.Contains(fake.lastReq[0].Content, "combinatorics") {
		t.Errorf("expert prompt missing context: %q", fake.lastReq[0].Content)
	}
	// Expert calls are consultations, not conversation turns.
	if got := store.History(8, true); len(got) != 0 {
		t.Errorf("expert exchange recorded as turn: %v", got)
	}
}

func TestAskExpert_LargeContextKeptWhenItFits(t *testing.T) {
	fake := &fakeLLM{reply: "42"}
	store, err := history.NewStore(t.TempDir(), testLogger())
	if err != nil {
		t.Fatal(err)
	}

	// Budget sized so the prompt bundle fits exactly when the context is
	// counted once, inside the expert template. Counting it a second
	// time as a separate component would overflow and truncate it.
	convContext := strings.Repeat("The user is cataloguing permutation groups. ", 50)
	question := "how many permutations?"
	counter := func(s string) int { return len(s) }
	bundle := counter(prompts.Expert("")) + counter(convContext) + counter(question)
	mgr := budget.NewManager(map[string]int{"o4-mini": bundle + budget.ResponseReserve}, counter, testLogger())

	svc := NewService(store, mgr, fake, nil, "gpt-4o", "o4-mini", testLogger())
	store.SetContext(6, convContext)

	if _, err := svc.AskExpert(context.Background(), 6, question); err != nil {
		t.Fatal(err)
	}
	if got, want := fake.lastReq[0].Content, prompts.Expert(convContext); got != want {
		t.Errorf("expert prompt lost context:\ngot  %q\nwant %q", got, want)
	}
}

func TestAskExpert_NoExpertConfigured(t *testing.T) {
	fake := &fakeLLM{reply: "nope"}
	store, err := history.NewStore(t.TempDir(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	mgr := budget.NewManager(nil, tokens.Estimate, testLogger())
	svc := NewService(store, mgr, fake, nil, "gpt-4o", "", testLogger())

	if _, err := svc.AskExpert(context.Background(), 1, "q"); err == nil {
		t.Fatal("expected error when no expert model is configured")
	}
	if fake.calls != 0 {
		t.Errorf("expert call made anyway: %d", fake.calls)
	}
}

func TestRecallPassthroughs(t *testing.T) {
	fake := &fakeLLM{reply: "ok"}
	svc, store := newTestService(t, fake)
	now := time.Now()

	store.AddTurn(2, []history.Message{{Role: "user", Content: "apples are great"}}, now.Add(-5*time.Minute))
	store.AddTurn(2, []history.Message{{Role: "user", Content: "oranges too"}}, now)

	if got := svc.SearchHistory(2, []string{"apples"}, 10); len(got) != 1 {
		t.Errorf("SearchHistory = %v", got)
	}
	if got := svc.RecallRange(2, -1, -1); len(got) != 1 || got[0].Content != "oranges too" {
		t.Errorf("RecallRange = %v", got)
	}
	if got := svc.RecallByTime(2, 10, 1); len(got) != 1 || got[0].Content != "apples are great" {
		t.Errorf("RecallByTime = %v", got)
	}
}
