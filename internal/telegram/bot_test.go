package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type sentMessage struct {
	ChatID    int64
	Text      string
	ParseMode string
}

// fakeAPI serves queued update batches, cancelling the context once
// the queue drains so Run returns.
type fakeAPI struct {
	mu       sync.Mutex
	batches  [][]Update
	sent     []sentMessage
	actions  []int64
	offsets  []int64
	cancel   context.CancelFunc
	htmlFail bool
}

func (f *fakeAPI) GetUpdates(ctx context.Context, offset int64, _ int) ([]Update, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offsets = append(f.offsets, offset)
	if len(f.batches) == 0 {
		f.cancel()
		return nil, ctx.Err()
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, nil
}

func (f *fakeAPI) SendMessage(_ context.Context, chatID int64, text, parseMode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.htmlFail && parseMode == "HTML" {
		return errors.New("api error 400: can't parse entities")
	}
	f.sent = append(f.sent, sentMessage{ChatID: chatID, Text: text, ParseMode: parseMode})
	return nil
}

func (f *fakeAPI) SendChatAction(_ context.Context, chatID int64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, chatID)
	return nil
}

type fakeResponder struct {
	reply  string
	err    error
	inputs []string
	resets []int64
}

func (f *fakeResponder) ProcessMessage(_ context.Context, _ int64, input string, _ time.Time) (string, error) {
	f.inputs = append(f.inputs, input)
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeResponder) StartNewChat(chatID int64) {
	f.resets = append(f.resets, chatID)
}

func textUpdate(updateID, chatID int64, text string) Update {
	return Update{
		UpdateID: updateID,
		Message: &IncomingMessage{
			MessageID: updateID,
			Date:      time.Now().Unix(),
			Text:      text,
			Chat:      Chat{ID: chatID, Type: "private"},
		},
	}
}

func runBot(t *testing.T, api *fakeAPI, resp *fakeResponder, allowed []int64) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	api.cancel = cancel

	bot := NewBot(BotConfig{
		Client:         api,
		Responder:      resp,
		Logger:         testLogger(),
		AllowedChatIDs: allowed,
	})
	if err := bot.Run(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestBot_RoutesMessageAndReplies(t *testing.T) {
	api := &fakeAPI{batches: [][]Update{{textUpdate(100, 42, "what's the weather?")}}}
	resp := &fakeResponder{reply: "Sunny, probably."}

	runBot(t, api, resp, nil)

	if len(resp.inputs) != 1 || resp.inputs[0] != "what's the weather?" {
		t.Errorf("responder inputs = %v", resp.inputs)
	}
	if len(api.actions) != 1 || api.actions[0] != 42 {
		t.Errorf("typing actions = %v", api.actions)
	}
	if len(api.sent) != 1 {
		t.Fatalf("sent = %v", api.sent)
	}
	if api.sent[0].ChatID != 42 || api.sent[0].ParseMode != "HTML" {
		t.Errorf("reply = %+v", api.sent[0])
	}
	if !strings.Contains(api.sent[0].Text, "Sunny, probably.") {
		t.Errorf("reply text = %q", api.sent[0].Text)
	}
}

func TestBot_AdvancesOffset(t *testing.T) {
	api := &fakeAPI{batches: [][]Update{
		{textUpdate(100, 42, "one"), textUpdate(101, 42, "two")},
	}}
	resp := &fakeResponder{reply: "ok"}

	runBot(t, api, resp, nil)

	// First poll at 0, second poll must ask past the highest seen ID.
	if len(api.offsets) < 2 {
		t.Fatalf("offsets = %v", api.offsets)
	}
	if api.offsets[0] != 0 || api.offsets[1] != 102 {
		t.Errorf("offsets = %v", api.offsets)
	}
}

func TestBot_UnauthorizedChatIgnored(t *testing.T) {
	api := &fakeAPI{batches: [][]Update{{textUpdate(100, 999, "let me in")}}}
	resp := &fakeResponder{reply: "should not happen"}

	runBot(t, api, resp, []int64{42})

	if len(resp.inputs) != 0 {
		t.Errorf("unauthorized message processed: %v", resp.inputs)
	}
	if len(api.sent) != 0 {
		t.Errorf("unauthorized chat got a reply: %v", api.sent)
	}
}

func TestBot_NewCommandResetsConversation(t *testing.T) {
	api := &fakeAPI{batches: [][]Update{{textUpdate(100, 42, "/new")}}}
	resp := &fakeResponder{}

	runBot(t, api, resp, nil)

	if len(resp.resets) != 1 || resp.resets[0] != 42 {
		t.Errorf("resets = %v", resp.resets)
	}
	if len(api.sent) != 1 || !strings.Contains(api.sent[0].Text, "new conversation") {
		t.Errorf("confirmation = %v", api.sent)
	}
	if len(resp.inputs) != 0 {
		t.Errorf("command forwarded to responder: %v", resp.inputs)
	}
}

func TestBot_CommandWithBotSuffix(t *testing.T) {
	api := &fakeAPI{batches: [][]Update{{textUpdate(100, 42, "/new@squire_bot")}}}
	resp := &fakeResponder{}

	runBot(t, api, resp, nil)

	if len(resp.resets) != 1 {
		t.Errorf("resets = %v", resp.resets)
	}
}

func TestBot_ProcessingErrorSendsApology(t *testing.T) {
	api := &fakeAPI{batches: [][]Update{{textUpdate(100, 42, "hi")}}}
	resp := &fakeResponder{err: errors.New("upstream down")}

	runBot(t, api, resp, nil)

	if len(api.sent) != 1 || !strings.Contains(api.sent[0].Text, "something went wrong") {
		t.Errorf("sent = %v", api.sent)
	}
	if api.sent[0].ParseMode != "" {
		t.Errorf("apology should be plain text: %+v", api.sent[0])
	}
}

func TestBot_HTMLRejectionFallsBackToPlain(t *testing.T) {
	api := &fakeAPI{
		batches:  [][]Update{{textUpdate(100, 42, "hi")}},
		htmlFail: true,
	}
	resp := &fakeResponder{reply: "**bold** statement"}

	runBot(t, api, resp, nil)

	if len(api.sent) != 1 {
		t.Fatalf("sent = %v", api.sent)
	}
	if api.sent[0].ParseMode != "" {
		t.Errorf("fallback should be plain text: %+v", api.sent[0])
	}
	if !strings.Contains(api.sent[0].Text, "bold statement") {
		t.Errorf("fallback text = %q", api.sent[0].Text)
	}
}

func TestBot_NonTextUpdatesSkipped(t *testing.T) {
	api := &fakeAPI{batches: [][]Update{{
		{UpdateID: 100},
		{UpdateID: 101, Message: &IncomingMessage{Chat: Chat{ID: 42}}},
	}}}
	resp := &fakeResponder{reply: "ok"}

	runBot(t, api, resp, nil)

	if len(resp.inputs) != 0 {
		t.Errorf("non-text updates processed: %v", resp.inputs)
	}
	if len(api.offsets) >= 2 && api.offsets[1] != 102 {
		t.Errorf("offset not advanced past skipped updates: %v", api.offsets)
	}
}
