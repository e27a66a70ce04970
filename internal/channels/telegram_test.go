package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// Compile-time interface check: TelegramChannel must implement Channel.
var _ Channel = (*TelegramChannel)(nil)

type handlerFunc func(ctx context.Context, in Inbound)

func (f handlerFunc) Handle(ctx context.Context, in Inbound) { f(ctx, in) }

const testToken = "123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw"

type botCall struct {
	Method string
	Form   map[string]string
}

// fakeBotAPI serves the subset of the Bot API the channel uses.
type fakeBotAPI struct {
	mu           sync.Mutex
	calls        []botCall
	unauthorized bool
	rejectMD     bool
	updates      []string
	served       bool
}

func (f *fakeBotAPI) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/bot"+testToken+"/") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		form := map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}

		f.mu.Lock()
		f.calls = append(f.calls, botCall{Method: method, Form: form})
		unauthorized, rejectMD := f.unauthorized, f.rejectMD
		var batch []string
		if method == "getUpdates" && !f.served {
			batch, f.served = f.updates, true
		}
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch {
		case unauthorized:
			_, _ = fmt.Fprint(w, `{"ok":false,"error_code":401,"description":"Unauthorized"}`)
		case method == "getMe":
			_, _ = fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Bot","username":"nanofleet_bot"}}`)
		case method == "sendMessage" && rejectMD && form["parse_mode"] != "":
			_, _ = fmt.Fprint(w, `{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities: Can't find end of the entity"}`)
		case method == "sendMessage", method == "editMessageText":
			_, _ = fmt.Fprintf(w, `{"ok":true,"result":{"message_id":77,"date":0,"chat":{"id":%s,"type":"private"},"text":%q}}`, form["chat_id"], form["text"])
		case method == "sendChatAction":
			_, _ = fmt.Fprint(w, `{"ok":true,"result":true}`)
		case method == "getUpdates":
			if len(batch) == 0 {
				time.Sleep(20 * time.Millisecond)
			}
			_, _ = fmt.Fprintf(w, `{"ok":true,"result":[%s]}`, strings.Join(batch, ","))
		default:
			_, _ = fmt.Fprint(w, `{"ok":false,"error_code":404,"description":"Not Found"}`)
		}
	}
}

func (f *fakeBotAPI) callsFor(method string) []botCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []botCall
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func newTestTelegram(t *testing.T, api *fakeBotAPI) *TelegramChannel {
	t.Helper()
	ts := httptest.NewServer(api.handler(t))
	t.Cleanup(ts.Close)
	ch := NewTelegramChannel(TelegramOptions{
		Token:       testToken,
		APIEndpoint: ts.URL + "/bot%s/%s",
		PollTimeout: 1,
		HTTPClient:  ts.Client(),
	})
	ch.retryInitial = 10 * time.Millisecond
	ch.retryMax = 50 * time.Millisecond
	return ch
}

func TestTelegramChannel_Name(t *testing.T) {
	ch := NewTelegramChannel(TelegramOptions{Token: "fake-token"})
	if got := ch.Name(); got != "telegram" {
		t.Fatalf("TelegramChannel.Name() = %q, want %q", got, "telegram")
	}
}

func TestTelegramChannel_ConnectInvalidToken(t *testing.T) {
	ch := newTestTelegram(t, &fakeBotAPI{unauthorized: true})
	err := ch.Connect()
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestTelegramChannel_StartBeforeConnect(t *testing.T) {
	ch := NewTelegramChannel(TelegramOptions{Token: "fake-token"})
	if err := ch.Start(context.Background(), handlerFunc(func(context.Context, Inbound) {})); err == nil {
		t.Fatal("expected error when not connected")
	}
}

func TestTelegramChannel_SendMarkdownFallsBackToPlain(t *testing.T) {
	api := &fakeBotAPI{rejectMD: true}
	ch := newTestTelegram(t, api)
	if err := ch.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	id, err := ch.Send(42, "*unbalanced", FormatMarkdown)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id != 77 {
		t.Fatalf("message id = %d, want 77", id)
	}
	sends := api.callsFor("sendMessage")
	if len(sends) != 2 {
		t.Fatalf("sendMessage calls = %d, want 2", len(sends))
	}
	if sends[0].Form["parse_mode"] != "Markdown" || sends[1].Form["parse_mode"] != "" {
		t.Fatalf("parse modes = %q then %q", sends[0].Form["parse_mode"], sends[1].Form["parse_mode"])
	}
	if sends[1].Form["text"] != "*unbalanced" || sends[1].Form["chat_id"] != "42" {
		t.Fatalf("fallback form = %v", sends[1].Form)
	}
}

func TestTelegramChannel_PlainSendHasNoParseMode(t *testing.T) {
	api := &fakeBotAPI{}
	ch := newTestTelegram(t, api)
	if err := ch.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := ch.Send(42, "hello", FormatPlain); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sends := api.callsFor("sendMessage"); len(sends) != 1 || sends[0].Form["parse_mode"] != "" {
		t.Fatalf("sends = %+v", sends)
	}
}

func TestTelegramChannel_EditAndTyping(t *testing.T) {
	api := &fakeBotAPI{}
	ch := newTestTelegram(t, api)
	if err := ch.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := ch.Edit(42, 77, "updated"); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if err := ch.Typing(42); err != nil {
		t.Fatalf("Typing: %v", err)
	}
	edits := api.callsFor("editMessageText")
	if len(edits) != 1 || edits[0].Form["message_id"] != "77" || edits[0].Form["text"] != "updated" {
		t.Fatalf("edits = %+v", edits)
	}
	actions := api.callsFor("sendChatAction")
	if len(actions) != 1 || actions[0].Form["action"] != "typing" {
		t.Fatalf("actions = %+v", actions)
	}
}

func TestTelegramChannel_StartDeliversMessagesUntilStop(t *testing.T) {
	update := func(id int, fromJSON, text string) string {
		b, _ := json.Marshal(text)
		from := ""
		if fromJSON != "" {
			from = `"from":` + fromJSON + `,`
		}
		return fmt.Sprintf(`{"update_id":%d,"message":{"message_id":%d,%s"date":0,"chat":{"id":42,"type":"private"},"text":%s}}`, id, id, from, b)
	}
	api := &fakeBotAPI{updates: []string{
		update(10, `{"id":42,"is_bot":false,"first_name":"A","username":"alice"}`, "hello"),
		update(11, "", "no sender"),
	}}
	ch := newTestTelegram(t, api)
	if err := ch.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	got := make(chan Inbound, 4)
	done := make(chan error, 1)
	go func() {
		done <- ch.Start(context.Background(), handlerFunc(func(_ context.Context, in Inbound) {
			got <- in
		}))
	}()

	var received []Inbound
	for len(received) < 2 {
		select {
		case in := <-got:
			received = append(received, in)
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out, received %+v", received)
		}
	}
	if received[0].UserID != 42 || !received[0].HasSender || received[0].Text != "hello" || received[0].UserName != "alice" {
		t.Fatalf("first inbound = %+v", received[0])
	}
	if received[1].HasSender || received[1].ChatID != 42 {
		t.Fatalf("second inbound = %+v", received[1])
	}

	ch.Stop()
	ch.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after Stop")
	}

	polls := api.callsFor("getUpdates")
	if len(polls) < 2 || polls[1].Form["offset"] != "12" {
		t.Fatalf("offset not advanced past delivered updates: %+v", polls)
	}
}

func TestTelegramChannel_CancelDuringHandleLetsReplyFinish(t *testing.T) {
	api := &fakeBotAPI{updates: []string{
		`{"update_id":5,"message":{"message_id":5,"from":{"id":42,"is_bot":false,"first_name":"A"},"date":0,"chat":{"id":42,"type":"private"},"text":"slow question"}}`,
	}}
	ch := newTestTelegram(t, api)
	if err := ch.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	entered := make(chan struct{})
	release := make(chan struct{})
	handleErr := make(chan error, 1)
	done := make(chan error, 1)
	go func() {
		done <- ch.Start(ctx, handlerFunc(func(hctx context.Context, in Inbound) {
			close(entered)
			<-release
			handleErr <- hctx.Err()
			_, _ = ch.Send(in.ChatID, "answer", FormatPlain)
		}))
	}()

	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatal("handler was not called")
	}
	cancel()
	time.Sleep(50 * time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("Start returned %v while a reply was still in progress", err)
	default:
	}
	close(release)

	if err := <-handleErr; err != nil {
		t.Fatalf("handler context canceled by shutdown: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after the handler finished")
	}
	sends := api.callsFor("sendMessage")
	if len(sends) != 1 || sends[0].Form["text"] != "answer" {
		t.Fatalf("sendMessage calls = %+v", sends)
	}
}

func TestIsEntityParseError(t *testing.T) {
	if isEntityParseError(errors.New("can't parse entities")) {
		t.Fatal("plain errors are not API errors")
	}
}

func TestRedactedErrorHidesToken(t *testing.T) {
	err := redactedError{err: fmt.Errorf(`Post "https://api.telegram.org/bot%s/getUpdates": EOF`, testToken)}
	if strings.Contains(err.Error(), "AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw") {
		t.Fatalf("token leaked: %s", err)
	}
}
