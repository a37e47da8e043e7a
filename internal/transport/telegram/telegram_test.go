package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "archrvbot/internal/transport"
	logx "archrvbot/pkg/logx"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		kind  kit.FailureKind
		retry time.Duration
	}{
		{"flood with wait", &tele.Error{Code: 429, Description: "Too Many Requests: retry after 7"}, kit.FailureRateLimited, 7 * time.Second},
		{"flood without wait", &tele.Error{Code: 429, Description: "Too Many Requests"}, kit.FailureRateLimited, 0},
		{"reply missing", &tele.Error{Code: 400, Description: "Bad Request: reply message not found"}, kit.FailureReplyTargetMissing, 0},
		{"reply missing v2", &tele.Error{Code: 400, Description: "Bad Request: message to be replied not found"}, kit.FailureReplyTargetMissing, 0},
		{"bad markup", &tele.Error{Code: 400, Description: "Bad Request: can't parse entities: Character '.' is reserved"}, kit.FailureFormattingRejected, 0},
		{"edit missing", &tele.Error{Code: 400, Description: "Bad Request: message to edit not found"}, kit.FailureMessageMissing, 0},
		{"delete missing", &tele.Error{Code: 400, Description: "Bad Request: message to delete not found"}, kit.FailureMessageMissing, 0},
		{"forbidden", &tele.Error{Code: 403, Description: "Forbidden: bot was kicked"}, kit.FailureOther, 0},
		{"network", errors.New("dial tcp: timeout"), kit.FailureOther, 0},
		{"plain reply missing", fmt.Errorf("telegram: Bad Request: message to be replied not found (400)"), kit.FailureReplyTargetMissing, 0},
		{"plain bad markup", fmt.Errorf("telegram: Bad Request: can't parse entities: Can't find end of the entity starting at byte offset 4 (400)"), kit.FailureFormattingRejected, 0},
		{"plain edit missing", fmt.Errorf("telegram: Bad Request: message to edit not found (400)"), kit.FailureMessageMissing, 0},
		{"plain forbidden", fmt.Errorf("telegram: Forbidden: bot is not a member of the channel chat (403)"), kit.FailureOther, 0},
		{"wrapped", fmt.Errorf("telebot: %w", &tele.Error{Code: 429, Description: "Too Many Requests: retry after 3"}), kit.FailureRateLimited, 3 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classify(tc.err)
			if got := kit.KindOf(err); got != tc.kind {
				t.Fatalf("kind = %v, want %v", got, tc.kind)
			}
			if !errors.Is(err, tc.err) {
				t.Fatal("classified error must wrap the original")
			}
			if tc.kind == kit.FailureRateLimited {
				if got, _ := kit.RetryAfterOf(err); got != tc.retry {
					t.Fatalf("retry after = %s, want %s", got, tc.retry)
				}
			}
		})
	}
	if classify(nil) != nil {
		t.Fatal("nil must stay nil")
	}
}

func TestSendOptions(t *testing.T) {
	to := kit.ChatTarget{ChatID: -100, ThreadID: 12}

	so := sendOptions(to, kit.SendOptions{})
	if so.ParseMode != tele.ModeDefault || !so.DisableNotification || so.ReplyTo != nil || so.ThreadID != 12 {
		t.Fatalf("unexpected defaults: %+v", so)
	}

	so = sendOptions(to, kit.SendOptions{Formatting: kit.FormattingRich, Notify: true, ReplyTo: 5, DisablePreview: true})
	if so.ParseMode != tele.ModeMarkdownV2 || so.DisableNotification || !so.DisableWebPagePreview {
		t.Fatalf("unexpected options: %+v", so)
	}
	if so.ReplyTo == nil || so.ReplyTo.ID != 5 || so.ReplyTo.Chat.ID != -100 {
		t.Fatalf("unexpected reply reference: %+v", so.ReplyTo)
	}

	if got := parseMode(kit.FormattingSafe); got != tele.ModeMarkdown {
		t.Fatalf("safe formatting = %q", got)
	}
}

func TestUpdateFromMessage(t *testing.T) {
	if _, ok := updateFromMessage(nil); ok {
		t.Fatal("nil message must be ignored")
	}
	m := &tele.Message{
		ID:       3,
		Text:     "/ping",
		ThreadID: 8,
		Chat:     &tele.Chat{ID: -1001, Title: "archrv"},
		Sender:   &tele.User{ID: 42, Username: "alice"},
	}
	up, ok := updateFromMessage(m)
	if !ok || up.Kind != kit.UpdateMessage {
		t.Fatalf("unexpected update: %+v", up)
	}
	got := *up.Message
	want := kit.Message{ID: 3, ChatID: -1001, ThreadID: 8, ChatTitle: "archrv", FromID: 42, FromUsername: "alice", Text: "/ping"}
	if got != want {
		t.Fatalf("message = %+v, want %+v", got, want)
	}
}

// fakeBotAPI answers Bot API calls the way the public server does for the
// error paths the dispatcher reacts to.
type fakeBotAPI struct{}

func (fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	var params map[string]any
	_ = json.NewDecoder(r.Body).Decode(&params)

	w.Header().Set("Content-Type", "application/json")
	fail := func(code int, desc string) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error_code": code, "description": desc})
	}
	switch method {
	case "getMe":
		_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"bot","username":"test_bot"}}`))
	case "sendMessage":
		switch {
		case params["reply_to_message_id"] != nil:
			fail(400, "Bad Request: message to be replied not found")
		case params["parse_mode"] != nil:
			fail(400, "Bad Request: can't parse entities: Can't find end of the entity starting at byte offset 4")
		default:
			_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":42,"date":0,"chat":{"id":100,"type":"private"}}}`))
		}
	case "editMessageText":
		fail(400, "Bad Request: message to edit not found")
	case "deleteMessage":
		fail(400, "Bad Request: message to delete not found")
	default:
		fail(404, "Not Found")
	}
}

func newFakeAdapter(t *testing.T) *Adapter {
	t.Helper()
	srv := httptest.NewServer(fakeBotAPI{})
	t.Cleanup(srv.Close)
	a, err := New(Config{Token: "123:abc", APIURL: srv.URL, HTTPTimeout: 5 * time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return a
}

func TestAdapterAgainstBotAPI(t *testing.T) {
	a := newFakeAdapter(t)
	ctx := context.Background()
	to := kit.ChatTarget{ChatID: 100}

	if a.Username() != "test_bot" {
		t.Fatalf("username = %q", a.Username())
	}

	ref, err := a.Deliver(ctx, to, "hello", kit.SendOptions{})
	if err != nil {
		t.Fatalf("plain deliver: %v", err)
	}
	if ref.MessageID != 42 || ref.ChatID != 100 {
		t.Fatalf("unexpected ref: %+v", ref)
	}

	_, err = a.Deliver(ctx, to, "hello", kit.SendOptions{ReplyTo: 7})
	if got := kit.KindOf(err); got != kit.FailureReplyTargetMissing {
		t.Fatalf("reply deliver kind = %v (%v)", got, err)
	}

	_, err = a.Deliver(ctx, to, "*bold", kit.SendOptions{Formatting: kit.FormattingRich})
	if got := kit.KindOf(err); got != kit.FailureFormattingRejected {
		t.Fatalf("rich deliver kind = %v (%v)", got, err)
	}

	err = a.EditText(ctx, kit.MessageRef{ChatID: 100, MessageID: 9}, "edited")
	if got := kit.KindOf(err); got != kit.FailureMessageMissing {
		t.Fatalf("edit kind = %v (%v)", got, err)
	}

	err = a.DeleteMessage(ctx, kit.MessageRef{ChatID: 100, MessageID: 9})
	if got := kit.KindOf(err); got != kit.FailureMessageMissing {
		t.Fatalf("delete kind = %v (%v)", got, err)
	}
}
