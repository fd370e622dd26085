package router

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	kit "animebot/internal/transport"
	logx "animebot/pkg/logx"
)

type sent struct {
	chatID int64
	text   string
}

type fakeAdapter struct {
	mu      sync.Mutex
	sent    []sent
	answers []string
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }

func (f *fakeAdapter) SendText(_ context.Context, chatID int64, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{chatID, text})
	return kit.MessageRef{ChatID: chatID}, nil
}

func (f *fakeAdapter) AnswerCallback(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, text)
	return nil
}

func (f *fakeAdapter) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, s := range f.sent {
		out = append(out, s.text)
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSplitCommand(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in, word, rest string
		ok             bool
	}{
		{"/reminder 1700000000000 - feed cat", "reminder", "1700000000000 - feed cat", true},
		{"/Notify@anime_bot", "notify", "", true},
		{"  /cancel   custom:1:7 ", "cancel", "custom:1:7", true},
		{"hello", "", "", false},
		{"/", "", "", false},
	}
	for _, tc := range cases {
		w, r, ok := splitCommand(tc.in)
		if w != tc.word || r != tc.rest || ok != tc.ok {
			t.Fatalf("splitCommand(%q) = %q, %q, %v", tc.in, w, r, ok)
		}
	}
}

func TestTokenize(t *testing.T) {
	t.Parallel()
	got := tokenize(`42 "2024-03-01 10:00" 'a b'`)
	want := []string{"42", "2024-03-01 10:00", "a b"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("tokenize=%q, want %q", got, want)
	}
}

func TestSanitizeTelegramCommand(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"remind-anime": "remind_anime",
		"MyJobs":       "myjobs",
		"9lives":       "cmd_9lives",
		"  ":           "",
	}
	for in, want := range cases {
		if got := sanitizeTelegramCommand(in); got != want {
			t.Fatalf("sanitize(%q)=%q, want %q", in, got, want)
		}
	}
}

func startManager(t *testing.T, cmds []Command, cbs []CallbackRoute) (*fakeAdapter, chan kit.Update) {
	t.Helper()
	ad := &fakeAdapter{}
	m := NewManager(logx.Nop(), ad, []int64{1})
	ctx, cancel := context.WithCancel(context.Background())
	m.SetRegistry(ctx, cmds, cbs)
	updates := make(chan kit.Update, 8)
	done := make(chan struct{})
	go func() {
		_ = m.DispatchLoop(ctx, updates)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ad, updates
}

func message(from int64, group bool, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: from, FromID: from, IsGroup: group, Text: text}}
}

func TestRoutesCommandsAndAliases(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var got []string
	echo := func(ctx context.Context, req *Request) error {
		mu.Lock()
		got = append(got, req.Command+"|"+req.Text)
		mu.Unlock()
		return nil
	}
	_, updates := startManager(t, []Command{{Name: "myreminders", Aliases: []string{"myjobs"}, Handle: echo}}, nil)

	updates <- message(5, false, "/myjobs")
	updates <- message(5, false, "/myreminders extra words")
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	want := map[string]bool{"myreminders|": true, "myreminders|extra words": true}
	for _, g := range got {
		if !want[g] {
			t.Fatalf("unexpected dispatch %q", g)
		}
	}
}

func TestAccessAndGroupGuards(t *testing.T) {
	t.Parallel()
	called := make(chan string, 4)
	h := func(name string) HandlerFunc {
		return func(context.Context, *Request) error { called <- name; return nil }
	}
	ad, updates := startManager(t, []Command{
		{Name: "status", Access: AccessOwnerOnly, Handle: h("status")},
		{Name: "notify", GroupOnly: true, Handle: h("notify")},
	}, nil)

	updates <- message(5, false, "/status")
	updates <- message(5, false, "/notify")
	waitFor(t, func() bool { return len(ad.texts()) == 2 })
	if len(called) != 0 {
		t.Fatalf("guarded handler ran: %s", <-called)
	}

	updates <- message(1, false, "/status")
	updates <- message(5, true, "/notify")
	waitFor(t, func() bool { return len(called) == 2 })
}

func TestCallbackPrefixRouting(t *testing.T) {
	t.Parallel()
	payloads := make(chan string, 1)
	ad, updates := startManager(t, nil, []CallbackRoute{{
		Prefix: "cancel",
		Handle: func(_ context.Context, req *Request) error {
			payloads <- req.Payload
			return nil
		},
	}})

	updates <- kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "q", FromID: 7, ChatID: 7, Data: "cancel:custom:1700000000000:7"}}
	select {
	case p := <-payloads:
		if p != "custom:1700000000000:7" {
			t.Fatalf("payload=%q", p)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("callback not routed")
	}
	waitFor(t, func() bool {
		ad.mu.Lock()
		defer ad.mu.Unlock()
		return len(ad.answers) == 1
	})
}
