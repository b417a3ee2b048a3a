package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordSender struct {
	name string
	err  error
	mu   sync.Mutex
	got  []string
}

func (r *recordSender) Send(_ context.Context, title, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, title)
	return r.err
}

func (r *recordSender) Name() string { return r.name }

func TestNotifier_FiltersEvents(t *testing.T) {
	s := &recordSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{EventSettlementFailed, " "}, nil)

	require.NoError(t, n.Notify(context.Background(), EventChannelOpened, "opened", ""))
	require.NoError(t, n.Notify(context.Background(), EventSettlementFailed, "failed", ""))
	require.Equal(t, []string{"failed"}, s.got)

	all := NewNotifier([]Sender{s}, nil, nil)
	require.NoError(t, all.Notify(context.Background(), EventChannelOpened, "opened", ""))
	require.Equal(t, []string{"failed", "opened"}, s.got)
}

func TestNotifier_OneFailureDoesNotStopOthers(t *testing.T) {
	boom := errors.New("boom")
	bad := &recordSender{name: "bad", err: boom}
	good := &recordSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, nil)

	err := n.Notify(context.Background(), EventMarketResolved, "t", "m")
	require.ErrorIs(t, err, boom)
	require.Len(t, good.got, 1)
}

func TestNotifier_Nil(t *testing.T) {
	var n *Notifier
	require.NoError(t, n.Notify(context.Background(), EventMarketResolved, "t", "m"))
}

func TestSenders_PostJSON(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
		body  map[string]string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		paths = append(paths, r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&body)
		if r.URL.Path == "/fail" {
			http.Error(w, "nope", http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	tg := NewTelegramSender("TOKEN", "42").WithBaseURL(srv.URL + "/")
	require.NoError(t, tg.Send(context.Background(), "Title", "body"))
	require.Equal(t, "/botTOKEN/sendMessage", paths[0])
	require.Equal(t, "42", body["chat_id"])
	require.Equal(t, "*Title*\nbody", body["text"])

	require.NoError(t, NewDiscordSender(srv.URL+"/hook").Send(context.Background(), "T", "b"))
	require.Equal(t, "**T**\nb", body["content"])

	err := NewDiscordSender(srv.URL+"/fail").Send(context.Background(), "T", "b")
	require.ErrorContains(t, err, "unexpected status 400")
}
