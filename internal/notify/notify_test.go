package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketsync/internal/stream"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type captured struct {
	path string
	body map[string]string
}

func captureServer(t *testing.T, status int) (*httptest.Server, func() []captured) {
	t.Helper()
	var (
		mu  sync.Mutex
		got []captured
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		got = append(got, captured{path: r.URL.Path, body: body})
		mu.Unlock()
		w.WriteHeader(status)
		w.Write([]byte("nope"))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []captured {
		mu.Lock()
		defer mu.Unlock()
		return append([]captured(nil), got...)
	}
}

func TestSenders(t *testing.T) {
	srv, got := captureServer(t, http.StatusNoContent)
	ctx := context.Background()

	require.NoError(t, NewDiscordSender(srv.URL+"/hook").Send(ctx, "Down", "lost"))
	require.NoError(t, NewTelegramSender(srv.URL+"/", "TOKEN", "42").Send(ctx, "Down", "lost"))

	calls := got()
	require.Len(t, calls, 2)
	assert.Equal(t, "/hook", calls[0].path)
	assert.Equal(t, "**Down**\nlost", calls[0].body["content"])
	assert.Equal(t, "/botTOKEN/sendMessage", calls[1].path)
	assert.Equal(t, "42", calls[1].body["chat_id"])
	assert.Equal(t, "*Down*\nlost", calls[1].body["text"])
}

func TestSenderStatusError(t *testing.T) {
	srv, _ := captureServer(t, http.StatusBadGateway)
	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discord: unexpected status 502: nope")
}

type fakeSender struct {
	name string
	err  error

	mu    sync.Mutex
	sends []string
}

func (f *fakeSender) Send(_ context.Context, title, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, title)
	return f.err
}

func (f *fakeSender) Name() string { return f.name }

func (f *fakeSender) titles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sends...)
}

func TestNotifierFiltersEvents(t *testing.T) {
	s := &fakeSender{name: "fake"}
	n := NewNotifier([]Sender{s}, []string{EventUpstreamDown, " "}, quiet)
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, EventUpstreamDown, "down", ""))
	require.NoError(t, n.Notify(ctx, EventUpstreamRecovered, "up", ""))
	assert.Equal(t, []string{"down"}, s.titles())
	assert.True(t, n.Enabled())
	assert.False(t, NewNotifier(nil, nil, quiet).Enabled())
}

func TestNotifierContinuesPastFailures(t *testing.T) {
	bad := &fakeSender{name: "bad", err: errors.New("boom")}
	good := &fakeSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, quiet)

	err := n.Notify(context.Background(), EventUpstreamDown, "down", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 sender(s) failed")
	assert.Equal(t, []string{"down"}, good.titles())
}

func runAlerter(t *testing.T, after time.Duration) (*ConnectivityAlerter, *fakeSender) {
	t.Helper()
	s := &fakeSender{name: "fake"}
	a := NewConnectivityAlerter(NewNotifier([]Sender{s}, nil, quiet), "backend", after, quiet)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return a, s
}

func TestAlerterIgnoresShortOutage(t *testing.T) {
	a, s := runAlerter(t, 200*time.Millisecond)

	a.Observe(stream.StateConnected)
	a.Observe(stream.StateDisconnected)
	a.Observe(stream.StateConnecting)
	a.Observe(stream.StateConnected)

	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, s.titles())
}

func TestAlerterReportsLongOutageOnce(t *testing.T) {
	a, s := runAlerter(t, 20*time.Millisecond)

	a.Observe(stream.StateDisconnected)
	a.Observe(stream.StateConnecting)
	a.Observe(stream.StateDisconnected)

	require.Eventually(t, func() bool { return len(s.titles()) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"backend down"}, s.titles(), "repeated failures raise one alert")

	a.Observe(stream.StateConnected)
	require.Eventually(t, func() bool { return len(s.titles()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "backend recovered", s.titles()[1])
}
