package gateway

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qaia/internal/bus"
)

type fakeController struct {
	mu      sync.Mutex
	texts   []string
	started int
	stopped int
}

func (f *fakeController) SendText(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
}

func (f *fakeController) StartCapture() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	return nil
}

func (f *fakeController) StopCapture() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
}

func dialTestServer(t *testing.T, b *bus.Bus, ctrl Controller) (*Server, *ws.Conn) {
	t.Helper()

	gw := NewServer(b, ctrl)
	ts := httptest.NewServer(gw)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// Registration happens just after the handshake; give it a beat.
	time.Sleep(50 * time.Millisecond)
	return gw, conn
}

func TestBusEventsForwardedAsFrames(t *testing.T) {
	b := bus.New()
	defer b.Stop()

	_, conn := dialTestServer(t, b, &fakeController{})

	require.NoError(t, b.Publish(bus.TopicToken, map[string]string{"text": "Bonjour"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame Frame
	require.NoError(t, json.Unmarshal(raw, &frame))
	assert.Equal(t, bus.TopicToken, frame.Topic)
	assert.Contains(t, string(raw), "Bonjour")
}

func TestInboundCommandsDispatch(t *testing.T) {
	b := bus.New()
	defer b.Stop()

	ctrl := &fakeController{}
	_, conn := dialTestServer(t, b, ctrl)

	for _, msg := range []string{
		`{"cmd":"send_text","text":"salut"}`,
		`{"cmd":"start_capture"}`,
		`{"cmd":"stop_capture"}`,
		`{"cmd":"unknown_thing"}`,
	} {
		require.NoError(t, conn.WriteMessage(ws.TextMessage, []byte(msg)))
	}

	assert.Eventually(t, func() bool {
		ctrl.mu.Lock()
		defer ctrl.mu.Unlock()
		return len(ctrl.texts) == 1 && ctrl.started == 1 && ctrl.stopped == 1
	}, 2*time.Second, 10*time.Millisecond)

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	assert.Equal(t, []string{"salut"}, ctrl.texts)
}

func TestSlowClientDoesNotBlockBroadcast(t *testing.T) {
	b := bus.New()
	defer b.Stop()

	gw, _ := dialTestServer(t, b, &fakeController{})

	// Overflow one client's backlog; broadcast must keep returning.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < clientBacklog*3; i++ {
			gw.broadcast(Frame{Topic: bus.TopicLogMessage})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a slow client")
	}
}
