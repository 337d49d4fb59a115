package broadcast

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/canvasmate/internal/canvas"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeConn struct {
	mu       sync.Mutex
	messages [][]byte
	got      chan struct{}
	block    chan struct{}
	failWith error
	closed   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{got: make(chan struct{}, 64)}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return c.failWith
	}
	c.messages = append(c.messages, data)
	c.got <- struct{}{}
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) wait(t *testing.T) {
	t.Helper()
	select {
	case <-c.got:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func (c *fakeConn) events(t *testing.T) []Event {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, 0, len(c.messages))
	for _, m := range c.messages {
		var raw struct {
			Event   string            `json:"event"`
			BoardID string            `json:"board_id"`
			Payload []json.RawMessage `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(m, &raw))
		ev := Event{Event: raw.Event, BoardID: raw.BoardID}
		for _, p := range raw.Payload {
			el, err := canvas.DecodeElement(p)
			require.NoError(t, err)
			ev.Payload = append(ev.Payload, el)
		}
		out = append(out, ev)
	}
	return out
}

func shape(id string) canvas.Element {
	return &canvas.ShapeElement{Base: canvas.Base{ID: id, Type: canvas.TypeRectangle, Width: 100, Height: 100, GroupIDs: []string{}}}
}

func TestPublishReachesOnlyThatBoard(t *testing.T) {
	h := NewHub(Options{})
	defer h.Close()

	a1, a2, b := newFakeConn(), newFakeConn(), newFakeConn()
	for _, j := range []struct {
		board string
		conn  *fakeConn
	}{{"a", a1}, {"a", a2}, {"b", b}} {
		_, err := h.Join(j.board, j.conn)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, h.Subscribers("a"))

	require.NoError(t, h.Publish("a", []canvas.Element{shape("el-1"), shape("el-2")}))
	a1.wait(t)
	a2.wait(t)

	for _, c := range []*fakeConn{a1, a2} {
		evs := c.events(t)
		require.Len(t, evs, 1)
		assert.Equal(t, EventAIElementsAdded, evs[0].Event)
		assert.Equal(t, "a", evs[0].BoardID)
		assert.Equal(t, []string{"el-1", "el-2"}, canvas.IDs(evs[0].Payload))
	}
	assert.Empty(t, b.events(t))
}

func TestPublishWithoutSubscribersIsFine(t *testing.T) {
	h := NewHub(Options{})
	defer h.Close()
	assert.NoError(t, h.Publish("nobody", nil))
}

func TestSlowViewerDropsInsteadOfBlocking(t *testing.T) {
	h := NewHub(Options{SendBuffer: 1})
	slow := newFakeConn()
	slow.block = make(chan struct{})
	fast := newFakeConn()

	_, err := h.Join("a", slow)
	require.NoError(t, err)
	_, err = h.Join("a", fast)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			h.Publish("a", []canvas.Element{shape("x")})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow viewer")
	}

	close(slow.block)
	h.Close()
	assert.Less(t, len(slow.events(t)), 5)
}

func TestWriteFailureRemovesViewer(t *testing.T) {
	h := NewHub(Options{})
	defer h.Close()

	broken := newFakeConn()
	broken.failWith = errors.New("broken pipe")
	_, err := h.Join("a", broken)
	require.NoError(t, err)

	require.NoError(t, h.Publish("a", []canvas.Element{shape("x")}))
	assert.Eventually(t, func() bool { return h.Subscribers("a") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestLeaveIsIdempotent(t *testing.T) {
	h := NewHub(Options{})
	defer h.Close()

	sub, err := h.Join("a", newFakeConn())
	require.NoError(t, err)
	sub.Leave()
	sub.Leave()
	assert.Equal(t, 0, h.Subscribers("a"))
}

func TestClosedHub(t *testing.T) {
	h := NewHub(Options{})
	c := newFakeConn()
	_, err := h.Join("a", c)
	require.NoError(t, err)

	h.Close()
	h.Close()

	c.mu.Lock()
	assert.True(t, c.closed)
	c.mu.Unlock()

	_, err = h.Join("a", newFakeConn())
	assert.ErrorIs(t, err, ErrHubClosed)
	err = h.Publish("a", nil)
	assert.ErrorIs(t, err, canvas.ErrBroadcast)
}

func TestServeWSRoundTrip(t *testing.T) {
	h := NewHub(Options{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(w, r, r.URL.Query().Get("boardId"))
	}))
	defer srv.Close()
	defer h.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?boardId=room"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.Subscribers("room") == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, h.Publish("room", []canvas.Element{shape("el-9")}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"event":"ai-elements-added"`)
	assert.Contains(t, string(data), `"id":"el-9"`)

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	assert.Eventually(t, func() bool { return h.Subscribers("room") == 0 }, 2*time.Second, 10*time.Millisecond)
}
