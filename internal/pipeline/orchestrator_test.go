package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canvasmate/internal/canvas"
	"github.com/canvasmate/internal/llm"
	"github.com/canvasmate/internal/scene"
	"github.com/canvasmate/internal/store"
)

type recordingPublisher struct {
	mu     sync.Mutex
	boards []string
	events [][]canvas.Element
	err    error
}

func (p *recordingPublisher) Publish(boardID string, elements []canvas.Element) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.boards = append(p.boards, boardID)
	p.events = append(p.events, elements)
	return p.err
}

type fakeVision struct {
	reply        string
	err          error
	sceneContext string
	image        []byte
}

func (f *fakeVision) GenerateVision(_ context.Context, _ string, image []byte, sceneContext string) (string, error) {
	f.image = image
	f.sceneContext = sceneContext
	return f.reply, f.err
}

func testNormalizer() *canvas.Normalizer {
	n := 0
	var mu sync.Mutex
	return &canvas.Normalizer{
		NewID: func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("el-%d", n)
		},
		Now:  func() time.Time { return time.UnixMilli(1700000000000) },
		Seed: func() int64 { return 1 },
	}
}

func newOrchestrator(s store.Store, pub Publisher, model VisionModel) *Orchestrator {
	mgr := scene.NewManager(s, testNormalizer(), scene.Options{})
	return New(llm.Interpreter{RepairJSON: true}, mgr, pub, model, Options{})
}

const gatewayReply = "Sure, here you go:\n```json\n" + `{
  "explanation": "Added a gateway with a label and an arrow.",
  "actions": [
    {"action": "addShape", "element": {"type": "rectangle", "x": 100, "y": 100, "width": 200, "height": 80}},
    {"action": "addText", "element": {"x": 120, "y": 130, "text": "API Gateway", "fontSize": 16}},
    {"action": "addArrow", "element": {"x": 300, "y": 140, "points": [[0, 0], [150, 0]]}}
  ]
}` + "\n```"

func TestRunTurnEndToEnd(t *testing.T) {
	s := store.NewMemoryStore()
	pub := &recordingPublisher{}
	o := newOrchestrator(s, pub, nil)

	res, err := o.RunTurn(context.Background(), "main", gatewayReply)
	require.NoError(t, err)

	assert.NotEmpty(t, res.TurnID)
	assert.Equal(t, "Added a gateway with a label and an arrow.", res.Explanation)
	require.Len(t, res.Added, 3)
	assert.Equal(t, []string{"el-1", "el-2", "el-3"}, canvas.IDs(res.Scene))

	require.Len(t, pub.events, 1, "exactly one event per turn")
	assert.Equal(t, "main", pub.boards[0])
	assert.Equal(t, canvas.IDs(res.Added), canvas.IDs(pub.events[0]))

	elements, aiIDs, err := o.Scene(context.Background(), "main")
	require.NoError(t, err)
	assert.Len(t, elements, 3)
	assert.ElementsMatch(t, []string{"el-1", "el-2", "el-3"}, aiIDs)
}

func TestRunTurnPublishesOnlyTheDelta(t *testing.T) {
	pub := &recordingPublisher{}
	o := newOrchestrator(store.NewMemoryStore(), pub, nil)

	_, err := o.RunTurn(context.Background(), "b", `{"actions":[{"action":"addShape"}]}`)
	require.NoError(t, err)
	res, err := o.RunTurn(context.Background(), "b", `{"actions":[{"action":"addText","element":{"text":"x"}}]}`)
	require.NoError(t, err)

	assert.Len(t, res.Scene, 2)
	require.Len(t, pub.events, 2)
	assert.Equal(t, []string{"el-2"}, canvas.IDs(pub.events[1]))
}

func TestRunTurnInvalidOutputShortCircuits(t *testing.T) {
	s := store.NewMemoryStore()
	pub := &recordingPublisher{}
	o := newOrchestrator(s, pub, nil)

	_, err := o.RunTurn(context.Background(), "b", "I cannot draw that, sorry.")
	require.Error(t, err)
	assert.True(t, errors.Is(err, canvas.ErrInvalidModelOutput))
	assert.Empty(t, pub.events)

	got, err := s.Get(context.Background(), store.SceneKey("b"))
	require.NoError(t, err)
	assert.False(t, got.Found, "nothing persisted")
}

type brokenStore struct{ store.Store }

func (brokenStore) Get(context.Context, string) (store.Versioned, error) {
	return store.Versioned{}, errors.New("connection refused")
}

func TestRunTurnPersistenceFailureSkipsBroadcast(t *testing.T) {
	pub := &recordingPublisher{}
	o := newOrchestrator(brokenStore{store.NewMemoryStore()}, pub, nil)

	_, err := o.RunTurn(context.Background(), "b", `{"actions":[{"action":"addShape"}]}`)
	require.Error(t, err)
	assert.True(t, errors.Is(err, canvas.ErrPersistence))
	assert.Empty(t, pub.events)
}

func TestRunTurnBroadcastFailureKeepsResult(t *testing.T) {
	s := store.NewMemoryStore()
	pub := &recordingPublisher{err: fmt.Errorf("%w: hub closed", canvas.ErrBroadcast)}
	o := newOrchestrator(s, pub, nil)

	res, err := o.RunTurn(context.Background(), "b", `{"actions":[{"action":"addShape"}]}`)
	require.NoError(t, err)
	assert.Len(t, res.Scene, 1)

	persisted, _, err := o.Scene(context.Background(), "b")
	require.NoError(t, err)
	assert.Len(t, persisted, 1)
}

func TestRunTurnReportsSkippedActions(t *testing.T) {
	o := newOrchestrator(store.NewMemoryStore(), &recordingPublisher{}, nil)

	res, err := o.RunTurn(context.Background(), "b", `{"explanation":"mixed","actions":[
		{"action":"addShape"},
		{"action":"rotate"}
	]}`)
	require.NoError(t, err)
	assert.Len(t, res.Added, 1)
	require.Len(t, res.Skipped, 1)

	body, err := json.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"skipped":[{"index":1,"action":"rotate","reason":"unknown action: \"rotate\""}]`)
}

func TestRunTurnWritesTurnLog(t *testing.T) {
	dir := t.TempDir()
	mgr := scene.NewManager(store.NewMemoryStore(), testNormalizer(), scene.Options{})
	o := New(llm.Interpreter{}, mgr, nil, nil, Options{TurnLogDir: dir})

	_, err := o.RunTurn(context.Background(), "b", `{"actions":[]}`)
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAnalyzeBuildsSceneContext(t *testing.T) {
	s := store.NewMemoryStore()
	model := &fakeVision{reply: `{"explanation":"one more","actions":[{"action":"addShape"}]}`}
	o := newOrchestrator(s, &recordingPublisher{}, model)
	ctx := context.Background()

	res, err := o.Analyze(ctx, AnalyzeRequest{BoardID: "b", Prompt: "help", ImagePNG: []byte("png")})
	require.NoError(t, err)
	assert.Equal(t, "The canvas is empty. This is the first drawing action.", model.sceneContext)
	assert.Equal(t, []byte("png"), model.image)
	assert.Len(t, res.Scene, 1)

	_, err = o.Analyze(ctx, AnalyzeRequest{BoardID: "b", Prompt: "more"})
	require.NoError(t, err)
	assert.Equal(t, "The canvas currently has 1 element(s). Their IDs are: el-1. You added these earlier: el-1.", model.sceneContext)
}

func TestAnalyzeUsesClientScene(t *testing.T) {
	model := &fakeVision{reply: `{"actions":[]}`}
	o := newOrchestrator(store.NewMemoryStore(), nil, model)

	client := []canvas.Element{&canvas.ShapeElement{Base: canvas.Base{ID: "human-1", Type: canvas.TypeEllipse}}}
	_, err := o.Analyze(context.Background(), AnalyzeRequest{BoardID: "b", Scene: client})
	require.NoError(t, err)
	assert.Contains(t, model.sceneContext, "Their IDs are: human-1.")
}

func TestAnalyzeModelFailure(t *testing.T) {
	o := newOrchestrator(store.NewMemoryStore(), nil, &fakeVision{err: errors.New("overloaded")})
	_, err := o.Analyze(context.Background(), AnalyzeRequest{BoardID: "b"})
	assert.ErrorContains(t, err, "overloaded")

	o = newOrchestrator(store.NewMemoryStore(), nil, nil)
	_, err = o.Analyze(context.Background(), AnalyzeRequest{BoardID: "b"})
	assert.ErrorIs(t, err, ErrNoModel)
}

func TestClear(t *testing.T) {
	o := newOrchestrator(store.NewMemoryStore(), nil, nil)
	_, err := o.RunTurn(context.Background(), "b", `{"actions":[{"action":"addShape"}]}`)
	require.NoError(t, err)

	require.NoError(t, o.Clear(context.Background(), "b"))
	elements, ids, err := o.Scene(context.Background(), "b")
	require.NoError(t, err)
	assert.Empty(t, elements)
	assert.Empty(t, ids)
}

func TestAnalyzeCapturesReplies(t *testing.T) {
	dir := t.TempDir()
	model := &fakeVision{reply: `{"actions":[{"action":"addShape"}]}`}
	mgr := scene.NewManager(store.NewMemoryStore(), testNormalizer(), scene.Options{})
	o := New(llm.Interpreter{}, mgr, nil, model, Options{CaptureDir: dir})

	_, err := o.Analyze(context.Background(), AnalyzeRequest{BoardID: "b", ImagePNG: []byte("png")})
	require.NoError(t, err)

	sessions, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	files, err := os.ReadDir(filepath.Join(dir, sessions[0].Name()))
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "snapshot-b-0001.png", files[0].Name())
	assert.Equal(t, "reply-b-0002.txt", files[1].Name())

	raw, err := os.ReadFile(filepath.Join(dir, sessions[0].Name(), files[1].Name()))
	require.NoError(t, err)
	assert.Equal(t, model.reply, string(raw))
}
