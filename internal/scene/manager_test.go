package scene

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/canvasmate/internal/canvas"
	"github.com/canvasmate/internal/store"
)

func testNormalizer() *canvas.Normalizer {
	var n atomic.Int64
	return &canvas.Normalizer{
		NewID: func() string { return fmt.Sprintf("el-%d", n.Add(1)) },
		Now:   func() time.Time { return time.UnixMilli(1700000000000) },
		Seed:  func() int64 { return 42 },
	}
}

func action(kind canvas.ActionKind, payload string) canvas.AIAction {
	return canvas.AIAction{Action: kind, Element: json.RawMessage(payload)}
}

func newManager(t *testing.T, s store.Store, c Consistency) *Manager {
	t.Helper()
	return NewManager(s, testNormalizer(), Options{Consistency: c})
}

func TestApplySingleRectangleOnEmptyBoard(t *testing.T) {
	m := newManager(t, store.NewMemoryStore(), ConsistencyVersioned)

	res, err := m.ApplyActions(context.Background(), "board-a", &canvas.AIResponse{
		Explanation: "A box.",
		Actions: []canvas.AIAction{
			action(canvas.ActionAddShape, `{"type":"rectangle","x":10,"y":10,"width":50,"height":50}`),
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Scene, 1)

	shape, ok := res.Scene[0].(*canvas.ShapeElement)
	require.True(t, ok, "got %T", res.Scene[0])
	assert.Equal(t, canvas.TypeRectangle, shape.Type)
	assert.Equal(t, 10.0, shape.X)
	assert.Equal(t, 10.0, shape.Y)
	assert.Equal(t, 50.0, shape.Width)
	assert.Equal(t, 50.0, shape.Height)
	assert.EqualValues(t, 1, res.Version)

	persisted, err := m.GetScene(context.Background(), "board-a")
	require.NoError(t, err)
	if diff := cmp.Diff(res.Scene, persisted); diff != "" {
		t.Errorf("persisted scene differs (-returned +persisted):\n%s", diff)
	}
}

func seedScene(t *testing.T, s store.Store, boardID string) {
	t.Helper()
	existing := `[
		{"id":"human-1","type":"ellipse","x":0,"y":0,"width":80,"height":40,"angle":0,"strokeColor":"#1e1e1e","backgroundColor":"transparent","fillStyle":"solid","strokeWidth":1,"strokeStyle":"solid","roughness":1,"opacity":100,"groupIds":[],"seed":7,"versionNonce":8,"isDeleted":false,"updated":1,"locked":false},
		{"id":"human-2","type":"freedraw","x":5,"y":5,"points":[[0,0],[1,1]],"pressures":[0.5]}
	]`
	_, err := s.Set(context.Background(), store.SceneKey(boardID), existing, time.Hour)
	require.NoError(t, err)
}

func TestApplyAppendKeepsOrderAndGrowsAISet(t *testing.T) {
	s := store.NewMemoryStore()
	seedScene(t, s, "board-c")
	m := newManager(t, s, ConsistencyVersioned)
	ctx := context.Background()

	before, err := m.AIElementIDs(ctx, "board-c")
	require.NoError(t, err)

	res, err := m.ApplyActions(ctx, "board-c", &canvas.AIResponse{
		Actions: []canvas.AIAction{action(canvas.ActionAddText, `{"text":"Hi","x":3}`)},
	})
	require.NoError(t, err)

	require.Len(t, res.Scene, 3)
	assert.Equal(t, []string{"human-1", "human-2", "el-1"}, canvas.IDs(res.Scene))
	assert.IsType(t, &canvas.OpaqueElement{}, res.Scene[1])
	assert.IsType(t, &canvas.TextElement{}, res.Scene[2])

	after, err := m.AIElementIDs(ctx, "board-c")
	require.NoError(t, err)
	assert.Len(t, after, len(before)+1)
	assert.Contains(t, after, "el-1")

	raw, err := s.Get(ctx, store.SceneKey("board-c"))
	require.NoError(t, err)
	assert.Contains(t, raw.Value, `"pressures":[0.5]`, "collaborator elements round-trip untouched")
}

func TestApplyEmptyActionsKeepsScene(t *testing.T) {
	s := store.NewMemoryStore()
	seedScene(t, s, "b")
	m := newManager(t, s, ConsistencyVersioned)

	res, err := m.ApplyActions(context.Background(), "b", &canvas.AIResponse{Actions: []canvas.AIAction{}})
	require.NoError(t, err)
	assert.Len(t, res.Scene, 2)
	assert.Empty(t, res.Added)

	persisted, err := m.GetScene(context.Background(), "b")
	require.NoError(t, err)
	assert.Len(t, persisted, 2)

	ids, err := m.AIElementIDs(context.Background(), "b")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestApplySkipsBadActionsAndContinues(t *testing.T) {
	m := newManager(t, store.NewMemoryStore(), ConsistencyVersioned)

	res, err := m.ApplyActions(context.Background(), "b", &canvas.AIResponse{
		Actions: []canvas.AIAction{
			action(canvas.ActionAddShape, `{"type":"ellipse"}`),
			action("deleteEverything", `{}`),
			action(canvas.ActionAddArrow, `{"text":"not an arrow field"}`),
			action(canvas.ActionAddArrow, `{"x":5}`),
		},
	})
	require.NoError(t, err)

	require.Len(t, res.Added, 2)
	assert.IsType(t, &canvas.ShapeElement{}, res.Added[0])
	assert.IsType(t, &canvas.ArrowElement{}, res.Added[1])

	require.Len(t, res.Skipped, 2)
	assert.Equal(t, 1, res.Skipped[0].Index)
	assert.True(t, errors.Is(res.Skipped[0], canvas.ErrUnknownAction))
	assert.Equal(t, 2, res.Skipped[1].Index)
	assert.True(t, errors.Is(res.Skipped[1], canvas.ErrInvalidModelOutput))
}

func TestUpdateElementAddsNewShape(t *testing.T) {
	m := newManager(t, store.NewMemoryStore(), ConsistencyVersioned)

	res, err := m.ApplyActions(context.Background(), "b", &canvas.AIResponse{
		Actions: []canvas.AIAction{action(canvas.ActionUpdateElement, `{"id":"existing","type":"diamond"}`)},
	})
	require.NoError(t, err)
	require.Len(t, res.Scene, 1)
	assert.Equal(t, "el-1", res.Scene[0].Common().ID)
	assert.Equal(t, canvas.TypeDiamond, res.Scene[0].Common().Type)
}

func TestApplyKeepsValidSiblingOfMalformedEntry(t *testing.T) {
	m := newManager(t, store.NewMemoryStore(), ConsistencyVersioned)

	res, err := m.ApplyActions(context.Background(), "b", &canvas.AIResponse{
		Actions: []canvas.AIAction{
			canvas.DecodeAction(json.RawMessage(`{"action":5,"element":{}}`)),
			canvas.DecodeAction(json.RawMessage(`{"action":"addShape","element":{"x":1}}`)),
		},
	})
	require.NoError(t, err)

	require.Len(t, res.Added, 1)
	assert.Equal(t, 1.0, res.Added[0].Common().X)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, 0, res.Skipped[0].Index)
	assert.True(t, errors.Is(res.Skipped[0], canvas.ErrUnknownAction))
}

func TestApplyRefreshesTTL(t *testing.T) {
	s := store.NewMemoryStore()
	m := NewManager(s, testNormalizer(), Options{TTL: 2 * time.Hour})

	_, err := m.ApplyActions(context.Background(), "b", &canvas.AIResponse{
		Actions: []canvas.AIAction{action(canvas.ActionAddShape, `{}`)},
	})
	require.NoError(t, err)
	assert.InDelta(t, float64(2*time.Hour), float64(s.TTL(store.SceneKey("b"))), float64(time.Second))
	assert.Equal(t, time.Duration(0), s.TTL(store.AIElementsKey("b")))
}

func TestDefaultOptions(t *testing.T) {
	m := NewManager(store.NewMemoryStore(), nil, Options{})
	assert.Equal(t, DefaultTTL, m.opts.TTL)
	assert.Equal(t, ConsistencyVersioned, m.opts.Consistency)
	assert.Equal(t, DefaultMaxConflictRetries, m.opts.MaxConflictRetries)
	assert.NotNil(t, m.normalizer)
}

func TestClearBoard(t *testing.T) {
	m := newManager(t, store.NewMemoryStore(), ConsistencyVersioned)
	ctx := context.Background()

	_, err := m.ApplyActions(ctx, "b", &canvas.AIResponse{
		Actions: []canvas.AIAction{action(canvas.ActionAddText, `{}`)},
	})
	require.NoError(t, err)

	require.NoError(t, m.ClearBoard(ctx, "b"))

	scene, err := m.GetScene(ctx, "b")
	require.NoError(t, err)
	assert.Empty(t, scene)
	ids, err := m.AIElementIDs(ctx, "b")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

// failingStore fails the named operation.
type failingStore struct {
	store.Store
	failOn string
}

var errStoreDown = errors.New("store down")

func (f *failingStore) Get(ctx context.Context, key string) (store.Versioned, error) {
	if f.failOn == "get" {
		return store.Versioned{}, errStoreDown
	}
	return f.Store.Get(ctx, key)
}

func (f *failingStore) CompareAndSwap(ctx context.Context, key string, expected int64, value string, ttl time.Duration) (int64, error) {
	if f.failOn == "write" {
		return 0, errStoreDown
	}
	return f.Store.CompareAndSwap(ctx, key, expected, value, ttl)
}

func (f *failingStore) Set(ctx context.Context, key, value string, ttl time.Duration) (int64, error) {
	if f.failOn == "write" {
		return 0, errStoreDown
	}
	return f.Store.Set(ctx, key, value, ttl)
}

func (f *failingStore) AddToSet(ctx context.Context, key string, members ...string) error {
	if f.failOn == "set" {
		return errStoreDown
	}
	return f.Store.AddToSet(ctx, key, members...)
}

func TestPersistenceFailureAbortsApply(t *testing.T) {
	for _, mode := range []Consistency{ConsistencyVersioned, ConsistencyLastWriteWins} {
		for _, op := range []string{"get", "write", "set"} {
			t.Run(string(mode)+"/"+op, func(t *testing.T) {
				inner := store.NewMemoryStore()
				m := newManager(t, &failingStore{Store: inner, failOn: op}, mode)

				res, err := m.ApplyActions(context.Background(), "b", &canvas.AIResponse{
					Actions: []canvas.AIAction{action(canvas.ActionAddShape, `{}`)},
				})
				require.Error(t, err)
				assert.Nil(t, res)
				assert.True(t, errors.Is(err, canvas.ErrPersistence), err.Error())
				assert.Contains(t, err.Error(), "store down")
			})
		}
	}
}

func TestCorruptSceneIsPersistenceFailure(t *testing.T) {
	s := store.NewMemoryStore()
	_, err := s.Set(context.Background(), store.SceneKey("b"), "{not a scene", time.Hour)
	require.NoError(t, err)

	_, err = newManager(t, s, ConsistencyVersioned).GetScene(context.Background(), "b")
	assert.True(t, errors.Is(err, canvas.ErrPersistence))
}

// barrierStore holds the first n scene reads until all n have arrived, so
// concurrent turns are guaranteed to read the same base scene.
type barrierStore struct {
	store.Store
	n       int
	mu      sync.Mutex
	arrived int
	release chan struct{}
}

func newBarrierStore(inner store.Store, n int) *barrierStore {
	return &barrierStore{Store: inner, n: n, release: make(chan struct{})}
}

func (b *barrierStore) Get(ctx context.Context, key string) (store.Versioned, error) {
	v, err := b.Store.Get(ctx, key)

	b.mu.Lock()
	b.arrived++
	arrived := b.arrived
	if arrived == b.n {
		close(b.release)
	}
	b.mu.Unlock()

	if arrived <= b.n {
		select {
		case <-b.release:
		case <-ctx.Done():
			return store.Versioned{}, ctx.Err()
		}
	}
	return v, err
}

func runConcurrentTurns(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for _, label := range []string{"A", "B"} {
		payload := fmt.Sprintf(`{"text":"turn %s"}`, label)
		g.Go(func() error {
			_, err := m.ApplyActions(ctx, "shared", &canvas.AIResponse{
				Actions: []canvas.AIAction{action(canvas.ActionAddText, payload)},
			})
			return err
		})
	}
	require.NoError(t, g.Wait())
}

func TestLastWriteWinsLosesConcurrentUpdate(t *testing.T) {
	inner := store.NewMemoryStore()
	m := newManager(t, newBarrierStore(inner, 2), ConsistencyLastWriteWins)

	runConcurrentTurns(t, m)

	scene, err := m.GetScene(context.Background(), "shared")
	require.NoError(t, err)
	assert.Len(t, scene, 1, "second write overwrites the first turn's element")

	ids, err := m.AIElementIDs(context.Background(), "shared")
	require.NoError(t, err)
	assert.Len(t, ids, 2, "both turns still record their ids")
}

func TestConcurrentTurnsVersionedKeepsBoth(t *testing.T) {
	inner := store.NewMemoryStore()
	m := newManager(t, newBarrierStore(inner, 2), ConsistencyVersioned)

	runConcurrentTurns(t, m)

	scene, err := m.GetScene(context.Background(), "shared")
	require.NoError(t, err)
	require.Len(t, scene, 2)
	assert.ElementsMatch(t, []string{"el-1", "el-2"}, canvas.IDs(scene))
}

func TestVersionedGivesUpAfterRepeatedConflicts(t *testing.T) {
	s := &alwaysConflict{Store: store.NewMemoryStore()}
	m := NewManager(s, testNormalizer(), Options{MaxConflictRetries: 2})

	_, err := m.ApplyActions(context.Background(), "b", &canvas.AIResponse{
		Actions: []canvas.AIAction{action(canvas.ActionAddShape, `{}`)},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, canvas.ErrPersistence))
	assert.EqualValues(t, 3, s.calls.Load())
}

type alwaysConflict struct {
	store.Store
	calls atomic.Int32
}

func (a *alwaysConflict) CompareAndSwap(context.Context, string, int64, string, time.Duration) (int64, error) {
	a.calls.Add(1)
	return 0, store.ErrVersionConflict
}

// interleaveStore runs before once, just ahead of the first compare-and-swap.
type interleaveStore struct {
	store.Store
	once   sync.Once
	before func()
}

func (s *interleaveStore) CompareAndSwap(ctx context.Context, key string, expected int64, value string, ttl time.Duration) (int64, error) {
	s.once.Do(s.before)
	return s.Store.CompareAndSwap(ctx, key, expected, value, ttl)
}

func sceneXs(t *testing.T, m *Manager, boardID string) []float64 {
	t.Helper()
	scene, err := m.GetScene(context.Background(), boardID)
	require.NoError(t, err)
	xs := make([]float64, 0, len(scene))
	for _, el := range scene {
		xs = append(xs, el.Common().X)
	}
	return xs
}

func TestClearDuringTurnDoesNotResurrectElements(t *testing.T) {
	ctx := context.Background()
	inner := store.NewMemoryStore()
	other := newManager(t, inner, ConsistencyVersioned)

	_, err := other.ApplyActions(ctx, "b", &canvas.AIResponse{
		Actions: []canvas.AIAction{action(canvas.ActionAddShape, `{"x":1}`)},
	})
	require.NoError(t, err)

	racing := &interleaveStore{Store: inner}
	racing.before = func() {
		require.NoError(t, other.ClearBoard(ctx, "b"))
		_, err := other.ApplyActions(ctx, "b", &canvas.AIResponse{
			Actions: []canvas.AIAction{action(canvas.ActionAddShape, `{"x":2}`)},
		})
		require.NoError(t, err)
	}
	m := newManager(t, racing, ConsistencyVersioned)

	res, err := m.ApplyActions(ctx, "b", &canvas.AIResponse{
		Actions: []canvas.AIAction{action(canvas.ActionAddShape, `{"x":3}`)},
	})
	require.NoError(t, err)

	assert.Equal(t, []float64{2, 3}, sceneXs(t, m, "b"))
	assert.EqualValues(t, 3, res.Version)
}
