package collection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophmarket/internal/client/backend"
	"github.com/dmitrijs2005/gophmarket/internal/client/backend/backendtest"
	"github.com/dmitrijs2005/gophmarket/internal/client/cache"
	"github.com/dmitrijs2005/gophmarket/internal/client/hub"
	"github.com/dmitrijs2005/gophmarket/internal/client/session"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const notesTable = "notes"

type note struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

type fixture struct {
	c      *Collection[note]
	tables *backendtest.Tables
	rt     *backendtest.Realtime
	cache  *cache.Cache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		tables: backendtest.NewTables(),
		rt:     backendtest.NewRealtime(),
		cache:  cache.New(),
	}
	f.tables.Realtime = f.rt
	f.c = New(Config[note]{
		Resource: "notes",
		Table:    notesTable,
		OrderBy:  "id",
		ID:       func(n note) string { return n.ID },
	}, Deps{Tables: f.tables, Realtime: f.rt, Cache: f.cache})
	t.Cleanup(f.c.Close)
	return f
}

func (f *fixture) seed(notes ...note) {
	for _, n := range notes {
		f.tables.Seed(notesTable, backend.Row{"id": n.ID, "user_id": n.UserID, "text": n.Text})
	}
}

func texts(items []note) []string {
	out := make([]string, 0, len(items))
	for _, n := range items {
		out = append(out, n.Text)
	}
	return out
}

func insertNote(c *Collection[note], tables backend.Tables, text string) Mutation[note] {
	tmp := note{ID: "tmp-" + text, UserID: c.Owner(), Text: text}
	return Mutation[note]{
		Name: "add",
		Optimistic: func(items []note) []note {
			return append(append([]note(nil), items...), tmp)
		},
		Remote: func(ctx context.Context) (func([]note) []note, error) {
			rows, err := tables.Insert(ctx, notesTable, backend.Row{"user_id": tmp.UserID, "text": text})
			if err != nil {
				return nil, err
			}
			saved, err := backend.DecodeRow[note](rows[0])
			if err != nil {
				return nil, err
			}
			return func(items []note) []note {
				return Settle(items, tmp.ID, saved, c.ItemID)
			}, nil
		},
	}
}

func TestCollection_SetOwnerFetches(t *testing.T) {
	f := newFixture(t)
	f.seed(note{ID: "1", UserID: "u1", Text: "a"}, note{ID: "2", UserID: "u2", Text: "other"})

	require.NoError(t, f.c.SetOwner(context.Background(), "u1"))

	st := f.c.State()
	assert.Equal(t, "u1", st.Owner)
	assert.False(t, st.Loading)
	assert.Equal(t, PhaseIdle, st.Phase)
	assert.Empty(t, cmp.Diff([]note{{ID: "1", UserID: "u1", Text: "a"}}, st.Items))
	assert.Equal(t, []string{"notes:u1"}, f.rt.Active())
}

func TestCollection_SeedsFromCacheWithoutLoading(t *testing.T) {
	f := newFixture(t)
	f.seed(note{ID: "1", UserID: "u1", Text: "fresh"})
	f.cache.Set("notes:u1", []note{{ID: "1", UserID: "u1", Text: "cached"}})
	release := f.tables.Block("select", notesTable)

	done := make(chan error, 1)
	go func() { done <- f.c.SetOwner(context.Background(), "u1") }()

	require.Eventually(t, func() bool { return f.c.Owner() == "u1" }, time.Second, 5*time.Millisecond)
	st := f.c.State()
	assert.False(t, st.Loading)
	assert.Equal(t, []string{"cached"}, texts(st.Items))

	release()
	require.NoError(t, <-done)
	assert.Equal(t, []string{"fresh"}, texts(f.c.Items()), "cached items are refreshed in the background")
}

func TestCollection_LoadingWithoutCache(t *testing.T) {
	f := newFixture(t)
	f.seed(note{ID: "1", UserID: "u1", Text: "a"})
	release := f.tables.Block("select", notesTable)

	done := make(chan error, 1)
	go func() { done <- f.c.SetOwner(context.Background(), "u1") }()

	require.Eventually(t, f.c.Loading, time.Second, 5*time.Millisecond)
	release()
	require.NoError(t, <-done)
	assert.False(t, f.c.Loading())
}

func TestCollection_MutationReconciles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(note{ID: "1", UserID: "u1", Text: "a"})
	require.NoError(t, f.c.SetOwner(ctx, "u1"))

	release := f.tables.Block("insert", notesTable)
	done := make(chan error, 1)
	go func() { done <- f.c.Mutate(ctx, insertNote(f.c, f.tables, "b")) }()

	require.Eventually(t, func() bool { return f.c.State().Phase == PhaseMutating }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, texts(f.c.Items()), "optimistic item is visible before the write")

	release()
	require.NoError(t, <-done)

	items := f.c.Items()
	require.Len(t, items, 2)
	assert.Equal(t, "notes-1", items[1].ID, "temporary id replaced by the server id")

	cached, ok := cache.Lookup[[]note](f.cache, "notes:u1")
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, texts(cached))
}

func TestCollection_FailedMutationRestoresRemoteState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(note{ID: "1", UserID: "u1", Text: "a"})
	require.NoError(t, f.c.SetOwner(ctx, "u1"))
	before := f.tables.Rows(notesTable)

	var (
		mu     sync.Mutex
		phases []Phase
	)
	unsubscribe := f.c.Subscribe(func(s State[note]) {
		mu.Lock()
		defer mu.Unlock()
		if len(phases) == 0 || phases[len(phases)-1] != s.Phase {
			phases = append(phases, s.Phase)
		}
	})
	defer unsubscribe()

	boom := errors.New("write rejected")
	f.tables.FailNext("insert", notesTable, boom)

	err := f.c.Mutate(ctx, insertNote(f.c, f.tables, "b"))
	require.ErrorIs(t, err, boom)

	assert.Equal(t, []string{"a"}, texts(f.c.Items()))
	assert.Equal(t, PhaseIdle, f.c.State().Phase)
	assert.Equal(t, before, f.tables.Rows(notesTable))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Phase{PhaseMutating, PhaseRolledBack, PhaseIdle}, phases)
}

func TestCollection_RemoteChangeForcesFetch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(note{ID: "1", UserID: "u1", Text: "a"})
	require.NoError(t, f.c.SetOwner(ctx, "u1"))

	// another device writes
	_, err := f.tables.Insert(ctx, notesTable, backend.Row{"user_id": "u1", "text": "remote"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.c.Items()) == 2
	}, time.Second, 5*time.Millisecond)

	// changes of other owners are not delivered
	calls := f.tables.Calls("select", notesTable)
	_, err = f.tables.Insert(ctx, notesTable, backend.Row{"user_id": "u2", "text": "x"})
	require.NoError(t, err)
	assert.Never(t, func() bool { return f.tables.Calls("select", notesTable) > calls }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestCollection_CacheUpdatesFromOtherObservers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.c.SetOwner(ctx, "u1"))

	f.cache.Set("notes:u1", []note{{ID: "9", UserID: "u1", Text: "patched"}})
	assert.Equal(t, []string{"patched"}, texts(f.c.Items()))

	f.cache.Set("notes:u2", []note{{ID: "8", UserID: "u2", Text: "foreign"}})
	assert.Equal(t, []string{"patched"}, texts(f.c.Items()))
}

func TestCollection_OwnerChangeTearsDown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(note{ID: "1", UserID: "u1", Text: "a"}, note{ID: "2", UserID: "u2", Text: "b"})

	require.NoError(t, f.c.SetOwner(ctx, "u1"))
	require.NoError(t, f.c.SetOwner(ctx, "u2"))

	assert.Equal(t, []string{"b"}, texts(f.c.Items()))
	assert.Equal(t, []string{"notes:u1"}, f.rt.Removed())
	assert.Equal(t, []string{"notes:u2"}, f.rt.Active())

	f.cache.Set("notes:u1", []note{{ID: "x", UserID: "u1", Text: "stale"}})
	assert.Equal(t, []string{"b"}, texts(f.c.Items()))

	require.NoError(t, f.c.SetOwner(ctx, ""))
	assert.Empty(t, f.c.Items())
	assert.Empty(t, f.rt.Active())
	assert.ErrorIs(t, f.c.Mutate(ctx, insertNote(f.c, f.tables, "c")), ErrNoOwner)
}

func TestCollection_StaleFetchDiscarded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(note{ID: "1", UserID: "u1", Text: "a"}, note{ID: "2", UserID: "u2", Text: "b"})
	release := f.tables.Block("select", notesTable)

	done := make(chan error, 1)
	go func() { done <- f.c.SetOwner(ctx, "u1") }()
	require.Eventually(t, func() bool { return f.tables.Calls("select", notesTable) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.c.SetOwner(ctx, "u2"))
	release()
	require.NoError(t, <-done)

	assert.Equal(t, "u2", f.c.Owner())
	assert.Equal(t, []string{"b"}, texts(f.c.Items()))
}

func TestCollection_Prefetch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(note{ID: "1", UserID: "u1", Text: "a"})

	require.NoError(t, f.c.Prefetch(ctx, "u1"))
	assert.Empty(t, f.c.Owner())
	assert.True(t, f.cache.Has("notes:u1"))

	require.NoError(t, f.c.SetOwner(ctx, "u1"))
	assert.Equal(t, []string{"a"}, texts(f.c.Items()))
	assert.ErrorIs(t, f.c.Prefetch(ctx, ""), ErrNoOwner)
}

func TestCollection_Close(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.c.SetOwner(ctx, "u1"))

	f.c.Close()
	assert.Empty(t, f.rt.Active())
	assert.ErrorIs(t, f.c.SetOwner(ctx, "u2"), ErrClosed)
	assert.ErrorIs(t, f.c.Mutate(ctx, insertNote(f.c, f.tables, "x")), ErrClosed)
}

type fakeIdentity struct {
	mu    sync.Mutex
	state session.State
	subs  *hub.Hub[session.State]
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{subs: hub.New[session.State]()}
}

func (f *fakeIdentity) State() session.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeIdentity) Subscribe(fn func(session.State)) func() {
	return f.subs.Subscribe("state", fn)
}

func (f *fakeIdentity) set(userID string) {
	var st session.State
	if userID != "" {
		st.Identity = &session.Identity{ID: userID}
	}
	f.mu.Lock()
	f.state = st
	f.mu.Unlock()
	f.subs.Publish("state", st)
}

func TestCollection_FollowIdentity(t *testing.T) {
	f := newFixture(t)
	f.seed(note{ID: "1", UserID: "u1", Text: "a"})
	src := newFakeIdentity()
	src.set("u1")

	stop := f.c.FollowIdentity(src)
	defer stop()

	require.Eventually(t, func() bool {
		return f.c.Owner() == "u1" && len(f.c.Items()) == 1
	}, time.Second, 5*time.Millisecond)

	src.set("")
	require.Eventually(t, func() bool { return f.c.Owner() == "" }, time.Second, 5*time.Millisecond)
	assert.Empty(t, f.c.Items())

	stop()
	src.set("u1")
	assert.Never(t, func() bool { return f.c.Owner() != "" }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestSettle(t *testing.T) {
	id := func(n note) string { return n.ID }
	saved := note{ID: "7", Text: "b"}

	tests := []struct {
		name  string
		items []note
		want  []string
	}{
		{"replaces placeholder", []note{{ID: "1"}, {ID: "tmp"}}, []string{"1", "7"}},
		{"drops fetched copy", []note{{ID: "1"}, {ID: "7"}, {ID: "tmp"}}, []string{"1", "7"}},
		{"appends without placeholder", []note{{ID: "1"}}, []string{"1", "7"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Settle(tt.items, "tmp", saved, id)
			ids := make([]string, 0, len(got))
			for _, n := range got {
				ids = append(ids, n.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "rolled_back", PhaseRolledBack.String())
	assert.Equal(t, "phase(9)", Phase(9).String())
}
