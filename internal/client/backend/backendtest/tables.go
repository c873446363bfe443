package backendtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/dmitrijs2005/gophmarket/internal/client/backend"
)

// Tables is an in-memory backend.Tables. When Realtime is set, writes are
// published to it.
type Tables struct {
	mu       sync.Mutex
	data     map[string][]backend.Row
	failures map[string]error
	gates    map[string]chan struct{}
	calls    map[string]int
	seq      int

	Realtime *Realtime
}

func NewTables() *Tables {
	return &Tables{
		data:     make(map[string][]backend.Row),
		failures: make(map[string]error),
		gates:    make(map[string]chan struct{}),
		calls:    make(map[string]int),
	}
}

// Seed stores rows without publishing changes.
func (t *Tables) Seed(table string, rows ...backend.Row) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range rows {
		t.data[table] = append(t.data[table], clone(r))
	}
}

// Rows returns a copy of everything stored in table.
func (t *Tables) Rows(table string) []backend.Row {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]backend.Row, 0, len(t.data[table]))
	for _, r := range t.data[table] {
		out = append(out, clone(r))
	}
	return out
}

// FailNext makes the next op ("select", "insert", "update", "delete") on
// table return err.
func (t *Tables) FailNext(op, table string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[op+":"+table] = err
}

// Block holds the next op on table until release is called.
func (t *Tables) Block(op, table string) (release func()) {
	ch := make(chan struct{})
	t.mu.Lock()
	t.gates[op+":"+table] = ch
	t.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (t *Tables) Calls(op, table string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[op+":"+table]
}

func (t *Tables) enter(ctx context.Context, op, table string) error {
	key := op + ":" + table

	t.mu.Lock()
	t.calls[key]++
	gate := t.gates[key]
	delete(t.gates, key)
	err := t.failures[key]
	delete(t.failures, key)
	t.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (t *Tables) Select(ctx context.Context, table string, q backend.Query) ([]backend.Row, error) {
	if err := t.enter(ctx, "select", table); err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}

	t.mu.Lock()
	var out []backend.Row
	for _, r := range t.data[table] {
		if backend.Matches(r, q.Filters...) {
			out = append(out, clone(r))
		}
	}
	t.mu.Unlock()

	if q.OrderBy != "" {
		sort.SliceStable(out, func(i, j int) bool {
			less := fmt.Sprint(out[i][q.OrderBy]) < fmt.Sprint(out[j][q.OrderBy])
			if q.Desc {
				return !less
			}
			return less
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (t *Tables) Insert(ctx context.Context, table string, rows ...backend.Row) ([]backend.Row, error) {
	if err := t.enter(ctx, "insert", table); err != nil {
		return nil, fmt.Errorf("insert %s: %w", table, err)
	}

	t.mu.Lock()
	out := make([]backend.Row, 0, len(rows))
	for _, r := range rows {
		stored := clone(r)
		if id, _ := stored["id"].(string); id == "" {
			t.seq++
			stored["id"] = fmt.Sprintf("%s-%d", table, t.seq)
		}
		t.data[table] = append(t.data[table], stored)
		out = append(out, clone(stored))
	}
	t.mu.Unlock()

	for _, r := range out {
		t.publish(backend.ChangeEvent{Type: backend.ChangeInsert, Table: table, New: r})
	}
	return out, nil
}

func (t *Tables) Update(ctx context.Context, table string, patch backend.Row, filters ...backend.Filter) ([]backend.Row, error) {
	if err := t.enter(ctx, "update", table); err != nil {
		return nil, fmt.Errorf("update %s: %w", table, err)
	}

	t.mu.Lock()
	var out []backend.Row
	for _, r := range t.data[table] {
		if !backend.Matches(r, filters...) {
			continue
		}
		for k, v := range clone(patch) {
			r[k] = v
		}
		out = append(out, clone(r))
	}
	t.mu.Unlock()

	for _, r := range out {
		t.publish(backend.ChangeEvent{Type: backend.ChangeUpdate, Table: table, New: r})
	}
	return out, nil
}

func (t *Tables) Delete(ctx context.Context, table string, filters ...backend.Filter) error {
	if err := t.enter(ctx, "delete", table); err != nil {
		return fmt.Errorf("delete %s: %w", table, err)
	}

	t.mu.Lock()
	var kept, removed []backend.Row
	for _, r := range t.data[table] {
		if backend.Matches(r, filters...) {
			removed = append(removed, r)
		} else {
			kept = append(kept, r)
		}
	}
	t.data[table] = kept
	t.mu.Unlock()

	for _, r := range removed {
		t.publish(backend.ChangeEvent{Type: backend.ChangeDelete, Table: table, Old: r})
	}
	return nil
}

func (t *Tables) publish(ev backend.ChangeEvent) {
	if t.Realtime != nil {
		t.Realtime.Publish(ev)
	}
}

// clone deep-copies r through JSON so callers never share maps, and numbers
// look the way they would after a network round trip.
func clone(r backend.Row) backend.Row {
	raw, err := json.Marshal(r)
	if err != nil {
		panic(err)
	}
	var out backend.Row
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(err)
	}
	return out
}
