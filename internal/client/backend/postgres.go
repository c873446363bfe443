package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/dmitrijs2005/gophmarket/internal/logging"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultNotifyChannel is the LISTEN channel row-change triggers publish to.
const DefaultNotifyChannel = "gophmarket_changes"

var ErrUnknownTable = errors.New("unknown table")

// PGTables implements Tables directly on Postgres. It does not own the
// pool. Only tables passed to NewPGTables are reachable.
type PGTables struct {
	pool    *pgxpool.Pool
	allowed map[string]bool
}

func NewPGTables(pool *pgxpool.Pool, tables ...string) *PGTables {
	if len(tables) == 0 {
		tables = []string{TableProfiles, TableCartItems, TableFavorites, TableProducts}
	}
	allowed := make(map[string]bool, len(tables))
	for _, t := range tables {
		allowed[t] = true
	}
	return &PGTables{pool: pool, allowed: allowed}
}

func (s *PGTables) ident(table string) (string, error) {
	if !s.allowed[table] {
		return "", fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return pgx.Identifier{table}.Sanitize(), nil
}

func (s *PGTables) Select(ctx context.Context, table string, q Query) ([]Row, error) {
	ident, err := s.ident(table)
	if err != nil {
		return nil, err
	}

	var args []any
	sql := `SELECT to_jsonb(t.*) FROM ` + ident + ` AS t` + where(q.Filters, &args)
	if q.OrderBy != "" {
		sql += ` ORDER BY ` + pgx.Identifier{"t", q.OrderBy}.Sanitize()
		if q.Desc {
			sql += ` DESC`
		}
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sql += ` LIMIT $` + strconv.Itoa(len(args))
	}

	rows, err := s.queryRows(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	return project(rows, q.Columns), nil
}

func (s *PGTables) Insert(ctx context.Context, table string, rows ...Row) ([]Row, error) {
	ident, err := s.ident(table)
	if err != nil {
		return nil, err
	}

	var out []Row
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, row := range rows {
			cols := sortedColumns(row)
			names := make([]string, len(cols))
			holders := make([]string, len(cols))
			args := make([]any, len(cols))
			for i, c := range cols {
				names[i] = pgx.Identifier{c}.Sanitize()
				holders[i] = "$" + strconv.Itoa(i+1)
				args[i] = pgValue(row[c])
			}

			sql := `INSERT INTO ` + ident + ` AS t (` + strings.Join(names, ", ") + `) VALUES (` +
				strings.Join(holders, ", ") + `) RETURNING to_jsonb(t.*)`
			var stored Row
			if err := tx.QueryRow(ctx, sql, args...).Scan(&stored); err != nil {
				return err
			}
			out = append(out, stored)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", table, err)
	}
	return out, nil
}

func (s *PGTables) Update(ctx context.Context, table string, patch Row, filters ...Filter) ([]Row, error) {
	ident, err := s.ident(table)
	if err != nil {
		return nil, err
	}
	if len(patch) == 0 {
		return nil, fmt.Errorf("update %s: empty patch", table)
	}

	var args []any
	sets := make([]string, 0, len(patch))
	for _, c := range sortedColumns(patch) {
		args = append(args, pgValue(patch[c]))
		sets = append(sets, pgx.Identifier{c}.Sanitize()+" = $"+strconv.Itoa(len(args)))
	}

	sql := `UPDATE ` + ident + ` AS t SET ` + strings.Join(sets, ", ") + where(filters, &args) + ` RETURNING to_jsonb(t.*)`
	rows, err := s.queryRows(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", table, err)
	}
	return rows, nil
}

func (s *PGTables) Delete(ctx context.Context, table string, filters ...Filter) error {
	ident, err := s.ident(table)
	if err != nil {
		return err
	}
	var args []any
	if _, err := s.pool.Exec(ctx, `DELETE FROM `+ident+` AS t`+where(filters, &args), args...); err != nil {
		return fmt.Errorf("delete %s: %w", table, err)
	}
	return nil
}

func (s *PGTables) queryRows(ctx context.Context, sql string, args ...any) ([]Row, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[Row])
}

// where renders filters as a WHERE clause, appending bind values to args.
func where(filters []Filter, args *[]any) string {
	if len(filters) == 0 {
		return ""
	}
	parts := make([]string, 0, len(filters))
	for _, f := range filters {
		col := pgx.Identifier{"t", f.Column}.Sanitize()
		*args = append(*args, pgValue(f.Value))
		n := "$" + strconv.Itoa(len(*args))
		switch f.Op {
		case OpNeq:
			parts = append(parts, col+" IS DISTINCT FROM "+n)
		case OpIn:
			parts = append(parts, col+" = ANY("+n+")")
		default:
			parts = append(parts, col+" = "+n)
		}
	}
	return " WHERE " + strings.Join(parts, " AND ")
}

// pgValue narrows whole JSON numbers so they bind to integer columns.
func pgValue(v any) any {
	if f, ok := v.(float64); ok && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return v
}

func sortedColumns(row Row) []string {
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

func project(rows []Row, columns []string) []Row {
	if len(columns) == 0 {
		return rows
	}
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		p := make(Row, len(columns))
		for _, c := range columns {
			if v, ok := r[c]; ok {
				p[c] = v
			}
		}
		out = append(out, p)
	}
	return out
}

// PGRealtime implements Realtime with LISTEN/NOTIFY. Triggers publish a JSON
// ChangeEvent (without channel) on the notify channel; see NotifyTriggerSQL.
type PGRealtime struct {
	pool    *pgxpool.Pool
	channel string
	log     logging.Logger

	mu      sync.Mutex
	nextID  uint64
	subs    map[uint64]pgSubscription
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

type pgSubscription struct {
	spec    ChannelSpec
	handler func(ChangeEvent)
}

type pgChannel struct {
	id   uint64
	name string
}

func (c *pgChannel) Name() string { return c.name }

func NewPGRealtime(pool *pgxpool.Pool, notifyChannel string, log logging.Logger) *PGRealtime {
	if notifyChannel == "" {
		notifyChannel = DefaultNotifyChannel
	}
	if log == nil {
		log = logging.Nop()
	}
	return &PGRealtime{pool: pool, channel: notifyChannel, log: log, subs: make(map[uint64]pgSubscription)}
}

func (r *PGRealtime) Subscribe(ctx context.Context, spec ChannelSpec, handler func(ChangeEvent)) (Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		if err := r.start(ctx); err != nil {
			return nil, err
		}
	}
	r.nextID++
	r.subs[r.nextID] = pgSubscription{spec: spec, handler: handler}
	return &pgChannel{id: r.nextID, name: spec.Name}, nil
}

func (r *PGRealtime) RemoveChannel(ch Channel) error {
	c, ok := ch.(*pgChannel)
	if !ok {
		return fmt.Errorf("foreign channel %q", ch.Name())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, c.id)
	return nil
}

// Close stops listening and releases the dedicated connection.
func (r *PGRealtime) Close() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.started = false
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

// start must be called with r.mu held.
func (r *PGRealtime) start(ctx context.Context) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, `LISTEN `+pgx.Identifier{r.channel}.Sanitize()); err != nil {
		conn.Release()
		return fmt.Errorf("listen %s: %w", r.channel, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	r.started = true

	go r.listen(loopCtx, conn, r.done)
	return nil
}

func (r *PGRealtime) listen(ctx context.Context, conn *pgxpool.Conn, done chan struct{}) {
	defer close(done)
	defer func() {
		// the session still LISTENs; do not hand it back to the pool
		_ = conn.Conn().Close(context.Background())
		conn.Release()
	}()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				r.log.Error(ctx, "postgres notification wait failed", "error", err)
				r.mu.Lock()
				r.started = false
				r.mu.Unlock()
			}
			return
		}

		var ev ChangeEvent
		if err := json.Unmarshal([]byte(n.Payload), &ev); err != nil {
			r.log.Warn(ctx, "malformed change notification", "error", err)
			continue
		}
		r.dispatch(ev)
	}
}

func (r *PGRealtime) dispatch(ev ChangeEvent) {
	r.mu.Lock()
	var targets []pgSubscription
	for _, s := range r.subs {
		if s.spec.Table != ev.Table {
			continue
		}
		row := ev.New
		if row == nil {
			row = ev.Old
		}
		if s.spec.Filter.Column != "" && !Matches(row, s.spec.Filter) {
			continue
		}
		targets = append(targets, s)
	}
	r.mu.Unlock()

	for _, s := range targets {
		e := ev
		e.Channel = s.spec.Name
		s.handler(e)
	}
}

// NotifyTriggerSQL returns DDL installing a row-change trigger on table that
// publishes to notifyChannel in the format PGRealtime expects.
func NotifyTriggerSQL(table, notifyChannel string) string {
	fn := pgx.Identifier{table + "_notify_change"}.Sanitize()
	return `
CREATE OR REPLACE FUNCTION ` + fn + `() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify(` + quoteLiteral(notifyChannel) + `, json_build_object(
		'type', TG_OP,
		'table', TG_TABLE_NAME,
		'new', CASE WHEN TG_OP = 'DELETE' THEN NULL ELSE to_jsonb(NEW) END,
		'old', CASE WHEN TG_OP = 'INSERT' THEN NULL ELSE to_jsonb(OLD) END
	)::text);
	RETURN NULL;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS ` + pgx.Identifier{table + "_notify"}.Sanitize() + ` ON ` + pgx.Identifier{table}.Sanitize() + `;
CREATE TRIGGER ` + pgx.Identifier{table + "_notify"}.Sanitize() + `
	AFTER INSERT OR UPDATE OR DELETE ON ` + pgx.Identifier{table}.Sanitize() + `
	FOR EACH ROW EXECUTE FUNCTION ` + fn + `();
`
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
