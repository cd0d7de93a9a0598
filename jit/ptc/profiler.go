package ptc

import (
	"context"
	"database/sql"

	_ "modernc.org/sqlite"
	"nikand.dev/go/heap"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/armjit/compiler/asm"
)

type (
	// Profiler records which functions were translated and how often they were promoted.
	Profiler struct {
		db *sql.DB
	}

	ProfiledFunc struct {
		Address uint64
		Mode    asm.Mode
		HighCq  bool
		Calls   int64
	}
)

const schema = `CREATE TABLE IF NOT EXISTS funcs (
	address INTEGER NOT NULL,
	mode    INTEGER NOT NULL,
	high_cq INTEGER NOT NULL DEFAULT 0,
	calls   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (address, mode)
)`

// OpenProfiler opens or creates the profile database at path.
func OpenProfiler(ctx context.Context, path string) (p *Profiler, err error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open %v", path)
	}

	// single writer; also keeps :memory: databases on one connection
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx, "PRAGMA busy_timeout = 5000")
	if err == nil {
		_, err = db.ExecContext(ctx, schema)
	}
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "init %v", path)
	}

	return &Profiler{db: db}, nil
}

func (p *Profiler) Close() error {
	return p.db.Close()
}

// Record counts a translation of address. The high tier flag is sticky.
func (p *Profiler) Record(ctx context.Context, address uint64, mode asm.Mode, highCq bool) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO funcs (address, mode, high_cq, calls) VALUES (?, ?, ?, 1)
		ON CONFLICT (address, mode) DO UPDATE SET calls = calls + 1, high_cq = max(high_cq, excluded.high_cq)`,
		int64(address), int(mode), b2i(highCq))
	if err != nil {
		return errors.Wrap(err, "record %#x", address)
	}

	return nil
}

// RemoveRange forgets functions starting in [addr, addr+size).
func (p *Profiler) RemoveRange(ctx context.Context, addr, size uint64) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM funcs WHERE address >= ? AND address < ?`, int64(addr), int64(addr+size))
	if err != nil {
		return errors.Wrap(err, "remove")
	}

	return nil
}

// Hottest returns up to n functions: high tier ones first, then by calls.
// n <= 0 means all.
func (p *Profiler) Hottest(ctx context.Context, n int) (_ []ProfiledFunc, err error) {
	rows, err := p.db.QueryContext(ctx, `SELECT address, mode, high_cq, calls FROM funcs`)
	if err != nil {
		return nil, errors.Wrap(err, "query")
	}

	defer func() {
		e := rows.Close()
		if err == nil {
			err = e
		}
	}()

	h := heap.Heap[ProfiledFunc]{Less: hotter}

	for rows.Next() {
		var f ProfiledFunc
		var addr int64
		var mode, high int

		err = rows.Scan(&addr, &mode, &high, &f.Calls)
		if err != nil {
			return nil, errors.Wrap(err, "scan")
		}

		f.Address = uint64(addr)
		f.Mode = asm.Mode(mode)
		f.HighCq = high != 0

		h.Push(f)
	}

	if err = rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows")
	}

	if n <= 0 || n > h.Len() {
		n = h.Len()
	}

	r := make([]ProfiledFunc, 0, n)

	for len(r) < n {
		r = append(r, h.Pop())
	}

	tlog.SpanFromContext(ctx).V("ptc").Printw("hottest", "n", len(r))

	return r, nil
}

func hotter(d []ProfiledFunc, i, j int) bool {
	if d[i].HighCq != d[j].HighCq {
		return d[i].HighCq
	}

	if d[i].Calls != d[j].Calls {
		return d[i].Calls > d[j].Calls
	}

	return d[i].Address < d[j].Address
}

func b2i(v bool) int {
	if v {
		return 1
	}

	return 0
}
