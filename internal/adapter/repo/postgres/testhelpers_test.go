package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// rowStub implements pgx.Row.
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

func errRow(err error) rowStub { return rowStub{scan: func(...any) error { return err }} }

// rowsStub implements pgx.Rows over a list of scan functions.
type rowsStub struct {
	pgx.Rows
	scans  []func(dest ...any) error
	i      int
	err    error
	closed bool
}

func (r *rowsStub) Next() bool {
	if r.i >= len(r.scans) {
		return false
	}
	r.i++
	return true
}
func (r *rowsStub) Scan(dest ...any) error { return r.scans[r.i-1](dest...) }
func (r *rowsStub) Err() error             { return r.err }
func (r *rowsStub) Close()                 { r.closed = true }

type call struct {
	sql  string
	args []any
}

// poolStub implements PgxPool. Each hook is optional.
type poolStub struct {
	exec     func(sql string, args ...any) (pgconn.CommandTag, error)
	queryRow func(sql string, args ...any) pgx.Row
	query    func(sql string, args ...any) (pgx.Rows, error)
	beginTx  func() (pgx.Tx, error)
	calls    []call
}

func (p *poolStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.calls = append(p.calls, call{sql, args})
	if p.exec == nil {
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}
	return p.exec(sql, args...)
}

func (p *poolStub) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	p.calls = append(p.calls, call{sql, args})
	if p.queryRow == nil {
		return errRow(errors.New("no row configured"))
	}
	return p.queryRow(sql, args...)
}

func (p *poolStub) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	p.calls = append(p.calls, call{sql, args})
	if p.query == nil {
		return nil, errors.New("no rows configured")
	}
	return p.query(sql, args...)
}

func (p *poolStub) BeginTx(_ context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	if p.beginTx == nil {
		return nil, errors.New("no tx configured")
	}
	return p.beginTx()
}

// txStub implements the parts of pgx.Tx the repos use.
type txStub struct {
	pgx.Tx
	execErrOn   string
	count       int64
	countErr    error
	commitErr   error
	execs       []string
	committed   bool
	rolledBack  bool
	rowsAffects map[string]int64
}

func (t *txStub) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	t.execs = append(t.execs, sql)
	if t.execErrOn != "" && strings.Contains(sql, t.execErrOn) {
		return pgconn.CommandTag{}, fmt.Errorf("exec failed on %s", t.execErrOn)
	}
	for frag, n := range t.rowsAffects {
		if strings.Contains(sql, frag) {
			return pgconn.NewCommandTag(fmt.Sprintf("DELETE %d", n)), nil
		}
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (t *txStub) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	return rowStub{scan: func(dest ...any) error {
		if t.countErr != nil {
			return t.countErr
		}
		*(dest[0].(*int64)) = t.count
		return nil
	}}
}

func (t *txStub) Commit(_ context.Context) error {
	if t.commitErr != nil {
		return t.commitErr
	}
	t.committed = true
	return nil
}

func (t *txStub) Rollback(_ context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}
