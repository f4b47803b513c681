package dispute

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"courierpay/escrow"
)

func TestFile(t *testing.T) {
	escrows := &fakeEscrows{
		transaction: escrow.Transaction{ID: "esc-1", CustomerID: "cust-1", MerchantID: "merch-1", Status: escrow.StatusDisputed},
	}
	store := &fakeDisputeStore{}
	pool := &fakePool{}
	svc := NewService(pool, store, escrows)

	rec, err := svc.File(context.Background(), "esc-1", "cust-1", TypeNotDelivered, "package never arrived")
	if err != nil {
		t.Fatalf("file: %v", err)
	}
	if rec.Status != StatusOpen {
		t.Fatalf("expected open, got %s", rec.Status)
	}
	if escrows.openCalls != 1 {
		t.Fatalf("expected escrow frozen once, got %d", escrows.openCalls)
	}
	if rec.ID != escrows.lastDisputeID {
		t.Fatalf("dispute id %q not threaded to escrow (%q)", rec.ID, escrows.lastDisputeID)
	}
	if !pool.tx.committed {
		t.Fatal("expected transaction commit")
	}
}

func TestFile_NonPartyForbidden(t *testing.T) {
	escrows := &fakeEscrows{
		transaction: escrow.Transaction{ID: "esc-1", CustomerID: "cust-1", MerchantID: "merch-1"},
	}
	store := &fakeDisputeStore{}
	pool := &fakePool{}
	svc := NewService(pool, store, escrows)

	_, err := svc.File(context.Background(), "esc-1", "stranger", TypeOther, "")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if store.inserted != 0 {
		t.Fatal("forbidden filing must not insert a record")
	}
	if pool.tx.committed {
		t.Fatal("forbidden filing must roll back")
	}
}

func TestFile_EscrowNotPaid(t *testing.T) {
	escrows := &fakeEscrows{openErr: escrow.ErrInvalidTransition}
	svc := NewService(&fakePool{}, &fakeDisputeStore{}, escrows)

	_, err := svc.File(context.Background(), "esc-1", "cust-1", TypeDamaged, "")
	if !errors.Is(err, escrow.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestResolve_Release(t *testing.T) {
	escrows := &fakeEscrows{}
	store := &fakeDisputeStore{record: Record{ID: "d-1", EscrowID: "esc-1", Status: StatusInvestigating}}
	pool := &fakePool{}
	svc := NewService(pool, store, escrows)

	rec, err := svc.Resolve(context.Background(), "d-1", ResolutionRelease, "admin-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if rec.Status != StatusResolved {
		t.Fatalf("expected resolved, got %s", rec.Status)
	}
	if escrows.releaseCalls != 1 {
		t.Fatalf("expected one release, got %d", escrows.releaseCalls)
	}
	if escrows.lastTrigger != escrow.TriggerDisputeResolved {
		t.Fatalf("expected dispute_resolved trigger, got %s", escrows.lastTrigger)
	}
	if escrows.refundCalls != 0 {
		t.Fatal("release verdict must not refund")
	}
	if !pool.tx.committed {
		t.Fatal("expected transaction commit")
	}
}

func TestResolve_Refund(t *testing.T) {
	escrows := &fakeEscrows{}
	store := &fakeDisputeStore{record: Record{ID: "d-1", EscrowID: "esc-1", Status: StatusOpen}}
	svc := NewService(&fakePool{}, store, escrows)

	if _, err := svc.Resolve(context.Background(), "d-1", ResolutionRefund, "admin-1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if escrows.refundCalls != 1 {
		t.Fatalf("expected one refund, got %d", escrows.refundCalls)
	}
	if escrows.releaseCalls != 0 {
		t.Fatal("refund verdict must not release")
	}
}

func TestResolve_UnknownResolution(t *testing.T) {
	svc := NewService(&fakePool{}, &fakeDisputeStore{}, &fakeEscrows{})
	if _, err := svc.Resolve(context.Background(), "d-1", Resolution("split"), "admin-1"); err == nil {
		t.Fatal("expected error for unknown resolution")
	}
}

func TestResolve_EscrowFailureRollsBack(t *testing.T) {
	escrows := &fakeEscrows{refundErr: errors.New("gateway down")}
	store := &fakeDisputeStore{record: Record{ID: "d-1", EscrowID: "esc-1"}}
	pool := &fakePool{}
	svc := NewService(pool, store, escrows)

	if _, err := svc.Resolve(context.Background(), "d-1", ResolutionRefund, "admin-1"); err == nil {
		t.Fatal("expected error when escrow refund fails")
	}
	if pool.tx.committed {
		t.Fatal("escrow failure must roll the dispute stamp back")
	}
}

type fakeEscrows struct {
	transaction   escrow.Transaction
	openErr       error
	releaseErr    error
	refundErr     error
	openCalls     int
	releaseCalls  int
	refundCalls   int
	lastDisputeID string
	lastTrigger   escrow.ReleaseTrigger
}

func (f *fakeEscrows) OpenDisputeInTx(_ context.Context, _ pgx.Tx, id, disputeID string, _ *string) (escrow.Transaction, error) {
	if f.openErr != nil {
		return escrow.Transaction{}, f.openErr
	}
	f.openCalls++
	f.lastDisputeID = disputeID
	return f.transaction, nil
}

func (f *fakeEscrows) ReleaseInTx(_ context.Context, _ pgx.Tx, id string, trigger escrow.ReleaseTrigger, _ *string) (escrow.Transaction, error) {
	if f.releaseErr != nil {
		return escrow.Transaction{}, f.releaseErr
	}
	f.releaseCalls++
	f.lastTrigger = trigger
	return f.transaction, nil
}

func (f *fakeEscrows) RefundInTx(_ context.Context, _ pgx.Tx, id string, _ *string) (escrow.Transaction, error) {
	if f.refundErr != nil {
		return escrow.Transaction{}, f.refundErr
	}
	f.refundCalls++
	return f.transaction, nil
}

type fakeDisputeStore struct {
	record   Record
	inserted int
}

func (f *fakeDisputeStore) Insert(_ context.Context, _ pgx.Tx, id, escrowID, filedBy string, dtype Type, reason string) (Record, error) {
	f.inserted++
	return Record{ID: id, EscrowID: escrowID, FiledBy: filedBy, Type: dtype, Reason: reason, Status: StatusOpen}, nil
}

func (f *fakeDisputeStore) Get(context.Context, string) (Record, error) {
	return f.record, nil
}

func (f *fakeDisputeStore) ListForUser(context.Context, string) ([]Record, error) {
	return []Record{f.record}, nil
}

func (f *fakeDisputeStore) MarkInvestigating(_ context.Context, id string) (Record, error) {
	rec := f.record
	rec.Status = StatusInvestigating
	return rec, nil
}

func (f *fakeDisputeStore) MarkResolved(_ context.Context, _ pgx.Tx, id string, resolution Resolution) (Record, error) {
	rec := f.record
	rec.Status = StatusResolved
	rec.Resolution = &resolution
	return rec, nil
}

func (f *fakeDisputeStore) MarkClosed(_ context.Context, id string) (Record, error) {
	rec := f.record
	rec.Status = StatusClosed
	return rec, nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
