// Package store provides the in-memory ledger.TxStore.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/warp/loan-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu    sync.RWMutex
	loans map[ledger.LoanKey]*loanEntry
}

type loanEntry struct {
	state    *ledger.LoanState
	payments []ledger.PaymentRecord
}

func NewMemory() *Memory {
	return &Memory{loans: make(map[ledger.LoanKey]*loanEntry)}
}

func (m *Memory) CreateLoan(_ context.Context, state *ledger.LoanState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := state.Loan.Key()
	if _, ok := m.loans[k]; ok {
		return ledger.ErrLoanExists
	}
	st := state.Clone()
	st.Loan.Version = 1
	ledger.SortInstallments(st.Installments)
	m.loans[k] = &loanEntry{state: st}
	return nil
}

func (m *Memory) LoadLoan(_ context.Context, k ledger.LoanKey) (*ledger.LoanState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.loans[k]
	if !ok {
		return nil, ledger.ErrLoanNotFound
	}
	return e.state.Clone(), nil
}

func (m *Memory) PaymentsByTransaction(_ context.Context, k ledger.LoanKey, txID string) ([]ledger.PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.loans[k]
	if !ok {
		return nil, ledger.ErrLoanNotFound
	}
	return byTransaction(e.payments, txID), nil
}

func (m *Memory) Payments(_ context.Context, k ledger.LoanKey) ([]ledger.PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.loans[k]
	if !ok {
		return nil, ledger.ErrLoanNotFound
	}
	out := make([]ledger.PaymentRecord, len(e.payments))
	copy(out, e.payments)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].RecordedAt.Equal(out[j].RecordedAt) {
			return out[i].RecordedAt.Before(out[j].RecordedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) ListLoans(_ context.Context, agencyID ledger.AgencyID) ([]ledger.LoanKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []ledger.LoanKey
	for k := range m.loans {
		if k.AgencyID == agencyID {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].LoanID < keys[j].LoanID })
	return keys, nil
}

func byTransaction(payments []ledger.PaymentRecord, txID string) []ledger.PaymentRecord {
	var out []ledger.PaymentRecord
	for _, p := range payments {
		if p.TransactionID == txID {
			out = append(out, p)
		}
	}
	return out
}

// =============================================================================
// TRANSACTIONS - Snapshot read, staged writes, version check at commit
// =============================================================================

// WithLoanTx runs fn against a snapshot of the loan. Writes are staged and
// applied under the write lock only if the loan is still at the version
// that was read. fn runs without holding any lock, so concurrent
// transactions on the same loan genuinely race.
func (m *Memory) WithLoanTx(ctx context.Context, k ledger.LoanKey, fn func(ledger.LoanTx) error) error {
	m.mu.RLock()
	e, ok := m.loans[k]
	if !ok {
		m.mu.RUnlock()
		return ledger.ErrLoanNotFound
	}
	view := &memoryTx{
		state:    e.state.Clone(),
		payments: append([]ledger.PaymentRecord(nil), e.payments...),
	}
	m.mu.RUnlock()

	if err := fn(view); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.commit(k, view)
}

func (m *Memory) commit(k ledger.LoanKey, view *memoryTx) error {
	if view.loan == nil && len(view.installments) == 0 && len(view.appended) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.loans[k]
	if e.state.Loan.Version != view.state.Loan.Version {
		return ledger.ErrConcurrentModification
	}
	seen := make(map[string]bool, len(e.payments))
	for _, p := range e.payments {
		seen[p.ID] = true
	}
	for _, p := range view.appended {
		if seen[p.ID] {
			return ledger.ErrConcurrentModification
		}
	}

	next := e.state.Clone()
	for _, inst := range view.installments {
		for i := range next.Installments {
			if next.Installments[i].ID == inst.ID {
				next.Installments[i] = inst
			}
		}
	}
	if view.loan != nil {
		next.Loan = *view.loan
	}
	next.Loan.Version = e.state.Loan.Version + 1

	e.payments = append(e.payments, view.appended...)
	next.AdHocPaid = adHocTotal(e.payments)
	e.state = next.Clone()
	return nil
}

func adHocTotal(payments []ledger.PaymentRecord) decimal.Decimal {
	sum := decimal.Zero
	for _, p := range payments {
		if p.Type == ledger.PaymentAdHoc {
			sum = sum.Add(p.Amount)
		}
	}
	return sum
}

// memoryTx is the transactional view handed to fn.
type memoryTx struct {
	state    *ledger.LoanState
	payments []ledger.PaymentRecord

	loan         *ledger.Loan
	installments []ledger.Installment
	appended     []ledger.PaymentRecord
}

func (t *memoryTx) Load(context.Context) (*ledger.LoanState, error) {
	return t.state.Clone(), nil
}

func (t *memoryTx) PaymentsByTransaction(_ context.Context, txID string) ([]ledger.PaymentRecord, error) {
	return byTransaction(t.payments, txID), nil
}

func (t *memoryTx) SaveInstallment(_ context.Context, inst ledger.Installment) error {
	if inst.LastPaymentDate != nil {
		d := *inst.LastPaymentDate
		inst.LastPaymentDate = &d
	}
	t.installments = append(t.installments, inst)
	return nil
}

func (t *memoryTx) AppendPayment(_ context.Context, rec ledger.PaymentRecord) error {
	for _, p := range t.appended {
		if p.ID == rec.ID {
			return ledger.ErrConcurrentModification
		}
	}
	t.appended = append(t.appended, rec)
	return nil
}

func (t *memoryTx) SaveLoan(_ context.Context, loan ledger.Loan) error {
	if loan.UpcomingDueDate != nil {
		d := *loan.UpcomingDueDate
		loan.UpcomingDueDate = &d
	}
	t.loan = &loan
	return nil
}
