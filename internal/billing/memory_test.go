package billing

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/odyssey-erp/odyssey-clinic/internal/catalog"
	"github.com/odyssey-erp/odyssey-clinic/internal/patients"
)

type memoryState struct {
	patients     map[int64]patients.Patient
	invoices     map[int64]Invoice
	transactions []Transaction
	tokens       map[int64]AccessToken
	outbox       map[int64]OutboxEvent
	nextID       int64
	numberSeq    int64
}

func (s memoryState) clone() memoryState {
	out := s
	out.patients = maps.Clone(s.patients)
	out.invoices = maps.Clone(s.invoices)
	out.transactions = slices.Clone(s.transactions)
	out.tokens = maps.Clone(s.tokens)
	out.outbox = maps.Clone(s.outbox)
	return out
}

// memoryLedger serializes transactions on one mutex and commits a working
// copy only when the callback succeeds.
type memoryLedger struct {
	mu    sync.Mutex
	state memoryState
	// failUpdate forces UpdatePatientLedger to fail, to exercise rollback.
	failUpdate error
}

type memoryTx struct {
	ledger *memoryLedger
	state  *memoryState
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{state: memoryState{
		patients: make(map[int64]patients.Patient),
		invoices: make(map[int64]Invoice),
		tokens:   make(map[int64]AccessToken),
		outbox:   make(map[int64]OutboxEvent),
		nextID:   100,
	}}
}

func (l *memoryLedger) addPatient(p patients.Patient) patients.Patient {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p.ID == 0 {
		l.state.nextID++
		p.ID = l.state.nextID
	}
	if p.Number == "" {
		p.Number = fmt.Sprintf("MRN-%04d", p.ID)
	}
	if p.Status == "" {
		p.Status = patients.StatusActive
	}
	l.state.patients[p.ID] = p
	return p
}

func (l *memoryLedger) patient(id int64) patients.Patient {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.patients[id]
}

func (l *memoryLedger) invoice(id int64) Invoice {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.invoices[id]
}

func (l *memoryLedger) transactionsFor(invoiceID int64) []Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Transaction
	for _, txn := range l.state.transactions {
		if txn.InvoiceID == invoiceID {
			out = append(out, txn)
		}
	}
	return out
}

func (l *memoryLedger) tokensFor(invoiceID int64) []AccessToken {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []AccessToken
	for _, tok := range l.state.tokens {
		if tok.InvoiceID == invoiceID {
			out = append(out, tok)
		}
	}
	return out
}

func (l *memoryLedger) outboxCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.state.outbox)
}

func (l *memoryLedger) setBalance(patientID, balance int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.state.patients[patientID]
	p.Balance = balance
	l.state.patients[patientID] = p
}

func (l *memoryLedger) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	working := l.state.clone()
	if err := fn(ctx, &memoryTx{ledger: l, state: &working}); err != nil {
		return err
	}
	l.state = working
	return nil
}

func (l *memoryLedger) GetInvoiceDetail(ctx context.Context, id int64) (InvoiceDetail, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	inv, ok := l.state.invoices[id]
	if !ok {
		return InvoiceDetail{}, ErrInvoiceNotFound
	}
	detail := InvoiceDetail{Invoice: inv}
	for _, txn := range l.state.transactions {
		if txn.InvoiceID == id {
			detail.Transactions = append(detail.Transactions, txn)
		}
	}
	for _, tok := range l.state.tokens {
		if tok.InvoiceID == id {
			detail.AccessToken = &tok
		}
	}
	return detail, nil
}

func (l *memoryLedger) ListPatientInvoices(ctx context.Context, patientID int64, filter ListFilter) ([]Invoice, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var all []Invoice
	for _, inv := range l.state.invoices {
		if inv.PatientID != patientID {
			continue
		}
		if filter.Status != "" && inv.Status != filter.Status {
			continue
		}
		all = append(all, inv)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	start := (filter.Page - 1) * filter.PerPage
	if start >= len(all) {
		return nil, len(all), nil
	}
	end := min(start+filter.PerPage, len(all))
	return all[start:end], len(all), nil
}

func (l *memoryLedger) ListPatientIDs(ctx context.Context, afterID int64, limit int) ([]int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var ids []int64
	for id := range l.state.patients {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (l *memoryLedger) ListPendingOutbox(ctx context.Context, olderThan time.Time, limit int) ([]OutboxEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []OutboxEvent
	for _, evt := range l.state.outbox {
		if evt.DispatchedAt == nil && !evt.CreatedAt.After(olderThan) {
			out = append(out, evt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *memoryLedger) MarkOutboxDispatched(ctx context.Context, id int64, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	evt, ok := l.state.outbox[id]
	if !ok {
		return fmt.Errorf("outbox %d missing", id)
	}
	evt.DispatchedAt = &at
	l.state.outbox[id] = evt
	return nil
}

func (t *memoryTx) id() int64 {
	t.state.nextID++
	return t.state.nextID
}

func (t *memoryTx) GetPatientForUpdate(ctx context.Context, id int64) (patients.Patient, error) {
	p, ok := t.state.patients[id]
	if !ok {
		return patients.Patient{}, ErrPatientNotFound
	}
	return p, nil
}

func (t *memoryTx) NextInvoiceNumber(ctx context.Context, at time.Time) (string, error) {
	t.state.numberSeq++
	return fmt.Sprintf("INV-%s-%06d", at.Format("20060102"), t.state.numberSeq), nil
}

func (t *memoryTx) InsertInvoice(ctx context.Context, inv Invoice) (Invoice, error) {
	inv.ID = t.id()
	lines := make([]LineItem, len(inv.Lines))
	for i, line := range inv.Lines {
		line.ID = t.id()
		line.InvoiceID = inv.ID
		lines[i] = line
	}
	inv.Lines = lines
	t.state.invoices[inv.ID] = inv
	return inv, nil
}

func (t *memoryTx) GetInvoiceForUpdate(ctx context.Context, id int64) (Invoice, error) {
	inv, ok := t.state.invoices[id]
	if !ok {
		return Invoice{}, ErrInvoiceNotFound
	}
	return inv, nil
}

func (t *memoryTx) UpdateInvoiceState(ctx context.Context, update StateUpdate) error {
	inv, ok := t.state.invoices[update.ID]
	if !ok {
		return ErrInvoiceNotFound
	}
	if inv.Version != update.ExpectedVersion {
		return ErrConcurrentUpdate
	}
	inv.PaidAmount = update.PaidAmount
	inv.Status = update.Status
	inv.CancelledBy = update.CancelledBy
	inv.CancelledAt = update.CancelledAt
	inv.UpdatedAt = update.At
	inv.Version++
	t.state.invoices[inv.ID] = inv
	return nil
}

func (t *memoryTx) InsertTransaction(ctx context.Context, txn Transaction) (Transaction, error) {
	txn.ID = t.id()
	t.state.transactions = append(t.state.transactions, txn)
	return txn, nil
}

func (t *memoryTx) InsertOutboxEvent(ctx context.Context, evt OutboxEvent) (OutboxEvent, error) {
	evt.ID = t.id()
	t.state.outbox[evt.ID] = evt
	return evt, nil
}

func (t *memoryTx) SumPatientLedger(ctx context.Context, patientID int64) (LedgerTotals, error) {
	var totals LedgerTotals
	for _, inv := range t.state.invoices {
		if inv.PatientID != patientID || inv.Status == StatusCancelled {
			continue
		}
		totals.Paid += inv.PaidAmount
		totals.Total += inv.TotalAmount
	}
	return totals, nil
}

func (t *memoryTx) UpdatePatientLedger(ctx context.Context, patientID int64, balance int64, visitDate *time.Time) error {
	if t.ledger.failUpdate != nil {
		return t.ledger.failUpdate
	}
	p, ok := t.state.patients[patientID]
	if !ok {
		return ErrPatientNotFound
	}
	p.Balance = balance
	if visitDate != nil {
		v := *visitDate
		p.LastVisitDate = &v
	}
	t.state.patients[patientID] = p
	return nil
}

func (t *memoryTx) GetAccessTokenByInvoice(ctx context.Context, invoiceID int64) (AccessToken, error) {
	for _, tok := range t.state.tokens {
		if tok.InvoiceID == invoiceID {
			return tok, nil
		}
	}
	return AccessToken{}, ErrTokenNotFound
}

func (t *memoryTx) InsertAccessToken(ctx context.Context, token AccessToken) (AccessToken, error) {
	for _, tok := range t.state.tokens {
		if tok.InvoiceID == token.InvoiceID {
			return AccessToken{}, fmt.Errorf("duplicate token for invoice %d", token.InvoiceID)
		}
	}
	token.ID = t.id()
	t.state.tokens[token.ID] = token
	return token, nil
}

func (t *memoryTx) SetAccessTokenActive(ctx context.Context, id int64, active bool, at time.Time) error {
	tok, ok := t.state.tokens[id]
	if !ok {
		return ErrTokenNotFound
	}
	tok.Active = active
	tok.UpdatedAt = at
	t.state.tokens[id] = tok
	return nil
}

// deactivateToken simulates admission consuming a token.
func (l *memoryLedger) deactivateToken(invoiceID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, tok := range l.state.tokens {
		if tok.InvoiceID == invoiceID {
			tok.Active = false
			l.state.tokens[id] = tok
		}
	}
}

type memoryCatalog struct {
	mu    sync.Mutex
	items map[int64]catalog.Item
	err   error
	calls int
}

func newMemoryCatalog(items ...catalog.Item) *memoryCatalog {
	c := &memoryCatalog{items: make(map[int64]catalog.Item)}
	for _, item := range items {
		c.items[item.ID] = item
	}
	return c
}

func (c *memoryCatalog) Lookup(ctx context.Context, serviceID int64) (catalog.Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return catalog.Item{}, c.err
	}
	item, ok := c.items[serviceID]
	if !ok {
		return catalog.Item{}, catalog.ErrNotFound
	}
	return item, nil
}
