package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-clinic/internal/billing/discount"
	"github.com/odyssey-erp/odyssey-clinic/internal/catalog"
	"github.com/odyssey-erp/odyssey-clinic/internal/patients"
	"github.com/odyssey-erp/odyssey-clinic/internal/shared"
)

var (
	wib       = time.FixedZone("WIB", 7*3600)
	clockNow  = time.Date(2026, 3, 10, 9, 30, 0, 0, wib)
	reception = shared.Actor{ID: 7, Role: shared.RoleReceptionist}
	cashier   = shared.Actor{ID: 8, Role: shared.RoleCashier}
)

const (
	svcConsult = int64(1)
	svcLab     = int64(2)
	svcRetired = int64(3)
)

type recordingAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *recordingAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

func (a *recordingAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, log := range a.logs {
		out = append(out, log.Action)
	}
	return out
}

type memoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func (m *memoryIdempotency) CheckAndInsert(ctx context.Context, key, module string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		m.keys = make(map[string]struct{})
	}
	if _, ok := m.keys[module+"|"+key]; ok {
		return shared.ErrIdempotencyConflict
	}
	m.keys[module+"|"+key] = struct{}{}
	return nil
}

func (m *memoryIdempotency) Delete(ctx context.Context, key, module string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, module+"|"+key)
	return nil
}

type channelDispatcher struct {
	ch chan []OutboxEvent
}

func (d *channelDispatcher) Dispatch(ctx context.Context, events []OutboxEvent) {
	d.ch <- events
}

type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func (m *countingMetrics) ObserveLedgerOp(op, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[string]int)
	}
	m.counts[op+"/"+outcome]++
}

func (m *countingMetrics) get(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key]
}

type fixture struct {
	svc        *Service
	ledger     *memoryLedger
	catalog    *memoryCatalog
	audit      *recordingAudit
	dispatcher *channelDispatcher
	metrics    *countingMetrics
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ledger := newMemoryLedger()
	cat := newMemoryCatalog(
		catalog.Item{ID: svcConsult, Code: "CONS", Name: "General consultation", Category: catalog.CategoryConsultation, UnitPrice: 100000, IsActive: true},
		catalog.Item{ID: svcLab, Code: "LAB-CBC", Name: "Complete blood count", Category: catalog.CategoryLab, UnitPrice: 50000, IsActive: true},
		catalog.Item{ID: svcRetired, Code: "OLD", Name: "Retired service", Category: catalog.CategoryProcedure, UnitPrice: 10000, IsActive: false},
	)
	audit := &recordingAudit{}
	dispatcher := &channelDispatcher{ch: make(chan []OutboxEvent, 8)}
	metrics := &countingMetrics{}
	svc := NewService(ledger, cat, audit, ServiceConfig{Location: wib})
	svc.WithNow(func() time.Time { return clockNow })
	svc.SetEvents(dispatcher)
	svc.SetIdempotency(&memoryIdempotency{})
	svc.SetMetrics(metrics)
	return fixture{svc: svc, ledger: ledger, catalog: cat, audit: audit, dispatcher: dispatcher, metrics: metrics}
}

func daysAgo(n int) *time.Time {
	v := clockNow.AddDate(0, 0, -n)
	return &v
}

func (f fixture) receiveEvents(t *testing.T) []OutboxEvent {
	t.Helper()
	select {
	case events := <-f.dispatcher.ch:
		return events
	case <-time.After(2 * time.Second):
		t.Fatal("expected outbox events to be dispatched")
		return nil
	}
}

func (f fixture) requireNoEvents(t *testing.T) {
	t.Helper()
	select {
	case events := <-f.dispatcher.ch:
		t.Fatalf("unexpected dispatch: %+v", events)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCreateInvoiceFreeRevisitIsPaidWithToken(t *testing.T) {
	f := newFixture(t)
	patient := f.ledger.addPatient(patients.Patient{FullName: "Siti", LastVisitDate: daysAgo(2)})

	inv, err := f.svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		PatientID: patient.ID,
		Items:     []LineRequest{{ServiceID: svcConsult, Quantity: 1}},
		Source:    SourceReception,
	}, reception)
	require.NoError(t, err)
	require.Equal(t, int64(100000), inv.Subtotal)
	require.Equal(t, int64(100000), inv.AutoDiscount)
	require.Equal(t, int64(0), inv.TotalAmount)
	require.Equal(t, StatusPaid, inv.Status)
	require.Equal(t, discount.TierFree, inv.DiscountTier)
	require.Equal(t, "revisit within 2 days, free", inv.DiscountReason)
	require.NotNil(t, inv.DaysSinceLastVisit)
	require.Equal(t, 2, *inv.DaysSinceLastVisit)

	tokens := f.ledger.tokensFor(inv.ID)
	require.Len(t, tokens, 1)
	require.True(t, tokens[0].Active)
	require.Equal(t, DeriveToken(patient.Number, inv.Number), tokens[0].Token)

	stored := f.ledger.patient(patient.ID)
	require.Equal(t, int64(0), stored.Balance)
	require.NotNil(t, stored.LastVisitDate)
	require.True(t, stored.LastVisitDate.Equal(clockNow))

	require.Equal(t, 0, f.ledger.outboxCount())
	f.requireNoEvents(t)
	require.Equal(t, []string{"billing.invoice.create"}, f.audit.actions())
	require.Equal(t, 1, f.metrics.get("create_invoice/ok"))
}

func TestCreateInvoiceHalfPriceRevisitQueuesDebtNotice(t *testing.T) {
	f := newFixture(t)
	patient := f.ledger.addPatient(patients.Patient{FullName: "Budi", LastVisitDate: daysAgo(5)})

	inv, err := f.svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		PatientID: patient.ID,
		Items:     []LineRequest{{ServiceID: svcConsult, Quantity: 2}},
		Source:    SourceDoctor,
	}, reception)
	require.NoError(t, err)
	require.Equal(t, int64(200000), inv.Subtotal)
	require.Equal(t, int64(100000), inv.AutoDiscount)
	require.Equal(t, int64(100000), inv.TotalAmount)
	require.Equal(t, StatusPending, inv.Status)
	require.Equal(t, "revisit within 5 days, half price", inv.DiscountReason)
	require.Empty(t, f.ledger.tokensFor(inv.ID))
	require.Equal(t, int64(-100000), f.ledger.patient(patient.ID).Balance)

	events := f.receiveEvents(t)
	require.Len(t, events, 1)
	require.Equal(t, EventDebtNotify, events[0].Kind)
	require.Equal(t, inv.ID, events[0].AggregateID)
	require.Equal(t, 1, f.ledger.outboxCount())
}

func TestCreateInvoiceManualDiscountCap(t *testing.T) {
	f := newFixture(t)
	patient := f.ledger.addPatient(patients.Patient{FullName: "Ayu"})
	input := CreateInvoiceInput{
		PatientID:      patient.ID,
		Items:          []LineRequest{{ServiceID: svcLab}},
		ManualDiscount: 20000,
		Source:         SourceReception,
	}

	_, err := f.svc.CreateInvoice(context.Background(), input, reception)
	require.ErrorIs(t, err, ErrDiscountExceedsCap)
	require.ErrorIs(t, err, shared.ErrPolicyViolation)
	var capErr *discount.CapError
	require.True(t, errors.As(err, &capErr))
	require.Equal(t, int64(10000), capErr.MaxAllowed)
	list, page, err := f.svc.ListPatientInvoices(context.Background(), patient.ID, ListFilter{})
	require.NoError(t, err)
	require.Empty(t, list)
	require.Equal(t, 0, page.Total)
	require.Equal(t, 0, f.ledger.outboxCount())
	require.Nil(t, f.ledger.patient(patient.ID).LastVisitDate)
	require.Equal(t, 1, f.metrics.get("create_invoice/policy"))

	inv, err := f.svc.CreateInvoice(context.Background(), input, cashier)
	require.NoError(t, err)
	require.Equal(t, int64(20000), inv.ManualDiscount)
	require.Equal(t, int64(30000), inv.TotalAmount)
}

func TestCreateInvoiceRecordsAppliedManualDiscount(t *testing.T) {
	f := newFixture(t)
	patient := f.ledger.addPatient(patients.Patient{FullName: "Rina", LastVisitDate: daysAgo(5)})

	inv, err := f.svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		PatientID:      patient.ID,
		Items:          []LineRequest{{ServiceID: svcConsult}},
		ManualDiscount: 80000,
		Source:         SourceReception,
	}, cashier)
	require.NoError(t, err)
	require.Equal(t, int64(50000), inv.AutoDiscount)
	require.Equal(t, int64(50000), inv.ManualDiscount)
	require.Equal(t, int64(100000), inv.DiscountAmount)
	require.Equal(t, inv.DiscountAmount, inv.AutoDiscount+inv.ManualDiscount)
	require.Equal(t, int64(0), inv.TotalAmount)
	require.Equal(t, StatusPaid, inv.Status)
}

func TestCreateInvoiceUnknownServicePersistsNothing(t *testing.T) {
	f := newFixture(t)
	patient := f.ledger.addPatient(patients.Patient{FullName: "Dewi", Balance: -5000})

	_, err := f.svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		PatientID: patient.ID,
		Items:     []LineRequest{{ServiceID: svcConsult}, {ServiceID: 999}},
		Source:    SourceReception,
	}, reception)
	require.ErrorIs(t, err, ErrServiceNotFound)
	require.ErrorIs(t, err, shared.ErrNotFound)

	stored := f.ledger.patient(patient.ID)
	require.Equal(t, int64(-5000), stored.Balance)
	require.Nil(t, stored.LastVisitDate)
	list, _, err := f.svc.ListPatientInvoices(context.Background(), patient.ID, ListFilter{})
	require.NoError(t, err)
	require.Empty(t, list)
	require.Equal(t, 0, f.ledger.outboxCount())
	require.Empty(t, f.audit.actions())
}

func TestCreateInvoiceRejections(t *testing.T) {
	f := newFixture(t)
	patient := f.ledger.addPatient(patients.Patient{FullName: "Rina"})
	inactive := f.ledger.addPatient(patients.Patient{FullName: "Old", Status: patients.StatusInactive})

	cases := []struct {
		name  string
		input CreateInvoiceInput
		actor shared.Actor
		want  error
	}{
		{"anonymous actor", CreateInvoiceInput{PatientID: patient.ID, Items: []LineRequest{{ServiceID: svcConsult}}, Source: SourceReception}, shared.Actor{}, ErrActorRequired},
		{"no items", CreateInvoiceInput{PatientID: patient.ID, Source: SourceReception}, reception, ErrNoLineItems},
		{"negative quantity", CreateInvoiceInput{PatientID: patient.ID, Items: []LineRequest{{ServiceID: svcConsult, Quantity: -1}}, Source: SourceReception}, reception, ErrInvalidQuantity},
		{"inactive service", CreateInvoiceInput{PatientID: patient.ID, Items: []LineRequest{{ServiceID: svcRetired}}, Source: SourceReception}, reception, ErrServiceInactive},
		{"unknown patient", CreateInvoiceInput{PatientID: 4242, Items: []LineRequest{{ServiceID: svcConsult}}, Source: SourceReception}, reception, ErrPatientNotFound},
		{"inactive patient", CreateInvoiceInput{PatientID: inactive.ID, Items: []LineRequest{{ServiceID: svcConsult}}, Source: SourceReception}, reception, ErrPatientInactive},
		{"unknown source", CreateInvoiceInput{PatientID: patient.ID, Items: []LineRequest{{ServiceID: svcConsult}}, Source: "kiosk"}, reception, ErrInvalidSource},
		{"initial payment without method", CreateInvoiceInput{PatientID: patient.ID, Items: []LineRequest{{ServiceID: svcConsult}}, InitialPaid: 10, Source: SourceReception}, reception, ErrInvalidMethod},
		{"initial payment above total", CreateInvoiceInput{PatientID: patient.ID, Items: []LineRequest{{ServiceID: svcConsult}}, InitialPaid: 100001, PaymentMethod: MethodCash, Source: SourceReception}, reception, ErrOverpayment},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.CreateInvoice(context.Background(), tc.input, tc.actor)
			require.ErrorIs(t, err, tc.want)
		})
	}
	require.Equal(t, int64(0), f.ledger.patient(patient.ID).Balance)
}

func TestCreateInvoiceCatalogOutageIsUpstream(t *testing.T) {
	f := newFixture(t)
	patient := f.ledger.addPatient(patients.Patient{FullName: "Eka"})
	f.catalog.err = errors.New("redis: connection refused")

	_, err := f.svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		PatientID: patient.ID,
		Items:     []LineRequest{{ServiceID: svcConsult}},
		Source:    SourceReception,
	}, reception)
	require.ErrorIs(t, err, ErrCatalogUnavailable)
	require.Equal(t, "upstream", Outcome(err))
}

func TestCreateInvoiceRollsBackWhenBalanceWriteFails(t *testing.T) {
	f := newFixture(t)
	patient := f.ledger.addPatient(patients.Patient{FullName: "Joko"})
	f.ledger.failUpdate = errors.New("disk full")

	_, err := f.svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		PatientID:     patient.ID,
		Items:         []LineRequest{{ServiceID: svcConsult}},
		InitialPaid:   40000,
		PaymentMethod: MethodCash,
		Source:        SourceReception,
	}, reception)
	require.Error(t, err)

	list, _, err := f.svc.ListPatientInvoices(context.Background(), patient.ID, ListFilter{})
	require.NoError(t, err)
	require.Empty(t, list)
	require.Equal(t, 0, f.ledger.outboxCount())
	f.requireNoEvents(t)
}

func TestCreateInvoiceNoNoticeWhenPaidWithOlderDebt(t *testing.T) {
	f := newFixture(t)
	patient := f.ledger.addPatient(patients.Patient{FullName: "Tono"})
	_, err := f.svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		PatientID: patient.ID,
		Items:     []LineRequest{{ServiceID: svcLab}},
		Source:    SourceLab,
	}, reception)
	require.NoError(t, err)
	f.receiveEvents(t)

	free, err := f.svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		PatientID: patient.ID,
		Items:     []LineRequest{{ServiceID: svcConsult}},
		Source:    SourceReception,
	}, reception)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, free.Status)
	require.Equal(t, int64(-50000), f.ledger.patient(patient.ID).Balance)

	f.requireNoEvents(t)
	require.Equal(t, 1, f.ledger.outboxCount())
}

func newPendingInvoice(t *testing.T, f fixture, initialPaid int64) (patients.Patient, Invoice) {
	t.Helper()
	patient := f.ledger.addPatient(patients.Patient{FullName: "Pasien"})
	input := CreateInvoiceInput{
		PatientID: patient.ID,
		Items:     []LineRequest{{ServiceID: svcConsult}},
		Source:    SourceReception,
	}
	if initialPaid > 0 {
		input.InitialPaid = initialPaid
		input.PaymentMethod = MethodCash
	}
	inv, err := f.svc.CreateInvoice(context.Background(), input, reception)
	require.NoError(t, err)
	require.Equal(t, int64(100000), inv.TotalAmount)
	f.receiveEvents(t)
	return patient, inv
}

func TestApplyPaymentConcurrentOverpaymentOnlyOneWins(t *testing.T) {
	f := newFixture(t)
	patient, inv := newPendingInvoice(t, f, 0)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.svc.ApplyPayment(context.Background(), ApplyPaymentInput{
				InvoiceID: inv.ID,
				Amount:    60000,
				Method:    MethodCash,
			}, cashier)
		}()
	}
	wg.Wait()

	var ok, over int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrOverpayment):
			over++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, over)

	stored := f.ledger.invoice(inv.ID)
	require.Equal(t, int64(60000), stored.PaidAmount)
	require.Equal(t, StatusPartial, stored.Status)
	require.Len(t, f.ledger.transactionsFor(inv.ID), 1)
	require.Equal(t, int64(-40000), f.ledger.patient(patient.ID).Balance)
}

func TestApplyPaymentOverpaymentLeavesInvoiceUnchanged(t *testing.T) {
	f := newFixture(t)
	patient, inv := newPendingInvoice(t, f, 30000)

	_, err := f.svc.ApplyPayment(context.Background(), ApplyPaymentInput{
		InvoiceID: inv.ID,
		Amount:    70001,
		Method:    MethodCard,
	}, cashier)
	require.ErrorIs(t, err, ErrOverpayment)
	require.ErrorIs(t, err, shared.ErrConflict)

	stored := f.ledger.invoice(inv.ID)
	require.Equal(t, int64(30000), stored.PaidAmount)
	require.Equal(t, StatusPartial, stored.Status)
	require.Equal(t, inv.Version, stored.Version)
	require.Len(t, f.ledger.transactionsFor(inv.ID), 1)
	require.Equal(t, int64(-70000), f.ledger.patient(patient.ID).Balance)
	require.Equal(t, 1, f.metrics.get("apply_payment/conflict"))
}

func TestApplyPaymentSettlesInvoiceAndIssuesToken(t *testing.T) {
	f := newFixture(t)
	patient, inv := newPendingInvoice(t, f, 0)

	partial, err := f.svc.ApplyPayment(context.Background(), ApplyPaymentInput{InvoiceID: inv.ID, Amount: 25000, Method: MethodCash}, cashier)
	require.NoError(t, err)
	require.Equal(t, StatusPartial, partial.Status)
	require.Empty(t, f.ledger.tokensFor(inv.ID))

	paid, err := f.svc.ApplyPayment(context.Background(), ApplyPaymentInput{InvoiceID: inv.ID, Amount: 75000, Method: MethodTransfer}, cashier)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, paid.Status)
	require.Equal(t, int64(100000), paid.PaidAmount)
	require.Equal(t, inv.Version+2, paid.Version)

	tokens := f.ledger.tokensFor(inv.ID)
	require.Len(t, tokens, 1)
	require.True(t, tokens[0].Active)
	require.Equal(t, DeriveToken(patient.Number, inv.Number), tokens[0].Token)
	require.Equal(t, int64(0), f.ledger.patient(patient.ID).Balance)

	detail, err := f.svc.GetInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Len(t, detail.Transactions, 2)
	require.NotNil(t, detail.AccessToken)

	_, err = f.svc.ApplyPayment(context.Background(), ApplyPaymentInput{InvoiceID: inv.ID, Amount: 1, Method: MethodCash}, cashier)
	require.ErrorIs(t, err, ErrOverpayment)
}

func TestApplyPaymentDuplicateReference(t *testing.T) {
	f := newFixture(t)
	_, inv := newPendingInvoice(t, f, 0)

	_, err := f.svc.ApplyPayment(context.Background(), ApplyPaymentInput{InvoiceID: inv.ID, Amount: 10000, Method: MethodOnline, Reference: "PG-001"}, cashier)
	require.NoError(t, err)
	_, err = f.svc.ApplyPayment(context.Background(), ApplyPaymentInput{InvoiceID: inv.ID, Amount: 10000, Method: MethodOnline, Reference: "PG-001"}, cashier)
	require.ErrorIs(t, err, ErrDuplicatePayment)
	require.Equal(t, int64(10000), f.ledger.invoice(inv.ID).PaidAmount)

	// A rejected payment releases its reference for a corrected retry.
	_, err = f.svc.ApplyPayment(context.Background(), ApplyPaymentInput{InvoiceID: inv.ID, Amount: 95000, Method: MethodOnline, Reference: "PG-002"}, cashier)
	require.ErrorIs(t, err, ErrOverpayment)
	_, err = f.svc.ApplyPayment(context.Background(), ApplyPaymentInput{InvoiceID: inv.ID, Amount: 90000, Method: MethodOnline, Reference: "PG-002"}, cashier)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, f.ledger.invoice(inv.ID).Status)
}

func TestApplyPaymentValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ApplyPayment(context.Background(), ApplyPaymentInput{InvoiceID: 1, Amount: 0, Method: MethodCash}, cashier)
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, err = f.svc.ApplyPayment(context.Background(), ApplyPaymentInput{InvoiceID: 1, Amount: 10, Method: "barter"}, cashier)
	require.ErrorIs(t, err, ErrInvalidMethod)
	_, err = f.svc.ApplyPayment(context.Background(), ApplyPaymentInput{InvoiceID: 999, Amount: 10, Method: MethodCash}, cashier)
	require.ErrorIs(t, err, ErrInvoiceNotFound)
	_, err = f.svc.ApplyPayment(context.Background(), ApplyPaymentInput{InvoiceID: 999, Amount: 10, Method: MethodCash}, shared.Actor{})
	require.ErrorIs(t, err, ErrActorRequired)
}

func TestCancelInvoice(t *testing.T) {
	f := newFixture(t)
	patient, inv := newPendingInvoice(t, f, 40000)
	require.Equal(t, int64(-60000), f.ledger.patient(patient.ID).Balance)

	cancelled, err := f.svc.Cancel(context.Background(), inv.ID, cashier)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	require.Equal(t, int64(40000), cancelled.PaidAmount)
	require.NotNil(t, cancelled.CancelledBy)
	require.Equal(t, cashier.ID, *cancelled.CancelledBy)
	require.Equal(t, int64(0), cancelled.Outstanding())
	require.Equal(t, int64(0), f.ledger.patient(patient.ID).Balance)

	_, err = f.svc.Cancel(context.Background(), inv.ID, cashier)
	require.ErrorIs(t, err, ErrInvoiceCancelled)
	_, err = f.svc.ApplyPayment(context.Background(), ApplyPaymentInput{InvoiceID: inv.ID, Amount: 100, Method: MethodCash}, cashier)
	require.ErrorIs(t, err, ErrInvoiceCancelled)
	require.Contains(t, f.audit.actions(), "billing.invoice.cancel")
}

func TestCancelRacingFullPaymentHasSingleWinner(t *testing.T) {
	f := newFixture(t)
	patient, inv := newPendingInvoice(t, f, 0)

	var (
		wg        sync.WaitGroup
		payErr    error
		cancelErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, payErr = f.svc.ApplyPayment(context.Background(), ApplyPaymentInput{
			InvoiceID: inv.ID,
			Amount:    100000,
			Method:    MethodTransfer,
		}, cashier)
	}()
	go func() {
		defer wg.Done()
		_, cancelErr = f.svc.Cancel(context.Background(), inv.ID, cashier)
	}()
	wg.Wait()

	stored := f.ledger.invoice(inv.ID)
	switch {
	case payErr == nil:
		require.ErrorIs(t, cancelErr, ErrCannotCancelPaid)
		require.Equal(t, StatusPaid, stored.Status)
		require.Len(t, f.ledger.transactionsFor(inv.ID), 1)
		require.Len(t, f.ledger.tokensFor(inv.ID), 1)
	case cancelErr == nil:
		require.ErrorIs(t, payErr, ErrInvoiceCancelled)
		require.Equal(t, StatusCancelled, stored.Status)
		require.Empty(t, f.ledger.transactionsFor(inv.ID))
		require.Empty(t, f.ledger.tokensFor(inv.ID))
	default:
		t.Fatalf("no winner: pay=%v cancel=%v", payErr, cancelErr)
	}
	require.Equal(t, int64(0), f.ledger.patient(patient.ID).Balance)
}

func TestCancelPaidInvoiceRejected(t *testing.T) {
	f := newFixture(t)
	patient := f.ledger.addPatient(patients.Patient{FullName: "Lunas"})
	inv, err := f.svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		PatientID:     patient.ID,
		Items:         []LineRequest{{ServiceID: svcLab}},
		InitialPaid:   50000,
		PaymentMethod: MethodCash,
		Source:        SourceLab,
	}, cashier)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, inv.Status)

	_, err = f.svc.Cancel(context.Background(), inv.ID, cashier)
	require.ErrorIs(t, err, ErrCannotCancelPaid)
	require.Equal(t, StatusPaid, f.ledger.invoice(inv.ID).Status)
}

func TestRecomputeBalanceHealsDriftAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	patient, _ := newPendingInvoice(t, f, 20000)
	f.ledger.setBalance(patient.ID, 12345)

	first, err := f.svc.RecomputeBalance(context.Background(), patient.ID)
	require.NoError(t, err)
	require.Equal(t, int64(-80000), first)
	second, err := f.svc.RecomputeBalance(context.Background(), patient.ID)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, first, f.ledger.patient(patient.ID).Balance)

	_, err = f.svc.RecomputeBalance(context.Background(), 9999)
	require.ErrorIs(t, err, ErrPatientNotFound)
}

func TestReconcileAllReportsDrift(t *testing.T) {
	f := newFixture(t)
	drifted, _ := newPendingInvoice(t, f, 0)
	newPendingInvoice(t, f, 50000)
	f.ledger.addPatient(patients.Patient{FullName: "Tanpa tagihan"})
	f.ledger.setBalance(drifted.ID, 0)

	report, err := f.svc.ReconcileAll(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, 3, report.Checked)
	require.Equal(t, 1, report.Corrected)
	require.Equal(t, 0, report.Failed)
	require.Equal(t, int64(-100000), f.ledger.patient(drifted.ID).Balance)
}

func TestListPatientInvoicesPaginates(t *testing.T) {
	f := newFixture(t)
	patient := f.ledger.addPatient(patients.Patient{FullName: "Rutin"})
	for range 3 {
		_, err := f.svc.CreateInvoice(context.Background(), CreateInvoiceInput{
			PatientID: patient.ID,
			Items:     []LineRequest{{ServiceID: svcLab}},
			Source:    SourceLab,
		}, cashier)
		require.NoError(t, err)
	}

	items, page, err := f.svc.ListPatientInvoices(context.Background(), patient.ID, ListFilter{Page: 1, PerPage: 2})
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, 3, page.Total)
	require.Greater(t, items[0].ID, items[1].ID)
}

func TestOutcomeClassification(t *testing.T) {
	require.Equal(t, "ok", Outcome(nil))
	require.Equal(t, "not_found", Outcome(ErrInvoiceNotFound))
	require.Equal(t, "validation", Outcome(ErrInvalidAmount))
	require.Equal(t, "validation", Outcome(ErrActorRequired))
	require.Equal(t, "policy", Outcome(&discount.CapError{Requested: 2, MaxAllowed: 1}))
	require.Equal(t, "conflict", Outcome(ErrConcurrentUpdate))
	require.Equal(t, "upstream", Outcome(ErrCatalogUnavailable))
	require.Equal(t, "error", Outcome(errors.New("boom")))
}

func TestDeriveStatus(t *testing.T) {
	require.Equal(t, StatusPaid, deriveStatus(0, 0))
	require.Equal(t, StatusPaid, deriveStatus(100, 100))
	require.Equal(t, StatusPartial, deriveStatus(1, 100))
	require.Equal(t, StatusPending, deriveStatus(0, 100))
}
