package billing

import "github.com/odyssey-erp/odyssey-clinic/internal/shared"

// CreateInvoiceRequest is the JSON body of POST /billing/invoices.
type CreateInvoiceRequest struct {
	PatientID      int64             `json:"patient_id" validate:"required,gt=0"`
	Items          []LineItemRequest `json:"items" validate:"required,min=1,max=50,dive"`
	PaymentMethod  string            `json:"payment_method" validate:"omitempty,oneof=cash card transfer online"`
	InitialPaid    int64             `json:"initial_paid" validate:"gte=0"`
	ManualDiscount int64             `json:"manual_discount" validate:"gte=0"`
	Source         string            `json:"source" validate:"omitempty,oneof=reception doctor lab pharmacy"`
	Notes          string            `json:"notes" validate:"max=1000"`
}

// LineItemRequest is one requested service.
type LineItemRequest struct {
	ServiceID int64 `json:"service_id" validate:"required,gt=0"`
	Quantity  int64 `json:"quantity" validate:"gte=0,lte=1000"`
}

// ToInput converts the request into a service input.
func (r CreateInvoiceRequest) ToInput() CreateInvoiceInput {
	items := make([]LineRequest, 0, len(r.Items))
	for _, item := range r.Items {
		items = append(items, LineRequest{ServiceID: item.ServiceID, Quantity: item.Quantity})
	}
	source := Source(r.Source)
	if source == "" {
		source = SourceReception
	}
	return CreateInvoiceInput{
		PatientID:      r.PatientID,
		Items:          items,
		PaymentMethod:  PaymentMethod(r.PaymentMethod),
		InitialPaid:    r.InitialPaid,
		ManualDiscount: r.ManualDiscount,
		Source:         source,
		Notes:          r.Notes,
	}
}

// ApplyPaymentRequest is the JSON body of POST /billing/invoices/{id}/payments.
type ApplyPaymentRequest struct {
	Amount    int64  `json:"amount" validate:"required,gt=0"`
	Method    string `json:"method" validate:"required,oneof=cash card transfer online"`
	Reference string `json:"reference" validate:"max=128"`
}

// InvoiceListResponse pages a patient's invoices.
type InvoiceListResponse struct {
	Invoices   []Invoice         `json:"invoices"`
	Pagination shared.Pagination `json:"pagination"`
}

// BalanceResponse reports a recomputed balance.
type BalanceResponse struct {
	PatientID int64 `json:"patient_id"`
	Balance   int64 `json:"balance"`
}
