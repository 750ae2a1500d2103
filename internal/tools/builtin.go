package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Business collaborators consumed through the registry. Each is an async
// contract with its own latency and failure modes; failures surface as typed
// registry errors, never as panics crossing the bridge boundary.
type (
	// AvailabilityService answers whether a slot in a date range can be booked.
	AvailabilityService interface {
		CheckAvailability(ctx context.Context, from, to time.Time) ([]string, error)
	}

	// LeadService records a prospect captured during a call.
	LeadService interface {
		CaptureLead(ctx context.Context, name, phone, note string) (string, error)
	}

	// PaymentService creates a payment link to send to the caller.
	PaymentService interface {
		CreatePaymentLink(ctx context.Context, amountCents int64, currency, description string) (string, error)
	}

	// TransferService hands the call to a human agent.
	TransferService interface {
		RequestTransfer(ctx context.Context, callID, reason string) error
	}
)

// BusinessTools groups the collaborators behind the built-in tool set.
type BusinessTools struct {
	Availability AvailabilityService
	Leads        LeadService
	Payments     PaymentService
	Transfers    TransferService
}

// RegisterBusinessTools registers the standard tool set against the given
// collaborators. Nil collaborators skip their tool.
func RegisterBusinessTools(r *Registry, b BusinessTools) error {
	if b.Availability != nil {
		err := r.Register(Definition{
			Name:        "check_availability",
			Description: "Check which appointment slots are open in a date range. Use when the caller asks to book or asks what times are free.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"from": {"type": "string", "format": "date-time", "description": "Start of the range, RFC 3339"},
					"to":   {"type": "string", "format": "date-time", "description": "End of the range, RFC 3339"}
				},
				"required": ["from", "to"]
			}`),
		}, b.checkAvailability)
		if err != nil {
			return err
		}
	}
	if b.Leads != nil {
		err := r.Register(Definition{
			Name:        "capture_lead",
			Description: "Save the caller as a lead. Use when the caller wants a follow-up or leaves contact details.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"name":  {"type": "string", "description": "Caller's name"},
					"phone": {"type": "string", "description": "Callback number"},
					"note":  {"type": "string", "description": "What the caller wants"}
				},
				"required": ["name", "phone"]
			}`),
		}, b.captureLead)
		if err != nil {
			return err
		}
	}
	if b.Payments != nil {
		err := r.Register(Definition{
			Name:        "create_payment_link",
			Description: "Generate a payment link to text to the caller. Use when the caller agrees to pay.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"amount_cents": {"type": "integer", "minimum": 1},
					"currency":     {"type": "string", "enum": ["usd", "eur", "gbp"]},
					"description":  {"type": "string"}
				},
				"required": ["amount_cents", "currency"]
			}`),
		}, b.createPaymentLink)
		if err != nil {
			return err
		}
	}
	if b.Transfers != nil {
		err := r.Register(Definition{
			Name:        "transfer_to_human",
			Description: "Transfer the call to a human agent. Use when the caller insists or the request is out of scope.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"call_id": {"type": "string"},
					"reason":  {"type": "string"}
				},
				"required": ["call_id", "reason"]
			}`),
		}, b.requestTransfer)
		if err != nil {
			return err
		}
	}
	return nil
}

func (b BusinessTools) checkAvailability(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var req struct {
		From time.Time `json:"from"`
		To   time.Time `json:"to"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, fmt.Errorf("parse arguments: %w", err)
	}
	if !req.To.After(req.From) {
		return nil, fmt.Errorf("empty date range %s..%s", req.From, req.To)
	}
	slots, err := b.Availability.CheckAvailability(ctx, req.From, req.To)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"slots": slots})
}

func (b BusinessTools) captureLead(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var req struct {
		Name  string `json:"name"`
		Phone string `json:"phone"`
		Note  string `json:"note"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, fmt.Errorf("parse arguments: %w", err)
	}
	id, err := b.Leads.CaptureLead(ctx, req.Name, req.Phone, req.Note)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"lead_id": id, "status": "saved"})
}

func (b BusinessTools) createPaymentLink(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var req struct {
		AmountCents int64  `json:"amount_cents"`
		Currency    string `json:"currency"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, fmt.Errorf("parse arguments: %w", err)
	}
	url, err := b.Payments.CreatePaymentLink(ctx, req.AmountCents, req.Currency, req.Description)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"url": url})
}

func (b BusinessTools) requestTransfer(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var req struct {
		CallID string `json:"call_id"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, fmt.Errorf("parse arguments: %w", err)
	}
	if err := b.Transfers.RequestTransfer(ctx, req.CallID, req.Reason); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"status": "transferring"})
}

// StaticAvailability serves a fixed slot list; the development default.
type StaticAvailability struct {
	Slots []string
}

func (s StaticAvailability) CheckAvailability(ctx context.Context, from, to time.Time) ([]string, error) {
	return s.Slots, nil
}

// MemoryLeads stores captured leads in memory; the development default.
type MemoryLeads struct {
	mu    sync.Mutex
	next  int
	leads map[string]string
}

func NewMemoryLeads() *MemoryLeads {
	return &MemoryLeads{leads: make(map[string]string)}
}

func (m *MemoryLeads) CaptureLead(ctx context.Context, name, phone, note string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	id := fmt.Sprintf("lead-%d", m.next)
	m.leads[id] = fmt.Sprintf("%s <%s>: %s", name, phone, note)
	return id, nil
}

// StaticPayments mints deterministic checkout links; the development default.
type StaticPayments struct {
	BaseURL string
}

func (p StaticPayments) CreatePaymentLink(ctx context.Context, amountCents int64, currency, description string) (string, error) {
	base := p.BaseURL
	if base == "" {
		base = "https://pay.example.com"
	}
	return fmt.Sprintf("%s/checkout/%s/%d", base, currency, amountCents), nil
}

// MemoryTransfers records transfer requests in memory; the development default.
type MemoryTransfers struct {
	mu       sync.Mutex
	requests []string
}

func NewMemoryTransfers() *MemoryTransfers {
	return &MemoryTransfers{}
}

func (m *MemoryTransfers) RequestTransfer(ctx context.Context, callID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, fmt.Sprintf("%s: %s", callID, reason))
	return nil
}

// Requests returns the transfer requests recorded so far.
func (m *MemoryTransfers) Requests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.requests))
	copy(out, m.requests)
	return out
}
