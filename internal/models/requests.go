package models

import "time"

type RegisterRequest struct {
	ID   string  `json:"id"`
	Role Role    `json:"role"`
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
}

type AccountResponse struct {
	ID       string `json:"id"`
	Role     Role   `json:"role,omitempty"`
	Balance  int64  `json:"balance"`
	Version  int64  `json:"version"`
	Approved bool   `json:"approved"`
}

type AmountRequest struct {
	Amount int64 `json:"amount"`
}

type CreateTransactionRequest struct {
	DestinationAccountID string `json:"destination_account_id"`
	Amount               int64  `json:"amount"`
}

// TransferRequest is the Transfer Engine input. IdempotencyKey is optional;
// when set, a repeated request returns the original transaction.
type TransferRequest struct {
	Legs           []Leg
	Type           TransactionType
	Metadata       map[string]string
	IdempotencyKey string
}

type TransactionResponse struct {
	ID        string            `json:"id"`
	Type      TransactionType   `json:"type"`
	Status    TransactionStatus `json:"status"`
	Legs      []Leg             `json:"legs"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

func NewTransactionResponse(t *Transaction) TransactionResponse {
	return TransactionResponse{
		ID:        t.ID,
		Type:      t.Type,
		Status:    t.Status,
		Legs:      t.Legs,
		Metadata:  t.Metadata,
		CreatedAt: t.CreatedAt,
	}
}

type RequestConsultationRequest struct {
	DoctorID string `json:"doctor_id"`
}

type PrescribeRequest struct {
	Items []PrescriptionItem `json:"items"`
}

type SendMessageRequest struct {
	Text string `json:"text"`
}

type NearbyDoctor struct {
	Participant
	Distance float64 `json:"distance"`
}
