package models

import (
	"encoding/json"
	"time"
)

// Account is a participant's wallet. Amounts are integral minor units.
type Account struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"owner_id"`
	Balance        int64     `json:"balance"`
	InitialBalance int64     `json:"initial_balance"`
	Adjustments    int64     `json:"adjustments"`
	Version        int64     `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type TransactionType string

const (
	TransactionConsultationFee TransactionType = "consultation-fee"
	TransactionPrescriptionFee TransactionType = "prescription-fee"
	TransactionBonus           TransactionType = "bonus"
	TransactionDeposit         TransactionType = "deposit"
	TransactionWithdrawal      TransactionType = "withdrawal"
	TransactionTransfer        TransactionType = "transfer"
	TransactionRefund          TransactionType = "refund"
)

type TransactionStatus string

const (
	TransactionPending TransactionStatus = "pending"
	TransactionSuccess TransactionStatus = "success"
	TransactionFailed  TransactionStatus = "failed"
)

// Leg is one signed component of a transfer.
type Leg struct {
	AccountID string `json:"account_id"`
	Delta     int64  `json:"delta"`
}

// Transaction is the immutable record of one completed transfer.
type Transaction struct {
	ID             string            `json:"id"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Type           TransactionType   `json:"type"`
	Status         TransactionStatus `json:"status"`
	Legs           []Leg             `json:"legs"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`

	// Replayed is set when an idempotent transfer returned an existing record.
	Replayed bool `json:"-"`
}

// DeltaFor returns the signed amount this transaction moved on accountID.
func (t *Transaction) DeltaFor(accountID string) int64 {
	var sum int64
	for _, leg := range t.Legs {
		if leg.AccountID == accountID {
			sum += leg.Delta
		}
	}
	return sum
}

// BalanceWrite is a conditional balance update: it applies only while the
// account is still at ExpectedVersion.
type BalanceWrite struct {
	AccountID       string
	ExpectedVersion int64
	OldBalance      int64
	NewBalance      int64
}

// LedgerSnapshot is a consistent view of every account and the net of its
// transaction legs.
type LedgerSnapshot struct {
	Accounts []*Account
	LegSums  map[string]int64
}

// BalanceResult is returned by single-account ledger mutations.
type BalanceResult struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
	Version   int64  `json:"version"`
}

type AuditLog struct {
	ID         string          `json:"id"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Action     string          `json:"action"`
	ActorID    string          `json:"actor_id,omitempty"`
	OldValue   json.RawMessage `json:"old_value"`
	NewValue   json.RawMessage `json:"new_value"`
	CreatedAt  time.Time       `json:"created_at"`
}

const (
	AuditActionCreate     = "CREATE"
	AuditActionDebit      = "DEBIT"
	AuditActionCredit     = "CREDIT"
	AuditActionAdjust     = "ADJUST"
	AuditActionTransfer   = "TRANSFER"
	AuditActionApprove    = "APPROVE"
	AuditActionTransition = "TRANSITION"
)

const (
	EntityTypeAccount      = "ACCOUNT"
	EntityTypeTransaction  = "TRANSACTION"
	EntityTypeParticipant  = "PARTICIPANT"
	EntityTypeConsultation = "CONSULTATION"
	EntityTypePrescription = "PRESCRIPTION"
)

type AccountBalanceSnapshot struct {
	ID      string `json:"id"`
	Balance int64  `json:"balance"`
	Version int64  `json:"version"`
	Reason  string `json:"reason,omitempty"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}
