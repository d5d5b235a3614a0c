package models

import (
	"fmt"
	"time"
)

type Role string

const (
	RolePatient  Role = "patient"
	RoleDoctor   Role = "doctor"
	RolePharmacy Role = "pharmacy"
	RoleAdmin    Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RolePatient, RoleDoctor, RolePharmacy, RoleAdmin:
		return true
	}
	return false
}

// Caller is the authenticated identity handed to every core operation.
type Caller struct {
	AccountID string `json:"account_id"`
	Role      Role   `json:"role"`
}

type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Participant is a registered patient, doctor, pharmacy or admin.
type Participant struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Name      string    `json:"name"`
	Approved  bool      `json:"approved"`
	Location  Location  `json:"location"`
	CreatedAt time.Time `json:"created_at"`
}

type ConsultationStatus string

const (
	ConsultationPending   ConsultationStatus = "pending"
	ConsultationAccepted  ConsultationStatus = "accepted"
	ConsultationDeclined  ConsultationStatus = "declined"
	ConsultationCompleted ConsultationStatus = "completed"
)

// Terminal reports whether no transition leaves this status.
func (s ConsultationStatus) Terminal() bool {
	return s == ConsultationDeclined || s == ConsultationCompleted
}

type Consultation struct {
	ID                  string             `json:"id"`
	PatientID           string             `json:"patient_id"`
	DoctorID            string             `json:"doctor_id"`
	Status              ConsultationStatus `json:"status"`
	FeeTransactionID    string             `json:"fee_transaction_id,omitempty"`
	RewardTransactionID string             `json:"reward_transaction_id,omitempty"`
	RefundTransactionID string             `json:"refund_transaction_id,omitempty"`
	Archived            bool               `json:"archived"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

// Involves reports whether accountID is the consultation's patient or doctor.
func (c *Consultation) Involves(accountID string) bool {
	return c.PatientID == accountID || c.DoctorID == accountID
}

// ConsultationTransition is a conditional status change; it applies only when
// the stored status equals From.
type ConsultationTransition struct {
	From                ConsultationStatus
	To                  ConsultationStatus
	RewardTransactionID string
	RefundTransactionID string
}

type PrescriptionStatus string

const (
	PrescriptionCreated   PrescriptionStatus = "created"
	PrescriptionAccepted  PrescriptionStatus = "accepted"
	PrescriptionCompleted PrescriptionStatus = "completed"
)

type PrescriptionItem struct {
	Name     string `json:"name"`
	Dose     string `json:"dose"`
	Quantity int    `json:"quantity"`
}

type Prescription struct {
	ID             string             `json:"id"`
	ConsultationID string             `json:"consultation_id"`
	DoctorID       string             `json:"doctor_id"`
	PatientID      string             `json:"patient_id"`
	Items          []PrescriptionItem `json:"items"`
	Candidates     []string           `json:"candidates"`
	AcceptedBy     string             `json:"accepted_by,omitempty"`
	Status         PrescriptionStatus `json:"status"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// IsCandidate reports whether pharmacyID was offered this prescription.
func (p *Prescription) IsCandidate(pharmacyID string) bool {
	for _, id := range p.Candidates {
		if id == pharmacyID {
			return true
		}
	}
	return false
}

type Message struct {
	ID             string    `json:"id"`
	ConsultationID string    `json:"consultation_id"`
	Seq            int64     `json:"seq"`
	SenderRole     Role      `json:"sender_role"`
	SenderID       string    `json:"sender_id"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
}

// Event names published on notification channels.
const (
	EventNewRequest            = "newRequest"
	EventConsultationAccepted  = "consultationAccepted"
	EventConsultationDeclined  = "consultationDeclined"
	EventConsultationEnded     = "consultationEnded"
	EventPrescribed            = "prescribed"
	EventPrescriptionCreated   = "prescriptionCreated"
	EventNewPrescription       = "newPrescription"
	EventPrescriptionAccepted  = "prescriptionAccepted"
	EventPrescriptionCompleted = "prescriptionCompleted"
	EventMessage               = "message"
)

// PersonalChannel is the notification address of one participant.
func PersonalChannel(role Role, id string) string {
	return fmt.Sprintf("%s:%s", role, id)
}

// ConsultationChannel is the notification address of one conversation.
func ConsultationChannel(consultationID string) string {
	return "consultation:" + consultationID
}
