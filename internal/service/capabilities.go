package service

import (
	"github.com/riteshkumar/carewallet/internal/errors"
	"github.com/riteshkumar/carewallet/internal/models"
)

type Operation string

const (
	OpRequestConsultation  Operation = "consultation.request"
	OpRespondConsultation  Operation = "consultation.respond"
	OpCompleteConsultation Operation = "consultation.complete"
	OpViewConsultations    Operation = "consultation.view"
	OpNearbyDoctors        Operation = "doctor.nearby"
	OpPrescribe            Operation = "prescription.create"
	OpAcceptPrescription   Operation = "prescription.accept"
	OpCompletePrescription Operation = "prescription.complete"
	OpViewPrescriptions    Operation = "prescription.view"
	OpSendMessage          Operation = "chat.send"
	OpDeposit              Operation = "wallet.deposit"
	OpWithdraw             Operation = "wallet.withdraw"
	OpSend                 Operation = "wallet.send"
	OpApproveParticipant   Operation = "participant.approve"
)

var capabilities = map[models.Role]map[Operation]bool{
	models.RolePatient: {
		OpRequestConsultation: true,
		OpViewConsultations:   true,
		OpNearbyDoctors:       true,
		OpViewPrescriptions:   true,
		OpSendMessage:         true,
		OpDeposit:             true,
		OpWithdraw:            true,
		OpSend:                true,
	},
	models.RoleDoctor: {
		OpRespondConsultation:  true,
		OpCompleteConsultation: true,
		OpViewConsultations:    true,
		OpPrescribe:            true,
		OpViewPrescriptions:    true,
		OpSendMessage:          true,
		OpDeposit:              true,
		OpWithdraw:             true,
		OpSend:                 true,
	},
	models.RolePharmacy: {
		OpAcceptPrescription:   true,
		OpCompletePrescription: true,
		OpViewPrescriptions:    true,
		OpDeposit:              true,
		OpWithdraw:             true,
		OpSend:                 true,
	},
	models.RoleAdmin: {
		OpApproveParticipant: true,
	},
}

// Can reports whether role may perform op.
func Can(role models.Role, op Operation) bool {
	return capabilities[role][op]
}

// authorize rejects callers whose role lacks op before any work is done.
func authorize(caller models.Caller, op Operation) error {
	if caller.AccountID == "" || !Can(caller.Role, op) {
		return errors.ErrNotAuthorized
	}
	return nil
}
