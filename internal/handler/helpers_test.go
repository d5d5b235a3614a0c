package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/riteshkumar/carewallet/internal/models"
	"github.com/riteshkumar/carewallet/internal/notify"
	"github.com/riteshkumar/carewallet/internal/repository"
	"github.com/riteshkumar/carewallet/internal/service"
	"github.com/riteshkumar/carewallet/internal/settlement"
)

const (
	testSecret = "test-secret"
	treasuryID = "treasury"
)

type testEnv struct {
	server *httptest.Server
	auth   *Authenticator
	ledger *repository.MemoryLedgerStore
	hub    *notify.Hub
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEnv wires the full HTTP surface over in-memory stores.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := discardLogger()

	audit := repository.NewMemoryAuditRepository()
	ledger := repository.NewMemoryLedgerStore(audit)
	participants := repository.NewMemoryParticipantRepository()
	consultations := repository.NewMemoryConsultationRepository()
	prescriptions := repository.NewMemoryPrescriptionRepository()
	messages := repository.NewMemoryMessageRepository()
	hub := notify.NewHub(16, nil, logger)

	transfers := service.NewTransactionService(ledger, service.TransferConfig{
		TreasuryAccountID:  treasuryID,
		ConsultationFee:    10,
		AdminCommissionBPS: 1000,
		MaxRetries:         5,
	}, nil, logger)
	wallet := service.NewAccountService(ledger, participants, transfers, settlement.NewNoopBackend(logger), audit,
		service.WalletConfig{TreasuryAccountID: treasuryID, SignupBonus: 100}, logger)
	require.NoError(t, wallet.EnsureTreasury(context.Background(), 1000))

	consult := service.NewConsultationService(consultations, participants, ledger, transfers, audit, hub, nil,
		service.ConsultationConfig{ConsultationFee: 10, CompletionReward: 1, RefundPolicy: service.RefundNone}, logger)
	rx := service.NewPrescriptionService(prescriptions, consult, participants, participants, audit, hub, 3, logger)
	chat := service.NewChatService(consultations, service.NewMessageLog(messages, hub), nil, logger)

	auth := NewAuthenticator(testSecret, logger)
	router := NewRouter(auth, NewWebSocketHandler(hub, consult, chat, auth, logger), nil, logger,
		NewAccountHandler(wallet, logger),
		NewTransactionHandler(wallet, logger),
		NewConsultationHandler(consult, rx, chat, logger),
		NewPrescriptionHandler(rx, logger),
	)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return &testEnv{server: server, auth: auth, ledger: ledger, hub: hub}
}

func (e *testEnv) token(t *testing.T, id string, role models.Role) string {
	t.Helper()
	token, err := e.auth.IssueToken(models.Caller{AccountID: id, Role: role}, time.Hour)
	require.NoError(t, err)
	return token
}

// do sends a JSON request as the given token holder and decodes the response
// body into out when out is non-nil.
func (e *testEnv) do(t *testing.T, method, path, token string, body any, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// register opens an account for id and, for doctors and pharmacies, approves
// it as the admin. It returns the participant's token.
func (e *testEnv) register(t *testing.T, id string, role models.Role, lat, lng float64) string {
	t.Helper()
	token := e.token(t, id, role)
	status := e.do(t, http.MethodPost, "/accounts", token, map[string]any{"name": id, "lat": lat, "lng": lng}, nil)
	require.Equal(t, http.StatusCreated, status)
	if role != models.RolePatient {
		status = e.do(t, http.MethodPost, "/admin/participants/"+id+"/approve", e.adminToken(t), nil, nil)
		require.Equal(t, http.StatusOK, status)
	}
	return token
}

func (e *testEnv) adminToken(t *testing.T) string {
	return e.token(t, treasuryID, models.RoleAdmin)
}
