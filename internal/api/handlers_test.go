package api

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hillpark/pharmacy-booking/internal/auth"
	redisclient "github.com/hillpark/pharmacy-booking/internal/redis"
	"github.com/hillpark/pharmacy-booking/internal/scheduling"
)

// fakeUserStore backs the auth provider in handler tests.
type fakeUserStore struct {
	mu    sync.Mutex
	users []*auth.User
}

func (s *fakeUserStore) CreateUser(_ context.Context, u auth.User) (*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := u
	s.users = append(s.users, &stored)
	return &stored, nil
}

func (s *fakeUserStore) GetByUsernameOrEmail(_ context.Context, usernameOrEmail string) (*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == usernameOrEmail || u.Email == usernameOrEmail {
			return u, nil
		}
	}
	return nil, auth.ErrUserNotFound
}

func (s *fakeUserStore) GetByEmail(_ context.Context, email string) (*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, auth.ErrUserNotFound
}

// fakeDocStore keeps uploaded documents in memory.
type fakeDocStore struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func newFakeDocStore() *fakeDocStore {
	return &fakeDocStore{docs: make(map[string][]byte)}
}

func (s *fakeDocStore) Save(_ context.Context, r io.Reader, _ int64, name, _ string) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	ref := "referral-letters/" + uuid.New().String() + "-" + name
	s.mu.Lock()
	s.docs[ref] = data
	s.mu.Unlock()
	return ref, nil
}

func (s *fakeDocStore) PresignedURL(_ context.Context, ref string, _ time.Duration) (string, error) {
	return "http://fake/" + ref, nil
}

type testServer struct {
	handler http.Handler
	issuer  *auth.TokenIssuer
	coord   *scheduling.Coordinator
	docs    *fakeDocStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	logger := zap.NewNop()
	repo := scheduling.NewMemoryRepository()
	labels := scheduling.NewTimeLabelSet(nil)
	registry := scheduling.NewSlotRegistry(repo, labels, logger)
	ledger := scheduling.NewAppointmentLedger(repo, logger)
	coord := scheduling.NewCoordinator(registry, ledger, repo, redisclient.NewLocalLocker(), logger)

	issuer := auth.NewTokenIssuer("handler-test-secret", time.Hour)
	provider := auth.NewProvider(&fakeUserStore{}, logger)
	docs := newFakeDocStore()

	handler := NewRouter(RouterConfig{
		Coordinator: coord,
		Provider:    provider,
		Issuer:      issuer,
		Documents:   docs,
		Logger:      logger,
		Env:         "test",
		Version:     "test",
	})

	return &testServer{handler: handler, issuer: issuer, coord: coord, docs: docs}
}

func (ts *testServer) request(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) token(t *testing.T, role auth.Role) (uuid.UUID, string) {
	t.Helper()
	id := uuid.New()
	token, err := ts.issuer.Issue(id, role)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return id, token
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestRegisterAndLoginEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, http.MethodPost, "/auth/register", RegisterRequest{
		Username: "alice",
		Password: "sup3r-secret!",
		FullName: "Alice Example",
		Email:    "alice@example.com",
		Phone:    "555-0101",
	}, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = ts.request(t, http.MethodPost, "/auth/register", RegisterRequest{
		Username: "bob",
		Password: "nospecial",
		FullName: "Bob Example",
		Email:    "bob@example.com",
		Phone:    "555-0102",
	}, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("weak password status = %d, want 400", rec.Code)
	}
	if resp := decodeBody[ErrorResponse](t, rec); resp.Error != "weak_password" {
		t.Fatalf("error code = %q, want weak_password", resp.Error)
	}

	rec = ts.request(t, http.MethodPost, "/auth/login", LoginRequest{
		UsernameOrEmail: "alice",
		Password:        "sup3r-secret!",
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", rec.Code, rec.Body.String())
	}
	tok := decodeBody[TokenResponse](t, rec)
	if tok.Token == "" || tok.Role != string(auth.RoleCustomer) {
		t.Fatalf("unexpected token response: %+v", tok)
	}

	rec = ts.request(t, http.MethodPost, "/auth/login", LoginRequest{
		UsernameOrEmail: "alice",
		Password:        "wrong-password!",
	}, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad login status = %d, want 401", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(t, http.MethodGet, "/slots", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token status = %d, want 401", rec.Code)
	}

	rec = ts.request(t, http.MethodGet, "/slots", nil, "garbage-token")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d, want 401", rec.Code)
	}
}

func TestRoleEnforcement(t *testing.T) {
	ts := newTestServer(t)
	_, customerToken := ts.token(t, auth.RoleCustomer)
	_, pharmacistToken := ts.token(t, auth.RolePharmacist)

	body := PublishSlotRequest{Date: "2024-06-01", TimeLabel: "9:00AM"}

	rec := ts.request(t, http.MethodPost, "/slots", body, customerToken)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("customer publishing slot: status = %d, want 403", rec.Code)
	}

	rec = ts.request(t, http.MethodPost, "/slots", body, pharmacistToken)
	if rec.Code != http.StatusCreated {
		t.Fatalf("pharmacist publishing slot: status = %d, body %s", rec.Code, rec.Body.String())
	}

	// Booking is customer-only.
	rec = ts.request(t, http.MethodPost, "/appointments", BookAppointmentRequest{
		SlotID:      uuid.New().String(),
		ReferralRef: "ref",
	}, pharmacistToken)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("pharmacist booking: status = %d, want 403", rec.Code)
	}
}

func TestBookingFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	_, pharmacistToken := ts.token(t, auth.RolePharmacist)
	customerID, customerToken := ts.token(t, auth.RoleCustomer)

	rec := ts.request(t, http.MethodPost, "/slots", PublishSlotRequest{
		Date: "2024-06-01", TimeLabel: "11:00AM",
	}, pharmacistToken)
	if rec.Code != http.StatusCreated {
		t.Fatalf("publish status = %d, body %s", rec.Code, rec.Body.String())
	}
	slot := decodeBody[SlotResponse](t, rec)

	// Upload the referral letter first.
	ref := ts.uploadDocument(t, customerToken, "referral.pdf", []byte("%PDF-1.4 fake"))

	rec = ts.request(t, http.MethodPost, "/appointments", BookAppointmentRequest{
		SlotID:      slot.ID.String(),
		ReferralRef: ref,
	}, customerToken)
	if rec.Code != http.StatusCreated {
		t.Fatalf("book status = %d, body %s", rec.Code, rec.Body.String())
	}
	appt := decodeBody[AppointmentResponse](t, rec)
	if appt.Status != string(scheduling.StatusPendingConfirmation) {
		t.Fatalf("status = %s, want pending_confirmation", appt.Status)
	}
	if appt.CustomerID != customerID {
		t.Fatalf("customer = %s, want %s", appt.CustomerID, customerID)
	}
	if appt.ReferralRef != ref {
		t.Fatalf("referral = %q, want %q", appt.ReferralRef, ref)
	}

	// Slot no longer listed as available.
	rec = ts.request(t, http.MethodGet, "/slots", nil, customerToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("list slots status = %d", rec.Code)
	}
	if slots := decodeBody[[]SlotResponse](t, rec); len(slots) != 0 {
		t.Fatalf("available slots = %d, want 0", len(slots))
	}

	// A second booking attempt conflicts.
	rec = ts.request(t, http.MethodPost, "/appointments", BookAppointmentRequest{
		SlotID:      slot.ID.String(),
		ReferralRef: ref,
	}, customerToken)
	if rec.Code != http.StatusConflict {
		t.Fatalf("double book status = %d, want 409", rec.Code)
	}
	if resp := decodeBody[ErrorResponse](t, rec); resp.Error != "slot_unavailable" {
		t.Fatalf("error code = %q, want slot_unavailable", resp.Error)
	}

	rec = ts.request(t, http.MethodPost, "/appointments/"+appt.ID.String()+"/confirm", nil, pharmacistToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("confirm status = %d, body %s", rec.Code, rec.Body.String())
	}
	confirmed := decodeBody[AppointmentResponse](t, rec)
	if confirmed.Status != string(scheduling.StatusConfirmed) {
		t.Fatalf("status = %s, want confirmed", confirmed.Status)
	}
}

func TestRejectWithReasonOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	_, pharmacistToken := ts.token(t, auth.RolePharmacist)
	_, customerToken := ts.token(t, auth.RoleCustomer)

	rec := ts.request(t, http.MethodPost, "/slots", PublishSlotRequest{
		Date: "2024-06-01", TimeLabel: "2:00PM",
	}, pharmacistToken)
	slot := decodeBody[SlotResponse](t, rec)

	rec = ts.request(t, http.MethodPost, "/appointments", BookAppointmentRequest{
		SlotID:      slot.ID.String(),
		ReferralRef: "referral-letters/doc",
	}, customerToken)
	appt := decodeBody[AppointmentResponse](t, rec)

	rec = ts.request(t, http.MethodPost, "/appointments/"+appt.ID.String()+"/reject",
		RejectAppointmentRequest{Reason: "Insufficient info"}, pharmacistToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("reject status = %d, body %s", rec.Code, rec.Body.String())
	}
	rejected := decodeBody[AppointmentResponse](t, rec)
	if rejected.Status != string(scheduling.StatusRejected) {
		t.Fatalf("status = %s, want rejected", rejected.Status)
	}
	if rejected.RejectionReason == nil || *rejected.RejectionReason != "Insufficient info" {
		t.Fatalf("reason = %v, want Insufficient info", rejected.RejectionReason)
	}

	// The slot is back on the list.
	rec = ts.request(t, http.MethodGet, "/slots", nil, customerToken)
	if slots := decodeBody[[]SlotResponse](t, rec); len(slots) != 1 || slots[0].ID != slot.ID {
		t.Fatalf("available slots = %+v, want the released slot", slots)
	}
}

func TestGetAppointmentVisibility(t *testing.T) {
	ts := newTestServer(t)
	_, pharmacistToken := ts.token(t, auth.RolePharmacist)
	_, customerToken := ts.token(t, auth.RoleCustomer)
	_, strangerToken := ts.token(t, auth.RoleCustomer)

	rec := ts.request(t, http.MethodPost, "/slots", PublishSlotRequest{
		Date: "2024-06-01", TimeLabel: "4:00PM",
	}, pharmacistToken)
	slot := decodeBody[SlotResponse](t, rec)

	rec = ts.request(t, http.MethodPost, "/appointments", BookAppointmentRequest{
		SlotID:      slot.ID.String(),
		ReferralRef: "ref",
	}, customerToken)
	appt := decodeBody[AppointmentResponse](t, rec)

	path := "/appointments/" + appt.ID.String()

	for name, token := range map[string]string{
		"customer":   customerToken,
		"pharmacist": pharmacistToken,
	} {
		if rec := ts.request(t, http.MethodGet, path, nil, token); rec.Code != http.StatusOK {
			t.Fatalf("%s get status = %d, want 200", name, rec.Code)
		}
	}

	if rec := ts.request(t, http.MethodGet, path, nil, strangerToken); rec.Code != http.StatusForbidden {
		t.Fatalf("stranger get status = %d, want 403", rec.Code)
	}
}

func TestReferralLinkOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	_, pharmacistToken := ts.token(t, auth.RolePharmacist)
	_, customerToken := ts.token(t, auth.RoleCustomer)
	_, strangerToken := ts.token(t, auth.RoleCustomer)

	rec := ts.request(t, http.MethodPost, "/slots", PublishSlotRequest{
		Date: "2024-06-01", TimeLabel: "9:00AM",
	}, pharmacistToken)
	slot := decodeBody[SlotResponse](t, rec)

	ref := ts.uploadDocument(t, customerToken, "referral.pdf", []byte("%PDF-1.4 fake"))

	rec = ts.request(t, http.MethodPost, "/appointments", BookAppointmentRequest{
		SlotID:      slot.ID.String(),
		ReferralRef: ref,
	}, customerToken)
	appt := decodeBody[AppointmentResponse](t, rec)

	path := "/appointments/" + appt.ID.String() + "/referral"

	// The pharmacist reviews the letter before confirming; the customer may
	// re-open their own upload too.
	for name, token := range map[string]string{
		"pharmacist": pharmacistToken,
		"customer":   customerToken,
	} {
		rec = ts.request(t, http.MethodGet, path, nil, token)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s referral link status = %d, body %s", name, rec.Code, rec.Body.String())
		}
		doc := decodeBody[DocumentResponse](t, rec)
		if doc.Ref != ref {
			t.Fatalf("ref = %q, want %q", doc.Ref, ref)
		}
		if !strings.HasPrefix(doc.URL, "http://fake/") {
			t.Fatalf("url = %q, want a presigned link", doc.URL)
		}
	}

	if rec = ts.request(t, http.MethodGet, path, nil, strangerToken); rec.Code != http.StatusForbidden {
		t.Fatalf("stranger referral link status = %d, want 403", rec.Code)
	}

	rec = ts.request(t, http.MethodGet, "/appointments/"+uuid.New().String()+"/referral", nil, customerToken)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown appointment status = %d, want 404", rec.Code)
	}
}

func TestValidationFailures(t *testing.T) {
	ts := newTestServer(t)
	_, customerToken := ts.token(t, auth.RoleCustomer)
	_, pharmacistToken := ts.token(t, auth.RolePharmacist)

	rec := ts.request(t, http.MethodPost, "/appointments", BookAppointmentRequest{
		SlotID:      "not-a-uuid",
		ReferralRef: "ref",
	}, customerToken)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad slot_id status = %d, want 422", rec.Code)
	}

	rec = ts.request(t, http.MethodPost, "/appointments", BookAppointmentRequest{
		SlotID: uuid.New().String(),
	}, customerToken)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("missing referral status = %d, want 422", rec.Code)
	}

	rec = ts.request(t, http.MethodPost, "/slots", PublishSlotRequest{
		Date: "06/01/2024", TimeLabel: "9:00AM",
	}, pharmacistToken)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad date status = %d, want 400", rec.Code)
	}

	rec = ts.request(t, http.MethodPost, "/slots", PublishSlotRequest{
		Date: "2024-06-01", TimeLabel: "3:30PM",
	}, pharmacistToken)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown label status = %d, want 400", rec.Code)
	}
	if resp := decodeBody[ErrorResponse](t, rec); resp.Error != "unknown_time_label" {
		t.Fatalf("error code = %q, want unknown_time_label", resp.Error)
	}
}

func TestListAppointmentsByRole(t *testing.T) {
	ts := newTestServer(t)
	_, pharmacistToken := ts.token(t, auth.RolePharmacist)
	_, customerToken := ts.token(t, auth.RoleCustomer)
	_, otherCustomerToken := ts.token(t, auth.RoleCustomer)

	for _, label := range []string{"9:00AM", "11:00AM"} {
		rec := ts.request(t, http.MethodPost, "/slots", PublishSlotRequest{
			Date: "2024-06-01", TimeLabel: label,
		}, pharmacistToken)
		slot := decodeBody[SlotResponse](t, rec)
		token := customerToken
		if label == "11:00AM" {
			token = otherCustomerToken
		}
		rec = ts.request(t, http.MethodPost, "/appointments", BookAppointmentRequest{
			SlotID:      slot.ID.String(),
			ReferralRef: "ref",
		}, token)
		if rec.Code != http.StatusCreated {
			t.Fatalf("book status = %d, body %s", rec.Code, rec.Body.String())
		}
	}

	// Customers only see their own.
	rec := ts.request(t, http.MethodGet, "/appointments", nil, customerToken)
	if got := decodeBody[[]AppointmentResponse](t, rec); len(got) != 1 {
		t.Fatalf("customer appointments = %d, want 1", len(got))
	}

	// The pharmacist sees both, and can filter by status.
	rec = ts.request(t, http.MethodGet, "/appointments", nil, pharmacistToken)
	if got := decodeBody[[]AppointmentResponse](t, rec); len(got) != 2 {
		t.Fatalf("pharmacist appointments = %d, want 2", len(got))
	}

	rec = ts.request(t, http.MethodGet, "/appointments?status=confirmed", nil, pharmacistToken)
	if got := decodeBody[[]AppointmentResponse](t, rec); len(got) != 0 {
		t.Fatalf("confirmed appointments = %d, want 0", len(got))
	}

	rec = ts.request(t, http.MethodGet, "/appointments?status=bogus", nil, pharmacistToken)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bogus status filter: status = %d, want 400", rec.Code)
	}
}

func TestRescheduleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	_, pharmacistToken := ts.token(t, auth.RolePharmacist)
	_, customerToken := ts.token(t, auth.RoleCustomer)

	var slots []SlotResponse
	for _, label := range []string{"9:00AM", "4:00PM"} {
		rec := ts.request(t, http.MethodPost, "/slots", PublishSlotRequest{
			Date: "2024-06-01", TimeLabel: label,
		}, pharmacistToken)
		slots = append(slots, decodeBody[SlotResponse](t, rec))
	}

	rec := ts.request(t, http.MethodPost, "/appointments", BookAppointmentRequest{
		SlotID:      slots[0].ID.String(),
		ReferralRef: "referral-letters/doc",
	}, customerToken)
	appt := decodeBody[AppointmentResponse](t, rec)

	rec = ts.request(t, http.MethodPost, "/appointments/"+appt.ID.String()+"/reschedule",
		RescheduleAppointmentRequest{NewSlotID: slots[1].ID.String()}, customerToken)
	if rec.Code != http.StatusCreated {
		t.Fatalf("reschedule status = %d, body %s", rec.Code, rec.Body.String())
	}
	replacement := decodeBody[AppointmentResponse](t, rec)
	if replacement.SlotID != slots[1].ID {
		t.Fatalf("replacement slot = %s, want %s", replacement.SlotID, slots[1].ID)
	}
	if replacement.TimeLabel != "4:00PM" {
		t.Fatalf("replacement label = %s, want 4:00PM", replacement.TimeLabel)
	}

	// The old slot is available again.
	rec = ts.request(t, http.MethodGet, "/slots", nil, customerToken)
	slotsNow := decodeBody[[]SlotResponse](t, rec)
	if len(slotsNow) != 1 || slotsNow[0].ID != slots[0].ID {
		t.Fatalf("available slots = %+v, want the released original", slotsNow)
	}
}

func TestWithdrawSlotOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	_, pharmacistToken := ts.token(t, auth.RolePharmacist)
	_, otherPharmacistToken := ts.token(t, auth.RolePharmacist)

	rec := ts.request(t, http.MethodPost, "/slots", PublishSlotRequest{
		Date: "2024-06-01", TimeLabel: "9:00AM",
	}, pharmacistToken)
	slot := decodeBody[SlotResponse](t, rec)

	rec = ts.request(t, http.MethodPost, "/slots/"+slot.ID.String()+"/withdraw", nil, otherPharmacistToken)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign withdraw status = %d, want 403", rec.Code)
	}

	rec = ts.request(t, http.MethodPost, "/slots/"+slot.ID.String()+"/withdraw", nil, pharmacistToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("withdraw status = %d, body %s", rec.Code, rec.Body.String())
	}
	withdrawn := decodeBody[SlotResponse](t, rec)
	if withdrawn.Status != string(scheduling.SlotUnavailable) {
		t.Fatalf("status = %s, want unavailable", withdrawn.Status)
	}
}

func (ts *testServer) uploadDocument(t *testing.T, token, filename string, content []byte) string {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d, body %s", rec.Code, rec.Body.String())
	}

	doc := decodeBody[DocumentResponse](t, rec)
	if !strings.HasPrefix(doc.Ref, "referral-letters/") {
		t.Fatalf("ref = %q, want referral-letters/ prefix", doc.Ref)
	}
	return doc.Ref
}
