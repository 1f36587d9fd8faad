package patients

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-clinic/internal/shared"
)

type stubStore struct {
	patients map[int64]Patient
	nextID   int64
}

func newStubStore(seed ...Patient) *stubStore {
	s := &stubStore{patients: make(map[int64]Patient), nextID: 100}
	for _, p := range seed {
		s.patients[p.ID] = p
	}
	return s
}

func (s *stubStore) Get(ctx context.Context, id int64) (Patient, error) {
	p, ok := s.patients[id]
	if !ok {
		return Patient{}, ErrNotFound
	}
	return p, nil
}

func (s *stubStore) Register(ctx context.Context, input RegisterInput) (Patient, error) {
	for _, p := range s.patients {
		if p.Number == input.Number {
			return Patient{}, ErrDuplicateNumber
		}
	}
	s.nextID++
	p := Patient{ID: s.nextID, Number: input.Number, FullName: input.FullName, Phone: input.Phone,
		TelegramChatID: input.TelegramChatID, Status: StatusActive}
	s.patients[p.ID] = p
	return p, nil
}

func newTestRouter(store Store) http.Handler {
	h := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), store)
	r := chi.NewRouter()
	r.Use(shared.ActorMiddleware)
	r.Route("/patients", h.MountRoutes)
	return r
}

func postPatient(router http.Handler, body, role string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/patients/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		req.Header.Set(shared.ActorIDHeader, "7")
		req.Header.Set(shared.ActorRoleHeader, role)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestGetPatientReportsDebt(t *testing.T) {
	router := newTestRouter(newStubStore(Patient{ID: 5, Number: "P-0005", FullName: "Test Patient", Balance: -150000, Status: StatusActive}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/patients/5", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.EqualValues(t, -150000, body["balance"])
	require.EqualValues(t, 150000, body["debt"])
	require.Equal(t, "P-0005", body["number"])
}

func TestGetPatientErrors(t *testing.T) {
	router := newTestRouter(newStubStore())

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/patients/9", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/patients/abc", nil))
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRegisterPatient(t *testing.T) {
	store := newStubStore()
	router := newTestRouter(store)

	rr := postPatient(router, `{"number":" P-0101 ","full_name":"Rina Wati","phone":"+6281299990000"}`, "receptionist")
	require.Equal(t, http.StatusCreated, rr.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "P-0101", body["number"])
	require.EqualValues(t, 0, body["balance"])
	require.Equal(t, "active", body["status"])

	rr = postPatient(router, `{"number":"P-0101","full_name":"Someone Else"}`, "receptionist")
	require.Equal(t, http.StatusConflict, rr.Code)
}

func TestRegisterPatientRejections(t *testing.T) {
	router := newTestRouter(newStubStore())

	rr := postPatient(router, `{"number":"P-1","full_name":"No Actor"}`, "")
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = postPatient(router, `{"number":"P-1","full_name":"Lab Tech"}`, "lab")
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = postPatient(router, `{"number":"","full_name":"Missing Number","phone":"0812"}`, "admin")
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), "Number")
	require.Contains(t, rr.Body.String(), "Phone")

	rr = postPatient(router, `{"number":`, "admin")
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestPatientDebt(t *testing.T) {
	require.Equal(t, int64(0), Patient{Balance: 2000}.Debt())
	require.Equal(t, int64(500), Patient{Balance: -500}.Debt())
}
