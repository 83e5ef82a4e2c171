package httpapi_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/localops/warden/internal/httpapi"
	"github.com/localops/warden/pkg/clock"
	"github.com/localops/warden/pkg/store"
	"github.com/localops/warden/pkg/store/memstore"
)

var _ = Describe("AdminHandler", func() {
	var (
		st      *memstore.Store
		clk     *clock.Frozen
		handler *httpapi.AdminHandler
	)

	var remediator *recordingRemediator

	BeforeEach(func() {
		st = memstore.New()
		clk = clock.NewFrozen(mustParseTime("2026-07-30T12:00:00Z"))
		remediator = &recordingRemediator{}
		handler = httpapi.NewAdminHandler(st, clk, remediator)
	})

	router := func(h *httpapi.AdminHandler) http.Handler {
		return httpapi.Router(
			httpapi.NewWebhookHandler(remediator, httpapi.BasicAuth{User: "u", Password: "p"}, testLogger()),
			h,
			testRegistry(),
			testLogger(),
		)
	}

	It("starts and lists a maintenance window", func() {
		r := router(handler)

		body, _ := json.Marshal(map[string]string{"reason": "patching", "created_by": "operator"})
		req := httptest.NewRequest(http.MethodPost, "/admin/maintenance", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		Expect(rec.Code).To(Equal(http.StatusCreated))

		var win store.MaintenanceWindow
		Expect(json.Unmarshal(rec.Body.Bytes(), &win)).To(Succeed())
		Expect(win.Reason).To(Equal("patching"))
		Expect(win.IsActive).To(BeTrue())

		listReq := httptest.NewRequest(http.MethodGet, "/admin/maintenance", nil)
		listRec := httptest.NewRecorder()
		r.ServeHTTP(listRec, listReq)
		Expect(listRec.Code).To(Equal(http.StatusOK))

		var windows []store.MaintenanceWindow
		Expect(json.Unmarshal(listRec.Body.Bytes(), &windows)).To(Succeed())
		Expect(windows).To(HaveLen(1))
	})

	It("ends a maintenance window", func() {
		r := router(handler)

		body, _ := json.Marshal(map[string]string{"reason": "patching"})
		createReq := httptest.NewRequest(http.MethodPost, "/admin/maintenance", bytes.NewReader(body))
		createRec := httptest.NewRecorder()
		r.ServeHTTP(createRec, createReq)

		var win store.MaintenanceWindow
		Expect(json.Unmarshal(createRec.Body.Bytes(), &win)).To(Succeed())

		endReq := httptest.NewRequest(http.MethodDelete, "/admin/maintenance/"+win.ID, nil)
		endRec := httptest.NewRecorder()
		r.ServeHTTP(endRec, endReq)
		Expect(endRec.Code).To(Equal(http.StatusNoContent))

		listReq := httptest.NewRequest(http.MethodGet, "/admin/maintenance", nil)
		listRec := httptest.NewRecorder()
		r.ServeHTTP(listRec, listReq)

		var windows []store.MaintenanceWindow
		Expect(json.Unmarshal(listRec.Body.Bytes(), &windows)).To(Succeed())
		Expect(windows).To(BeEmpty())
	})

	It("reports recent attempts and patterns", func() {
		r := router(handler)

		attemptsReq := httptest.NewRequest(http.MethodGet, "/admin/attempts", nil)
		attemptsRec := httptest.NewRecorder()
		r.ServeHTTP(attemptsRec, attemptsReq)
		Expect(attemptsRec.Code).To(Equal(http.StatusOK))

		patternsReq := httptest.NewRequest(http.MethodGet, "/admin/patterns", nil)
		patternsRec := httptest.NewRecorder()
		r.ServeHTTP(patternsRec, patternsReq)
		Expect(patternsRec.Code).To(Equal(http.StatusOK))
	})

	It("resumes the degraded queue", func() {
		r := router(handler)

		req := httptest.NewRequest(http.MethodPost, "/admin/resume", nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		Expect(rec.Code).To(Equal(http.StatusOK))

		var resp map[string]int
		Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp["resumed"]).To(Equal(0))
	})

	It("reports 404 canceling a fingerprint with no in-flight handoff", func() {
		r := router(handler)

		req := httptest.NewRequest(http.MethodPost, "/admin/cancel/unknown-fingerprint", nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		Expect(rec.Code).To(Equal(http.StatusNotFound))
	})

	It("reports healthy on /healthz when the queue is empty", func() {
		r := router(handler)

		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		Expect(rec.Code).To(Equal(http.StatusOK))

		var resp map[string]string
		Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp["status"]).To(Equal("healthy"))
	})
})
