package rest_test

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi"
	"github.com/go-redis/redismock/v9"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/gameshop-ledger/internal/auth"
	"github.com/frahmantamala/gameshop-ledger/internal/transport/rest"
)

var _ = Describe("Health", func() {
	var (
		router    *chi.Mux
		sqlMock   sqlmock.Sqlmock
		redisMock redismock.ClientMock
	)

	BeforeEach(func() {
		mockDB, sm, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(mockDB.Close)
		sqlMock = sm

		rdb, rm := redismock.NewClientMock()
		redisMock = rm

		router = chi.NewRouter()
		rest.RegisterAllRoutes(router, sqlx.NewDb(mockDB, "sqlmock"), auth.NewTokenService(jwtSecret, 0),
			rest.Handlers{Redis: rdb}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	})

	check := func() (int, rest.HealthResponse) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
		var body rest.HealthResponse
		Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
		return rec.Code, body
	}

	It("is healthy when postgres and redis answer", func() {
		sqlMock.ExpectPing()
		redisMock.ExpectPing().SetVal("PONG")

		code, body := check()
		Expect(code).To(Equal(http.StatusOK))
		Expect(body.Status).To(Equal(rest.HealthHealthy))
		Expect(body.Components).To(HaveKey("redis"))
		Expect(body.Components["postgres"].Details).To(HaveKey("open_connections"))
	})

	It("is unhealthy when redis is down even with a live database", func() {
		sqlMock.ExpectPing()
		redisMock.ExpectPing().SetErr(errors.New("connection refused"))

		code, body := check()
		Expect(code).To(Equal(http.StatusServiceUnavailable))
		Expect(body.Components["postgres"].Status).To(Equal(rest.HealthHealthy))
		Expect(body.Components["redis"].Message).To(Equal("connection refused"))
	})
})
