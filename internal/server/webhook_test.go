package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/chowline/recon/internal/clock"
	"github.com/chowline/recon/internal/config"
	idempotencydomain "github.com/chowline/recon/internal/idempotency/domain"
	idempotencyrepo "github.com/chowline/recon/internal/idempotency/repository"
	idempotencyservice "github.com/chowline/recon/internal/idempotency/service"
	"github.com/chowline/recon/internal/monitor"
	notificationdomain "github.com/chowline/recon/internal/notification/domain"
	notificationrepo "github.com/chowline/recon/internal/notification/repository"
	notificationservice "github.com/chowline/recon/internal/notification/service"
	orderdomain "github.com/chowline/recon/internal/order/domain"
	pipelineservice "github.com/chowline/recon/internal/pipeline/service"
	"github.com/chowline/recon/internal/processor"
	reconciledomain "github.com/chowline/recon/internal/reconcile/domain"
	reconcilerepo "github.com/chowline/recon/internal/reconcile/repository"
	reconcileservice "github.com/chowline/recon/internal/reconcile/service"
	resolutionservice "github.com/chowline/recon/internal/resolution/service"
	"github.com/chowline/recon/internal/signature"
	subscriptiondomain "github.com/chowline/recon/internal/subscription/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const webhookSecret = "wh_server_secret"

type webhookFixture struct {
	server *Server
	clock  *clock.FakeClock
}

func setupWebhookServer(t *testing.T) *webhookFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AutoMigrate(
		&notificationdomain.Record{},
		&idempotencydomain.Lock{},
		&idempotencydomain.Result{},
		&subscriptiondomain.Subscription{},
		&orderdomain.Order{},
		&reconciledomain.HistoryRecord{},
		&reconciledomain.PaymentRecord{},
	); err != nil {
		t.Fatal(err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatal(err)
	}
	fakeClock := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	cfg := config.Config{
		Environment:      "test",
		WebhookSecret:    webhookSecret,
		ReplayWindow:     10 * time.Minute,
		ResultTTL:        time.Hour,
		ProcessorBaseURL: "http://127.0.0.1:1",
		ProcessorTimeout: time.Second,
	}

	verifier := signature.NewVerifier(signature.Params{Cfg: cfg, Log: log, Clock: fakeClock})
	dedupe := notificationservice.NewService(notificationservice.Params{
		DB: db, Log: log, GenID: node, Clock: fakeClock, Repo: notificationrepo.Provide(),
	})
	idem := idempotencyservice.NewService(idempotencyservice.Params{
		DB: db, Log: log, GenID: node, Clock: fakeClock, Repo: idempotencyrepo.Provide(),
	})
	client := processor.NewClient(cfg, log)
	resolver := resolutionservice.NewService(resolutionservice.Params{DB: db, Log: log})
	reconciler := reconcileservice.NewService(reconcileservice.Params{
		DB: db, Log: log, GenID: node, Clock: fakeClock, Repo: reconcilerepo.Provide(),
	})
	mon := monitor.New(monitor.Params{Log: log, Clock: fakeClock})

	pipeline := pipelineservice.NewService(pipelineservice.Params{
		Cfg:         cfg,
		Log:         log,
		Clock:       fakeClock,
		Verifier:    verifier,
		Dedupe:      dedupe,
		Idempotency: idem,
		Processor:   client,
		Resolution:  resolver,
		Reconcile:   reconciler,
		Metrics:     nil,
		Monitor:     mon,
	})

	srv := NewServer(ServerParams{
		Engine:    NewEngine(cfg),
		Cfg:       cfg,
		DB:        db,
		Log:       log,
		Pipeline:  pipeline,
		Monitor:   mon,
		Processor: client,
	})
	return &webhookFixture{server: srv, clock: fakeClock}
}

func (f *webhookFixture) sign(body string) (string, string) {
	ts := strconv.FormatInt(f.clock.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write([]byte(ts + "." + body))
	return fmt.Sprintf("ts=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil))), ts
}

func planNotificationBody(id string) string {
	body, _ := json.Marshal(map[string]any{
		"id":     id,
		"type":   "subscription_preapproval_plan",
		"action": "created",
		"data":   map[string]any{"id": "plan-1"},
	})
	return string(body)
}

// The processor sends only x-signature and x-request-id; the request ID
// doubles as the signed timestamp.
func TestWebhookAcceptsRequestIDAsTimestamp(t *testing.T) {
	f := setupWebhookServer(t)
	body := planNotificationBody("n-hook-1")
	sig, ts := f.sign(body)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set(headerSignature, sig)
	req.Header.Set(headerRequestID, ts)

	w := httptest.NewRecorder()
	f.server.engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	var resp webhookResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success {
		t.Fatalf("expected success, got %+v", resp)
	}
}

func TestWebhookExplicitTimestampTakesPrecedence(t *testing.T) {
	f := setupWebhookServer(t)
	body := planNotificationBody("n-hook-2")
	sig, ts := f.sign(body)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set(headerSignature, sig)
	req.Header.Set(headerTimestamp, ts)
	req.Header.Set(headerRequestID, "4b6c9c0a-opaque-correlation-id")

	w := httptest.NewRecorder()
	f.server.engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}
}

func TestWebhookWithoutTimestampRejected(t *testing.T) {
	f := setupWebhookServer(t)
	body := planNotificationBody("n-hook-3")
	sig, _ := f.sign(body)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set(headerSignature, sig)

	w := httptest.NewRecorder()
	f.server.engine.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (%s)", w.Code, w.Body.String())
	}
}
