package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
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
	"github.com/chowline/recon/internal/pipeline/domain"
	"github.com/chowline/recon/internal/processor"
	reconciledomain "github.com/chowline/recon/internal/reconcile/domain"
	reconcilerepo "github.com/chowline/recon/internal/reconcile/repository"
	reconcileservice "github.com/chowline/recon/internal/reconcile/service"
	resolutionservice "github.com/chowline/recon/internal/resolution/service"
	"github.com/chowline/recon/internal/signature"
	subscriptiondomain "github.com/chowline/recon/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const pipelineSecret = "wh_pipeline_secret"

type pipelineFixture struct {
	svc   *Service
	db    *gorm.DB
	node  *snowflake.Node
	clock *clock.FakeClock
}

// fakeProcessor serves canned payment and preapproval documents.
type fakeProcessor struct {
	payments     map[string]string
	preapprovals map[string]string
}

func (f *fakeProcessor) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/payments/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/v1/payments/"):]
		body, ok := f.payments[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	})
	mux.HandleFunc("/preapproval/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/preapproval/"):]
		body, ok := f.preapprovals[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	})
	return mux
}

func setupPipeline(t *testing.T, fake *fakeProcessor) *pipelineFixture {
	t.Helper()

	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

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
		WebhookSecret:    pipelineSecret,
		ReplayWindow:     10 * time.Minute,
		ResultTTL:        time.Hour,
		ProcessorBaseURL: srv.URL,
		ProcessorTimeout: 5 * time.Second,
	}

	verifier := signature.NewVerifier(signature.Params{Cfg: cfg, Log: log, Clock: fakeClock})
	dedupe := notificationservice.NewService(notificationservice.Params{
		DB: db, Log: log, GenID: node, Clock: fakeClock, Repo: notificationrepo.Provide(),
	})
	idem := idempotencyservice.NewService(idempotencyservice.Params{
		DB: db, Log: log, GenID: node, Clock: fakeClock, Repo: idempotencyrepo.Provide(),
		Config: idempotencyservice.Config{MaxRetries: 3, BaseBackoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond},
	})
	client := processor.NewClient(cfg, log)
	resolver := resolutionservice.NewService(resolutionservice.Params{DB: db, Log: log})
	reconciler := reconcileservice.NewService(reconcileservice.Params{
		DB: db, Log: log, GenID: node, Clock: fakeClock, Repo: reconcilerepo.Provide(),
	})
	mon := monitor.New(monitor.Params{Log: log, Clock: fakeClock})

	svc := NewService(Params{
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

	return &pipelineFixture{svc: svc, db: db, node: node, clock: fakeClock}
}

func (f *pipelineFixture) deliver(t *testing.T, body string) (*domain.Result, error) {
	t.Helper()
	ts := strconv.FormatInt(f.clock.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(pipelineSecret))
	mac.Write([]byte(ts + "." + body))
	header := fmt.Sprintf("ts=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
	return f.svc.Process(context.Background(), []byte(body), header, ts)
}

func preapprovalBody(id, externalRef, status string) string {
	doc, _ := json.Marshal(map[string]any{
		"id":                 id,
		"status":             status,
		"external_reference": externalRef,
		"payer_email":        "maya@example.com",
	})
	return string(doc)
}

func TestProcessPreapprovalActivatesSubscription(t *testing.T) {
	f := setupPipeline(t, &fakeProcessor{
		preapprovals: map[string]string{
			"mp-pre-1": preapprovalBody("mp-pre-1", "chow-sub-1", "authorized"),
		},
	})

	sub := &subscriptiondomain.Subscription{
		ID:                f.node.Generate(),
		UserID:            f.node.Generate(),
		ProductID:         f.node.Generate(),
		ExternalReference: "chow-sub-1",
		Status:            subscriptiondomain.StatusPending,
	}
	if err := f.db.Create(sub).Error; err != nil {
		t.Fatal(err)
	}

	result, err := f.deliver(t, `{"id":"wh-1","type":"subscription_preapproval","action":"updated","data":{"id":"mp-pre-1"}}`)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Status != domain.StatusProcessed {
		t.Fatalf("expected processed, got %s (%s)", result.Status, result.Message)
	}

	var stored subscriptiondomain.Subscription
	if err := f.db.First(&stored, "id = ?", sub.ID).Error; err != nil {
		t.Fatal(err)
	}
	if stored.Status != subscriptiondomain.StatusActive {
		t.Fatalf("expected active subscription, got %s", stored.Status)
	}
	if stored.ProcessorSubscriptionID == nil || *stored.ProcessorSubscriptionID != "mp-pre-1" {
		t.Fatalf("expected processor id learned, got %v", stored.ProcessorSubscriptionID)
	}

	var notif notificationdomain.Record
	if err := f.db.First(&notif, "notification_id = ?", "wh-1").Error; err != nil {
		t.Fatal(err)
	}
	if notif.Status != notificationdomain.StatusProcessed {
		t.Fatalf("expected notification marked processed, got %s", notif.Status)
	}
}

func TestProcessRedeliveryIsDuplicate(t *testing.T) {
	f := setupPipeline(t, &fakeProcessor{
		preapprovals: map[string]string{
			"mp-pre-2": preapprovalBody("mp-pre-2", "chow-sub-2", "authorized"),
		},
	})

	sub := &subscriptiondomain.Subscription{
		ID:                f.node.Generate(),
		UserID:            f.node.Generate(),
		ProductID:         f.node.Generate(),
		ExternalReference: "chow-sub-2",
		Status:            subscriptiondomain.StatusPending,
	}
	if err := f.db.Create(sub).Error; err != nil {
		t.Fatal(err)
	}

	body := `{"id":"wh-2","type":"subscription_preapproval","action":"updated","data":{"id":"mp-pre-2"}}`
	if _, err := f.deliver(t, body); err != nil {
		t.Fatalf("first delivery: %v", err)
	}

	result, err := f.deliver(t, body)
	if err != nil {
		t.Fatalf("redelivery must be acknowledged: %v", err)
	}
	if result.Status != domain.StatusDuplicate {
		t.Fatalf("expected duplicate, got %s", result.Status)
	}

	var count int64
	if err := f.db.Model(&reconciledomain.HistoryRecord{}).Where("entity_id = ?", sub.ID).Count(&count).Error; err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("redelivery must not reapply the transition, got %d history rows", count)
	}
}

func TestProcessInvalidSignatureWritesNothing(t *testing.T) {
	f := setupPipeline(t, &fakeProcessor{})

	ts := strconv.FormatInt(f.clock.Now().Unix(), 10)
	body := `{"id":"wh-3","type":"payment","data":{"id":"p-1"}}`
	_, err := f.svc.Process(context.Background(), []byte(body), "ts="+ts+",v1=deadbeef", ts)
	if err == nil {
		t.Fatal("expected rejection for bad signature")
	}

	var count int64
	if err := f.db.Model(&notificationdomain.Record{}).Count(&count).Error; err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("rejected delivery must not touch storage, got %d rows", count)
	}
}

func TestProcessStaleTimestampRejected(t *testing.T) {
	f := setupPipeline(t, &fakeProcessor{})

	body := `{"id":"wh-4","type":"payment","data":{"id":"p-1"}}`
	ts := strconv.FormatInt(f.clock.Now().Add(-time.Hour).Unix(), 10)
	mac := hmac.New(sha256.New, []byte(pipelineSecret))
	mac.Write([]byte(ts + "." + body))
	header := fmt.Sprintf("ts=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))

	if _, err := f.svc.Process(context.Background(), []byte(body), header, ts); err == nil {
		t.Fatal("expected rejection for stale timestamp")
	}
}

func TestProcessUnknownTypeSkipped(t *testing.T) {
	f := setupPipeline(t, &fakeProcessor{})

	result, err := f.deliver(t, `{"id":"wh-5","type":"chargebacks","data":{"id":"cb-1"}}`)
	if err != nil {
		t.Fatalf("unknown type must be acknowledged: %v", err)
	}
	if result.Status != domain.StatusSkipped {
		t.Fatalf("expected skipped, got %s", result.Status)
	}

	// The dedupe row still exists so a redelivery is a duplicate.
	res2, err := f.deliver(t, `{"id":"wh-5","type":"chargebacks","data":{"id":"cb-1"}}`)
	if err != nil {
		t.Fatal(err)
	}
	if res2.Status != domain.StatusDuplicate {
		t.Fatalf("expected duplicate on redelivery, got %s", res2.Status)
	}
}

func TestProcessSubscriptionPaymentRecordsBilling(t *testing.T) {
	paymentDoc, _ := json.Marshal(map[string]any{
		"id":                 9911,
		"status":             "approved",
		"external_reference": "chow-sub-3",
		"transaction_amount": 34.99,
		"currency_id":        "USD",
		"payer":              map[string]any{"email": "maya@example.com"},
	})
	f := setupPipeline(t, &fakeProcessor{
		payments: map[string]string{"9911": string(paymentDoc)},
	})

	sub := &subscriptiondomain.Subscription{
		ID:                f.node.Generate(),
		UserID:            f.node.Generate(),
		ProductID:         f.node.Generate(),
		ExternalReference: "chow-sub-3",
		Status:            subscriptiondomain.StatusActive,
	}
	if err := f.db.Create(sub).Error; err != nil {
		t.Fatal(err)
	}

	result, err := f.deliver(t, `{"id":"wh-6","type":"subscription_authorized_payment","action":"created","data":{"id":9911}}`)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Status != domain.StatusProcessed {
		t.Fatalf("expected processed, got %s (%s)", result.Status, result.Message)
	}

	var record reconciledomain.PaymentRecord
	if err := f.db.First(&record, "processor_payment_id = ?", "9911").Error; err != nil {
		t.Fatalf("expected billing record: %v", err)
	}
	if record.AmountCents != 3499 {
		t.Fatalf("expected 3499 cents, got %d", record.AmountCents)
	}
	if record.SubscriptionID != sub.ID {
		t.Fatalf("billing record attached to wrong subscription: %s", record.SubscriptionID)
	}
}

func TestProcessResourceMissingAtProcessor(t *testing.T) {
	f := setupPipeline(t, &fakeProcessor{})

	result, err := f.deliver(t, `{"id":"wh-7","type":"payment","data":{"id":"ghost"}}`)
	if err != nil {
		t.Fatalf("missing resource must be settled, not retried: %v", err)
	}
	if result.Status != domain.StatusNotFound {
		t.Fatalf("expected not_found, got %s", result.Status)
	}

	var notif notificationdomain.Record
	if err := f.db.First(&notif, "notification_id = ?", "wh-7").Error; err != nil {
		t.Fatal(err)
	}
	if notif.Status != notificationdomain.StatusFailed {
		t.Fatalf("expected failed status for audit, got %s", notif.Status)
	}
}

func TestProcessUnmatchedEntityAcknowledged(t *testing.T) {
	f := setupPipeline(t, &fakeProcessor{
		preapprovals: map[string]string{
			"mp-pre-9": preapprovalBody("mp-pre-9", "no-such-ref", "authorized"),
		},
	})

	result, err := f.deliver(t, `{"id":"wh-8","type":"subscription_preapproval","action":"updated","data":{"id":"mp-pre-9"}}`)
	if err != nil {
		t.Fatalf("unmatched entity must be acknowledged: %v", err)
	}
	if result.Status != domain.StatusNotFound {
		t.Fatalf("expected not_found, got %s", result.Status)
	}

	var count int64
	if err := f.db.Model(&subscriptiondomain.Subscription{}).Count(&count).Error; err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatal("resolver must never create entities")
	}
}
