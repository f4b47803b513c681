package test

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"courierpay/dispute"
	"courierpay/escrow"
	"courierpay/gateway"
	"courierpay/notify"
	"courierpay/order"
	"courierpay/test/actors"
	"courierpay/test/chaos"
	"courierpay/test/infra"
	"courierpay/test/oracles"
	"courierpay/wallet"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent shoppers")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func seedRNG(seed int64) { rand.Seed(seed) }

func TestEscrowConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("COURIERPAY_TEST_PG_DSN") != "":
		dsn = os.Getenv("COURIERPAY_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	// migrations
	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	gw := fakeGateway(t)
	defer gw.Close()

	seedData := mustSeed(t, ctx, pool)
	svcs := buildServices(pool, gw.URL)

	// run actors
	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Shopper(ctx2, svcs, seedData, stop) })
	}
	g.Go(func() error { return actors.Releaser(ctx2, pool, svcs, seedData.AdminID, stop) })
	g.Go(func() error { return actors.Releaser(ctx2, pool, svcs, seedData.AdminID, stop) })
	g.Go(func() error { return actors.HoldScanner(ctx2, svcs, stop) })
	g.Go(func() error { return actors.Disputer(ctx2, pool, svcs, seedData.AdminID, stop) })
	g.Go(func() error { return actors.PayoutCycler(ctx2, svcs, seedData.MerchantID, stop) })
	g.Go(func() error { return actors.OutboxWorker(ctx2, svcs, stop) })
	// chaos: kill random backend
	go chaos.TerminateRandomBackend(ctx2, pool, stop)

	// schedule oracle checks until duration reached
	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}

	// one last sweep after the actors quiesce
	if name, row, err := oracles.Run(context.Background(), pool); err == nil && name != "" {
		dumpRecent(t, context.Background(), pool)
		t.Fatalf("Oracle %s failed after quiesce. First row: %s (seed=%d)", name, row, seed)
	}
}

// buildServices wires the production service graph against the stress
// database. The hold period is short so the auto-release scanner races
// delivery confirmations and manual releases for real.
func buildServices(pool *pgxpool.Pool, gatewayURL string) actors.Services {
	client := gateway.NewClient(gatewayURL, "sk_test_stress",
		gateway.WithRetry(3, 5*time.Millisecond))

	walletRepo := wallet.NewRepository(pool)
	walletSvc := wallet.NewService(pool, walletRepo)
	escrowSvc := escrow.NewService(pool, nil, walletRepo, walletSvc, client, client, escrow.ServiceConfig{
		FeeRate:    decimal.RequireFromString("0.015"),
		HoldPeriod: 300 * time.Millisecond,
	})
	orderSvc := order.NewService(order.NewRepository(pool), escrowSvc)
	disputeSvc := dispute.NewService(pool, dispute.NewRepository(pool), escrowSvc)
	relay := notify.NewRelay(pool, dropNotifier{}, time.Second)

	return actors.Services{
		Escrow:  escrowSvc,
		Orders:  orderSvc,
		Dispute: disputeSvc,
		Wallet:  walletSvc,
		Relay:   relay,
	}
}

// dropNotifier swallows published messages; the oracles only care that outbox
// rows move through their states.
type dropNotifier struct{}

func (dropNotifier) Publish(context.Context, string, []byte) error { return nil }

// fakeGateway accepts charge and refund calls, echoing the reference back.
// Roughly one call in ten fails with a 503 so the client's retry path runs.
func fakeGateway(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rand.Intn(10) == 0 {
			http.Error(w, "gateway overloaded", http.StatusServiceUnavailable)
			return
		}
		var req struct {
			Reference string `json:"reference"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		switch r.URL.Path {
		case "/charges":
			_ = json.NewEncoder(w).Encode(map[string]string{
				"reference":    req.Reference,
				"checkout_url": "https://gateway.test/checkout/" + req.Reference,
			})
		case "/refunds":
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) actors.Seed {
	t.Helper()
	var s actors.Seed

	newUser := func(role string) string {
		var id string
		err := pool.QueryRow(ctx,
			`INSERT INTO users (email, full_name, password_hash, role)
			 VALUES ($1, $2, 'x', $3::user_role) RETURNING id`,
			fmt.Sprintf("%s-%d@example.com", role, rand.Int63()), "Stress "+role, role,
		).Scan(&id)
		if err != nil {
			t.Fatalf("seed %s: %v", role, err)
		}
		if _, err := pool.Exec(ctx, `INSERT INTO wallets (user_id) VALUES ($1)`, id); err != nil {
			t.Fatalf("seed %s wallet: %v", role, err)
		}
		return id
	}

	s.MerchantID = newUser("merchant")
	s.DriverID = newUser("driver")
	s.AdminID = newUser("admin")
	for i := 0; i < 4; i++ {
		s.CustomerIDs = append(s.CustomerIDs, newUser("consumer"))
	}
	return s
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"escrow_transactions", `SELECT id, order_id, amount, status, payment_reference, release_due_at FROM escrow_transactions ORDER BY created_at DESC LIMIT 50`},
		{"escrow_status_history", `SELECT id, transaction_id, from_status, to_status, trigger, created_at FROM escrow_status_history ORDER BY id DESC LIMIT 50`},
		{"wallet_entries", `SELECT id, wallet_id, amount, reference, reason, created_at FROM wallet_entries ORDER BY id DESC LIMIT 50`},
		{"disputes", `SELECT id, escrow_id, status, resolution, created_at FROM disputes ORDER BY created_at DESC LIMIT 50`},
		{"payouts", `SELECT id, merchant_id, amount, reference, status FROM payouts ORDER BY created_at DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
