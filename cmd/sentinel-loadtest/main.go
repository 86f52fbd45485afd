package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/MrEthical07/sentinel"
	"github.com/MrEthical07/sentinel/internal/memstore"
	"github.com/MrEthical07/sentinel/password"
)

const loadtestPassword = "loadtest-password"

// principalState is one principal's current token pair. Refresh rotates it
// under mu so each chain only ever presents its newest refresh token.
type principalState struct {
	mu      sync.Mutex
	access  string
	refresh string
}

func main() {
	var (
		principals  = flag.Int("principals", 1000, "number of principals to log in")
		concurrency = flag.Int("concurrency", 64, "number of concurrent workers")
		ops         = flag.Int("ops", 50000, "operations per phase")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		configPath  = flag.String("config", "", "optional sentinel config file")
		verbose     = flag.Bool("v", false, "log engine output")
	)
	flag.Parse()

	if *principals <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "principals, concurrency, and ops must be > 0")
		os.Exit(2)
	}

	logger := zap.NewNop()
	if *verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			fmt.Fprintf(os.Stderr, "logger: %v\n", err)
			os.Exit(1)
		}
		logger = l
	}
	defer func() { _ = logger.Sync() }()

	client, cleanup, err := connectRedis(*redisAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	engine, store, err := buildEngine(*configPath, client, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	ctx := context.Background()
	states := make([]*principalState, *principals)
	fmt.Printf("logging in %d principals...\n", *principals)
	start := time.Now()
	if err := seedPrincipals(ctx, engine, store, states); err != nil {
		fmt.Fprintf(os.Stderr, "seed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("seeded in %s\n", time.Since(start).Round(time.Millisecond))

	jwtOnly := runPhase(states, *ops, *concurrency, func(s *principalState) error {
		_, err := engine.Validate(ctx, s.access, sentinel.ModeJWTOnly)
		return err
	})
	strict := runPhase(states, *ops, *concurrency, func(s *principalState) error {
		_, err := engine.Validate(ctx, s.access, sentinel.ModeStrict)
		return err
	})
	refresh := runPhase(states, *ops, *concurrency, func(s *principalState) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		pair, err := engine.Refresh(ctx, sentinel.RefreshRequest{RefreshToken: s.refresh, IP: "10.0.0.1"})
		if err != nil {
			return err
		}
		s.access, s.refresh = pair.AccessToken, pair.RefreshToken
		return nil
	})

	fmt.Println("---- results ----")
	printStats("validate_jwt_only", jwtOnly)
	printStats("validate_strict", strict)
	printStats("refresh", refresh)

	snap := engine.MetricsSnapshot()
	fmt.Printf("reuse_detected=%d refresh_failures=%d\n",
		snap.Counters[sentinel.MetricRefreshReuseDetected], snap.Counters[sentinel.MetricRefreshFailure])
}

func connectRedis(addr string) (redis.UniversalClient, func(), error) {
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}
	if addr != "" {
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		fmt.Printf("using redis at %s\n", addr)
		return client, func() { _ = client.Close() }, nil
	}
	mr, err := miniredis.Run()
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
	fmt.Printf("using miniredis at %s\n", mr.Addr())
	return client, func() {
		_ = client.Close()
		mr.Close()
	}, nil
}

func buildEngine(path string, client redis.UniversalClient, logger *zap.Logger) (*sentinel.Engine, *memstore.Store, error) {
	cfg := sentinel.DefaultConfig()
	if path != "" {
		loaded, err := sentinel.LoadConfig(path)
		if err != nil {
			return nil, nil, err
		}
		cfg = loaded
	}
	cfg, err := sentinel.WithEphemeralKeys(cfg)
	if err != nil {
		return nil, nil, err
	}
	// Logins are setup, not the subject of the benchmark.
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Login.MaxAttempts = 0
	cfg.Login.MaxIPAttempts = 0
	cfg.Session.MaxConcurrent = 0
	cfg.Metrics.Enabled = true
	cfg.Metrics.EnableLatencyHistograms = true

	store := memstore.New()
	engine, err := sentinel.New().
		WithConfig(cfg).
		WithRedis(client).
		WithCredentialStore(store).
		WithScopes("accounts:read", "accounts:write").
		WithLogger(logger).
		Build()
	if err != nil {
		return nil, nil, err
	}
	return engine, store, nil
}

func seedPrincipals(ctx context.Context, engine *sentinel.Engine, store *memstore.Store, states []*principalState) error {
	hasher, err := password.NewArgon2(password.Config{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32})
	if err != nil {
		return err
	}
	hash, err := hasher.Hash(loadtestPassword)
	if err != nil {
		return err
	}
	for i := range states {
		email := fmt.Sprintf("user-%d@loadtest.local", i)
		store.AddPrincipal(sentinel.Principal{
			ID:             fmt.Sprintf("p-%d", i),
			Email:          email,
			CredentialHash: hash,
			Status:         sentinel.PrincipalActive,
			Scopes:         []string{"accounts:read"},
		})
		res, err := engine.Login(ctx, sentinel.LoginRequest{Email: email, Password: loadtestPassword, IP: "10.0.0.1"})
		if err != nil {
			return fmt.Errorf("login %s: %w", email, err)
		}
		if res.State != sentinel.LoginAuthenticated {
			return fmt.Errorf("login %s: unexpected state %s", email, res.State)
		}
		states[i] = &principalState{access: res.AccessToken, refresh: res.RefreshToken}
	}
	return nil
}

func runPhase(states []*principalState, ops, concurrency int, op func(*principalState) error) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    atomic.Int64
		failures  atomic.Int64
		mu        sync.Mutex
		latencies = make([]time.Duration, 0, ops)
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*7919))
			local := make([]time.Duration, 0, ops/concurrency+1)
			for cursor.Add(1) <= int64(ops) {
				s := states[r.Intn(len(states))]
				t0 := time.Now()
				if err := op(s); err != nil {
					failures.Add(1)
				}
				local = append(local, time.Since(t0))
			}
			mu.Lock()
			latencies = append(latencies, local...)
			mu.Unlock()
		}(w)
	}
	wg.Wait()
	return computeStats(time.Since(start), latencies, failures.Load())
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	switch {
	case len(samples) == 0:
		return 0
	case p <= 0:
		return samples[0]
	case p >= 100:
		return samples[len(samples)-1]
	}
	return samples[(len(samples)-1)*p/100]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
