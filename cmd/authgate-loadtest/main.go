// Command authgate-loadtest races concurrent refreshes of the same token and
// checks that every lineage has exactly one winner.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/propono/authgate"
	"github.com/propono/authgate/idp"
	"github.com/propono/authgate/jwt"
	"github.com/propono/authgate/session"
)

type lineageResult struct {
	states    map[authgate.RefreshState]int
	latencies []time.Duration
}

func main() {
	var (
		lineages      = flag.Int("lineages", 200, "number of independent sessions")
		racers        = flag.Int("racers", 8, "concurrent refreshes of the same token per session")
		concurrency   = flag.Int("concurrency", 32, "sessions raced at once")
		redisAddr     = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		prefix        = flag.String("prefix", "loadtest", "session key prefix")
		argonMemory   = flag.Uint("argon-memory", 8*1024, "argon2 memory in KiB")
		reuseInterval = flag.Duration("reuse-interval", 10*time.Second, "provider reuse interval for spent refresh tokens")
	)
	flag.Parse()

	if *lineages <= 0 || *racers <= 1 || *concurrency <= 0 {
		fmt.Fprintln(os.Stderr, "lineages and concurrency must be > 0, racers must be > 1")
		os.Exit(2)
	}

	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var (
		cleanup func()
		client  redis.UniversalClient
	)
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		addr = mr.Addr()
		client = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", addr)
	} else {
		client = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		cleanup = func() { _ = client.Close() }
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	secret := []byte("loadtest-signing-key-0123456789abcdef")
	tokens, err := jwt.NewManager(jwt.Config{SigningMethod: jwt.MethodHS256, PrivateKey: secret})
	if err != nil {
		fmt.Fprintf(os.Stderr, "jwt manager: %v\n", err)
		os.Exit(1)
	}
	provider := idp.NewLocal(tokens, idp.LocalConfig{ReuseInterval: *reuseInterval})

	cfg := authgate.DefaultConfig()
	cfg.CSRF.Secret = secret
	cfg.Origin.AppOrigin = "https://loadtest.invalid"
	cfg.Password.Memory = uint32(*argonMemory)
	cfg.Password.Time = 1

	engine, err := authgate.New().
		WithConfig(cfg).
		WithStore(session.NewRedisStore(client, *prefix, time.Hour)).
		WithProvider(provider).
		WithLogger(zap.NewNop()).
		Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine build: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	fmt.Printf("seeding %d sessions...\n", *lineages)
	startSeed := time.Now()
	grants := make([]*authgate.Grant, *lineages)
	for i := range grants {
		code, err := provider.AddUser(idp.User{ID: fmt.Sprintf("user-%d", i)})
		if err != nil {
			fmt.Fprintf(os.Stderr, "add user: %v\n", err)
			os.Exit(1)
		}
		grants[i], err = engine.Login(ctx, authgate.LoginRequest{AuthCode: code}, authgate.ClientInfo{IP: "127.0.0.1"})
		if err != nil {
			fmt.Fprintf(os.Stderr, "login failed: %v\n", err)
			os.Exit(1)
		}
	}
	fmt.Printf("seeded in %s\n", time.Since(startSeed).Round(time.Millisecond))

	start := time.Now()
	results := raceAll(ctx, engine, grants, *racers, *concurrency)
	total := time.Since(start)

	var (
		totals    = map[authgate.RefreshState]int{}
		latencies []time.Duration
		broken    int
	)
	for _, r := range results {
		for state, n := range r.states {
			totals[state] += n
		}
		latencies = append(latencies, r.latencies...)
		if r.states[authgate.StateRotated] != 1 {
			broken++
		}
	}

	fmt.Println("---- results ----")
	for state := authgate.StateNoToken; state <= authgate.StateRotated; state++ {
		if n := totals[state]; n > 0 {
			fmt.Printf("%-20s %d\n", state, n)
		}
	}
	printStats("refresh", computeStats(total, latencies, int64(len(latencies)-totals[authgate.StateRotated])))
	fmt.Printf("audit dropped: %d\n", engine.AuditDropped())

	if broken > 0 {
		fmt.Fprintf(os.Stderr, "%d of %d sessions did not have exactly one winner\n", broken, len(results))
		os.Exit(1)
	}
	fmt.Println("every session had exactly one winner")
}

func raceAll(ctx context.Context, engine *authgate.Engine, grants []*authgate.Grant, racers, concurrency int) []lineageResult {
	results := make([]lineageResult, len(grants))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i, g := range grants {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, token string) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = race(ctx, engine, token, racers)
		}(i, g.RefreshToken)
	}
	wg.Wait()
	return results
}

func race(ctx context.Context, engine *authgate.Engine, token string, racers int) lineageResult {
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		start = make(chan struct{})
		out   = lineageResult{states: map[authgate.RefreshState]int{}}
	)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			t0 := time.Now()
			res := engine.Refresh(ctx, token, authgate.ClientInfo{IP: "127.0.0.1"})
			d := time.Since(t0)

			mu.Lock()
			out.states[res.State]++
			out.latencies = append(out.latencies, d)
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()
	return out
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
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

// failures counts every refresh that did not rotate, which for a race is the
// expected outcome of all but one caller.
func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d non-rotated=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
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
