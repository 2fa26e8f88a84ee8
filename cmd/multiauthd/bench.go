package main

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/multiauth/session"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

type benchOptions struct {
	sessions    int
	concurrency int
	ops         int
	redisURL    string
	prefix      string
}

// benchCmd measures the session store under the two calls every request
// path makes: the per-browser lookup and the binding rotation on refresh.
func benchCmd() *cobra.Command {
	o := benchOptions{}
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Load-test the Redis session store",
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.sessions <= 0 || o.concurrency <= 0 || o.ops <= 0 {
				return fmt.Errorf("sessions, concurrency and ops must be > 0")
			}
			return runBench(cmd.Context(), cmd.OutOrStdout(), o)
		},
	}
	cmd.Flags().IntVar(&o.sessions, "sessions", 10000, "number of sessions to seed")
	cmd.Flags().IntVar(&o.concurrency, "concurrency", 64, "concurrent workers")
	cmd.Flags().IntVar(&o.ops, "ops", 50000, "operations per phase")
	cmd.Flags().StringVar(&o.redisURL, "redis-url", "", "redis URL; an in-process miniredis when empty")
	cmd.Flags().StringVar(&o.prefix, "prefix", "bench", "session key prefix")
	return cmd
}

type benchSession struct {
	mu      sync.Mutex
	sid     string
	binding [32]byte
}

func runBench(ctx context.Context, out io.Writer, o benchOptions) error {
	var client redis.UniversalClient
	if o.redisURL == "" {
		mr, err := miniredis.Run()
		if err != nil {
			return fmt.Errorf("miniredis: %w", err)
		}
		defer mr.Close()
		client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		fmt.Fprintf(out, "using miniredis at %s\n", mr.Addr())
	} else {
		opts, err := redis.ParseURL(o.redisURL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		client = redis.NewClient(opts)
		fmt.Fprintf(out, "using redis at %s\n", opts.Addr)
	}
	defer func() { _ = client.Close() }()

	store := session.NewStore(client, o.prefix)

	states := make([]*benchSession, o.sessions)
	fmt.Fprintf(out, "seeding %d sessions...\n", o.sessions)
	seedStart := time.Now()
	for i := range states {
		st := &benchSession{sid: uuid.NewString(), binding: benchHash(i, 0)}
		if err := store.Save(ctx, benchRecord(st.sid, i, st.binding), 24*time.Hour); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
		states[i] = st
	}
	fmt.Fprintf(out, "seeded in %s\n", time.Since(seedStart).Round(time.Millisecond))

	lookup := runPhase(o, func(r *rand.Rand, _ int) error {
		// a browser with up to five signed-in accounts
		ids := make([]string, 1+r.Intn(5))
		for i := range ids {
			ids[i] = states[r.Intn(len(states))].sid
		}
		_, err := store.GetMany(ctx, ids)
		return err
	})

	rotate := runPhase(o, func(r *rand.Rand, op int) error {
		st := states[r.Intn(len(states))]
		st.mu.Lock()
		defer st.mu.Unlock()

		next := benchHash(op, 1)
		_, err := store.Rotate(ctx, st.sid, session.Rotation{
			Kind:            session.ProofBinding,
			ProofHash:       st.binding,
			NextRefreshHash: benchHash(op, 2),
			NextBindingHash: next,
		})
		if err == nil {
			st.binding = next
		}
		return err
	})

	fmt.Fprintln(out, "---- results ----")
	printPhase(out, "lookup", lookup)
	printPhase(out, "rotate", rotate)
	return nil
}

func runPhase(o benchOptions, op func(r *rand.Rand, i int) error) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		mu        sync.Mutex
		latencies = make([]time.Duration, 0, o.ops)
	)

	start := time.Now()
	for w := 0; w < o.concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*7919))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= o.ops {
					return
				}
				t0 := time.Now()
				err := op(r, i)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return computeStats(time.Since(start), latencies, failures)
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
		return phaseStats{total: total, failures: failures}
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

func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	return sorted[(len(sorted)-1)*p/100]
}

func printPhase(out io.Writer, name string, s phaseStats) {
	fmt.Fprintf(out, "%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
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

func benchRecord(sid string, i int, binding [32]byte) *session.Session {
	now := time.Now()
	return &session.Session{
		SessionID:    sid,
		UserID:       fmt.Sprintf("user-%d", i%1000),
		DeviceName:   "Chrome on Windows",
		DeviceType:   "desktop",
		Fingerprint:  fmt.Sprintf("fp-%d", i),
		RefreshHash:  benchHash(i, 3),
		BindingHash:  binding,
		CreatedAt:    now.Unix(),
		LastActiveAt: now.Unix(),
		ExpiresAt:    now.Add(24 * time.Hour).Unix(),
	}
}

func benchHash(i, salt int) [32]byte {
	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], uint64(i))
	binary.BigEndian.PutUint64(b[8:], uint64(salt))
	return sha256.Sum256(b[:])
}
