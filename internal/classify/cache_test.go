package classify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/projectpulse/audit-engine/internal/db/models"
)

func newLocalCache(ttl time.Duration) *Cache {
	return NewCache(ttl, nil, discardLogger())
}

func countingClassify(calls *int32, verdict *Classification) ClassifyFunc {
	return func(ctx context.Context, e *models.AuditEvent) (*Classification, error) {
		atomic.AddInt32(calls, 1)
		return verdict, nil
	}
}

func TestGetOrCompute_MissThenHit(t *testing.T) {
	cache := newLocalCache(time.Minute)
	e := evt("user.login", models.SeverityInfo)
	var calls int32
	fn := countingClassify(&calls, &Classification{Category: models.CategoryAuth, RiskLevel: models.RiskMedium, Confidence: 0.75})

	verdict, cached, err := cache.GetOrCompute(context.Background(), e, fn)
	if err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}
	if cached {
		t.Error("first call should be a miss")
	}
	if verdict.Category != models.CategoryAuth {
		t.Errorf("verdict = %+v", verdict)
	}

	_, cached, err = cache.GetOrCompute(context.Background(), e, fn)
	if err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}
	if !cached {
		t.Error("second call should hit")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("classify calls = %d, want 1", got)
	}
}

func TestGetOrCompute_DistinctContentDistinctKeys(t *testing.T) {
	cache := newLocalCache(time.Minute)
	var calls int32
	fn := countingClassify(&calls, &Classification{Category: models.CategoryOther, RiskLevel: models.RiskLow, Confidence: 0.5})

	a := evt("user.login", models.SeverityInfo)
	b := evt("user.login", models.SeverityInfo)
	b.ActionDetails = map[string]interface{}{"extra": true}

	cache.GetOrCompute(context.Background(), a, fn)
	cache.GetOrCompute(context.Background(), b, fn)
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("classify calls = %d, want 2 (different content)", got)
	}
}

func TestGetOrCompute_TTLExpiry(t *testing.T) {
	cache := newLocalCache(10 * time.Millisecond)
	e := evt("user.login", models.SeverityInfo)
	var calls int32
	fn := countingClassify(&calls, &Classification{Category: models.CategoryAuth, RiskLevel: models.RiskMedium, Confidence: 0.75})

	cache.GetOrCompute(context.Background(), e, fn)
	time.Sleep(20 * time.Millisecond)
	_, cached, err := cache.GetOrCompute(context.Background(), e, fn)
	if err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}
	if cached {
		t.Error("expired entry should not hit")
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("classify calls = %d, want 2 after expiry", got)
	}
}

func TestGetOrCompute_CoalescesConcurrentMisses(t *testing.T) {
	cache := newLocalCache(time.Minute)
	e := evt("user.login", models.SeverityInfo)

	var calls int32
	release := make(chan struct{})
	fn := func(ctx context.Context, e *models.AuditEvent) (*Classification, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return &Classification{Category: models.CategoryAuth, RiskLevel: models.RiskMedium, Confidence: 0.75}, nil
	}

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := cache.GetOrCompute(context.Background(), e, fn); err != nil {
				t.Errorf("GetOrCompute: %v", err)
			}
		}()
	}
	// Let the workers pile onto the in-flight computation, then release it.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("classify calls = %d, want 1 (coalesced)", got)
	}
}

func TestGetOrCompute_ErrorNotCached(t *testing.T) {
	cache := newLocalCache(time.Minute)
	e := evt("user.login", models.SeverityInfo)

	boom := errors.New("classify failed")
	var calls int32
	fn := func(ctx context.Context, e *models.AuditEvent) (*Classification, error) {
		atomic.AddInt32(&calls, 1)
		if atomic.LoadInt32(&calls) == 1 {
			return nil, boom
		}
		return &Classification{Category: models.CategoryAuth, RiskLevel: models.RiskMedium, Confidence: 0.75}, nil
	}

	if _, _, err := cache.GetOrCompute(context.Background(), e, fn); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want classify failure", err)
	}
	verdict, _, err := cache.GetOrCompute(context.Background(), e, fn)
	if err != nil {
		t.Fatalf("retry after error: %v", err)
	}
	if verdict == nil {
		t.Fatal("expected verdict on retry")
	}
}

func TestAdoptEnvelope_KeepsAbsoluteExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	verdict := &Classification{Category: models.CategoryAuth, RiskLevel: models.RiskMedium, Confidence: 0.75}
	env := cacheEnvelope{Verdict: verdict, ExpiresAt: now.Add(30 * time.Second)}

	entry, ok := adoptEnvelope(env, now)
	if !ok {
		t.Fatal("fresh envelope should be adopted")
	}
	// The local copy inherits the remaining lifetime rather than a full TTL.
	if !entry.expiresAt.Equal(env.ExpiresAt) {
		t.Errorf("expiresAt = %v, want the envelope's %v", entry.expiresAt, env.ExpiresAt)
	}
	if entry.verdict != verdict {
		t.Error("verdict not carried over")
	}
}

func TestAdoptEnvelope_RejectsExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env := cacheEnvelope{
		Verdict:   &Classification{Category: models.CategoryAuth},
		ExpiresAt: now.Add(-time.Second),
	}
	if _, ok := adoptEnvelope(env, now); ok {
		t.Error("entry past its expiry must read as a miss")
	}
}

func TestAdoptEnvelope_RejectsBareVerdict(t *testing.T) {
	// An entry written without the envelope unmarshals with a nil verdict and
	// a zero expiry; both must read as a miss.
	var env cacheEnvelope
	if err := json.Unmarshal([]byte(`{"category":"auth","risk_level":"medium"}`), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := adoptEnvelope(env, time.Now()); ok {
		t.Error("legacy entry without an expiry must read as a miss")
	}
}

func TestInvalidate(t *testing.T) {
	cache := newLocalCache(time.Minute)
	e := evt("user.login", models.SeverityInfo)
	var calls int32
	fn := countingClassify(&calls, &Classification{Category: models.CategoryAuth, RiskLevel: models.RiskMedium, Confidence: 0.75})

	cache.GetOrCompute(context.Background(), e, fn)
	cache.Invalidate(context.Background(), e)
	_, cached, _ := cache.GetOrCompute(context.Background(), e, fn)
	if cached {
		t.Error("invalidated entry should not hit")
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("classify calls = %d, want 2", got)
	}
}
