package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestLocalSerializesSameKey(t *testing.T) {
	l := NewLocal()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "ride-1")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Fatalf("expected exclusive access, saw %d holders", maxInside)
	}
	if l.held() != 0 {
		t.Fatalf("expected entries to be released, %d left", l.held())
	}
}

func TestLocalDifferentKeysDoNotBlock(t *testing.T) {
	l := NewLocal()
	unlockA, _ := l.Lock(context.Background(), "a")
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	unlockB, err := l.Lock(ctx, "b")
	if err != nil {
		t.Fatalf("lock on other key blocked: %v", err)
	}
	unlockB()
}

func TestLocalHonoursContext(t *testing.T) {
	l := NewLocal()
	unlock, _ := l.Lock(context.Background(), "a")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "a"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	unlock()
	unlock() // second call is a no-op
	if l.held() != 0 {
		t.Fatalf("expected no entries, got %d", l.held())
	}
}

// fakeRedis implements RedisClient with an in-memory key space. Only the
// release script is understood by EvalSha.
type fakeRedis struct {
	mu   sync.Mutex
	keys map[string]string
}

func newFakeRedis() *fakeRedis { return &fakeRedis{keys: map[string]string{}} }

func (f *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewBoolCmd(ctx)
	if _, ok := f.keys[key]; ok {
		cmd.SetVal(false)
		return cmd
	}
	f.keys[key] = value.(string)
	cmd.SetVal(true)
	return cmd
}

func (f *fakeRedis) release(ctx context.Context, keys []string, args []interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewCmd(ctx)
	if f.keys[keys[0]] == args[0].(string) {
		delete(f.keys, keys[0])
		cmd.SetVal(int64(1))
		return cmd
	}
	cmd.SetVal(int64(0))
	return cmd
}

func (f *fakeRedis) Eval(ctx context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return f.release(ctx, keys, args)
}

func (f *fakeRedis) EvalSha(ctx context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return f.release(ctx, keys, args)
}

func (f *fakeRedis) EvalRO(ctx context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return f.release(ctx, keys, args)
}

func (f *fakeRedis) EvalShaRO(ctx context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return f.release(ctx, keys, args)
}

func (f *fakeRedis) ScriptExists(ctx context.Context, hashes ...string) *redis.BoolSliceCmd {
	cmd := redis.NewBoolSliceCmd(ctx)
	cmd.SetVal(make([]bool, len(hashes)))
	return cmd
}

func (f *fakeRedis) ScriptLoad(ctx context.Context, _ string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	cmd.SetVal("sha")
	return cmd
}

func TestRedisLockAndRelease(t *testing.T) {
	f := newFakeRedis()
	l := NewRedis(f, "lock:ride:", time.Second, time.Millisecond)

	unlock, err := l.Lock(context.Background(), "r1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, ok := f.keys["lock:ride:r1"]; !ok {
		t.Fatalf("expected prefixed key to be set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "r1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected contention to time out, got %v", err)
	}

	unlock()
	if _, ok := f.keys["lock:ride:r1"]; ok {
		t.Fatalf("expected key to be released")
	}
	unlock2, err := l.Lock(context.Background(), "r1")
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	unlock2()
}

func TestRedisReleaseReportsLostLease(t *testing.T) {
	f := newFakeRedis()
	l := NewRedis(f, "", time.Second, time.Millisecond)
	var lost error
	l.OnLost = func(_ string, err error) { lost = err }

	unlock, _ := l.Lock(context.Background(), "r1")
	// simulate expiry followed by another holder
	f.mu.Lock()
	f.keys["r1"] = "someone-else"
	f.mu.Unlock()
	unlock()

	if !errors.Is(lost, ErrLockLost) {
		t.Fatalf("expected ErrLockLost, got %v", lost)
	}
	if f.keys["r1"] != "someone-else" {
		t.Fatalf("release must not delete another holder's lease")
	}
}
