// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package throttle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"actionkit/platform/engine/base"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newRedisStore(t *testing.T) Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, "")
}

var storeFactories = []struct {
	name string
	new  func(t *testing.T) Store
}{
	{"memory", func(*testing.T) Store { return NewMemoryStore() }},
	{"redis", newRedisStore},
}

func bundleFor(userID, plan string) *base.Bundle {
	b := base.NewBundle()
	b.AuthData["username"] = "chef"
	b.Meta["userId"] = userID
	if plan != "" {
		b.Meta["plan"] = plan
	}
	return b
}

func TestEnforcer_WindowOfSixHundredSecondsAdmitsFive(t *testing.T) {
	for _, sf := range storeFactories {
		t.Run(sf.name, func(t *testing.T) {
			clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
			e := NewEnforcer(sf.new(t), WithClock(clock.Now))
			cfg := &Config{Window: 600, Limit: 5}
			b := bundleFor("u1", "")

			for i := 0; i < 5; i++ {
				if res := e.ShouldAdmit(context.Background(), "creates.recipe", b, cfg); !res.Admit {
					t.Fatalf("invocation %d denied", i+1)
				}
				clock.Advance(time.Second)
			}

			res := e.ShouldAdmit(context.Background(), "creates.recipe", b, cfg)
			if res.Admit {
				t.Fatal("sixth invocation admitted")
			}
			if !res.Retry || res.RetryAfter != 595*time.Second {
				t.Errorf("retry=%v retryAfter=%v, want true 595s", res.Retry, res.RetryAfter)
			}
			var te *base.ThrottleError
			if !errors.As(res.Err(), &te) || te.RetryAfter != 595*time.Second {
				t.Errorf("Err() = %v", res.Err())
			}

			clock.Advance(596 * time.Second)
			if res := e.ShouldAdmit(context.Background(), "creates.recipe", b, cfg); !res.Admit {
				t.Error("admission did not resume after the window")
			}
		})
	}
}

func TestEnforcer_DeniedChecksAreNotCounted(t *testing.T) {
	for _, sf := range storeFactories {
		t.Run(sf.name, func(t *testing.T) {
			clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
			e := NewEnforcer(sf.new(t), WithClock(clock.Now))
			cfg := &Config{Window: 60, Limit: 2}
			b := bundleFor("u1", "")

			e.ShouldAdmit(context.Background(), "a", b, cfg)
			clock.Advance(10 * time.Second)
			e.ShouldAdmit(context.Background(), "a", b, cfg)
			for i := 0; i < 3; i++ {
				if e.ShouldAdmit(context.Background(), "a", b, cfg).Admit {
					t.Fatal("expected denial while window is full")
				}
			}

			// Only the first hit has left the window.
			clock.Advance(51 * time.Second)
			if !e.ShouldAdmit(context.Background(), "a", b, cfg).Admit {
				t.Fatal("expected one free slot")
			}
			if e.ShouldAdmit(context.Background(), "a", b, cfg).Admit {
				t.Fatal("expected window full again")
			}
		})
	}
}

func TestEnforcer_HardDenialOverride(t *testing.T) {
	no := false
	cfg := &Config{
		Window: 60,
		Limit:  100,
		Overrides: []Override{
			{Window: 3600, Limit: 1, Filter: "free", Retry: &no},
			{Window: 3600, Limit: 50, Filter: "free"},
		},
	}
	for _, sf := range storeFactories {
		t.Run(sf.name, func(t *testing.T) {
			e := NewEnforcer(sf.new(t))
			free := bundleFor("u1", "free")

			if !e.ShouldAdmit(context.Background(), "a", free, cfg).Admit {
				t.Fatal("first free invocation denied")
			}
			res := e.ShouldAdmit(context.Background(), "a", free, cfg)
			if res.Admit || res.Retry || res.RetryAfter != 0 {
				t.Errorf("expected hard denial without retryAfter, got %+v", res)
			}
			if base.Classify(res.Err()) != base.KindThrottle {
				t.Errorf("Classify() = %s", base.Classify(res.Err()))
			}

			paid := bundleFor("u2", "paid")
			for i := 0; i < 3; i++ {
				if !e.ShouldAdmit(context.Background(), "a", paid, cfg).Admit {
					t.Fatal("paid plan should use the default policy")
				}
			}
		})
	}
}

func TestEnforcer_ConcurrentChecksRespectLimit(t *testing.T) {
	for _, sf := range storeFactories {
		t.Run(sf.name, func(t *testing.T) {
			e := NewEnforcer(sf.new(t))
			cfg := &Config{Window: 60, Limit: 10}
			b := bundleFor("u1", "")

			var mu sync.Mutex
			admitted := 0
			var wg sync.WaitGroup
			for i := 0; i < 40; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if e.ShouldAdmit(context.Background(), "a", b, cfg).Admit {
						mu.Lock()
						admitted++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			if admitted != 10 {
				t.Errorf("admitted = %d, want 10", admitted)
			}
		})
	}
}

func TestCounterKey_Scopes(t *testing.T) {
	b := bundleFor("u1", "")
	b.Meta["accountId"] = "acc9"
	rotated := b.WithAuthData(map[string]interface{}{"access_token": "new"})

	if CounterKey("a", b, &Config{}) != CounterKey("a", rotated, &Config{}) {
		t.Error("token rotation changed the counter key")
	}
	if CounterKey("a", b, &Config{}) == CounterKey("a", bundleFor("u2", ""), &Config{}) {
		t.Error("different users share a counter")
	}
	if got := CounterKey("a", b, &Config{Scope: []string{ScopeAccount}}); got != "a|account=acc9" {
		t.Errorf("CounterKey() = %q", got)
	}
	b.InputData["list"] = "L1"
	if got := CounterKey("a", b, &Config{Key: "list-{{bundle.inputData.list}}", Scope: []string{ScopeAction}}); got != "list-L1|action=a" {
		t.Errorf("CounterKey() = %q", got)
	}
}

type failingStore struct{}

func (failingStore) Allow(context.Context, string, int, time.Duration, time.Time) (Decision, error) {
	return Decision{}, errors.New("connection refused")
}

func TestEnforcer_StoreFailureAdmits(t *testing.T) {
	var decisions []string
	e := NewEnforcer(failingStore{}, WithObserver(func(_, d string) { decisions = append(decisions, d) }))
	if !e.ShouldAdmit(context.Background(), "a", bundleFor("u", ""), &Config{Window: 1, Limit: 1}).Admit {
		t.Error("store failure should admit")
	}
	if len(decisions) != 1 || decisions[0] != DecisionError {
		t.Errorf("decisions = %v", decisions)
	}
	if !e.ShouldAdmit(context.Background(), "a", nil, nil).Admit {
		t.Error("nil config should admit")
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := &Config{Window: 0, Limit: 5, Scope: []string{"team"}, Overrides: []Override{{Window: 10, Limit: -1}}}
	err := cfg.Validate("creates.recipe.operation.throttle")
	var ve *base.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(ve.Violations) != 4 {
		t.Errorf("violations = %+v", ve.Violations)
	}
	if err := (&Config{Window: 600, Limit: 5}).Validate("x"); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}
