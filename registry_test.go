package metafs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func newTestRegistry(t *testing.T, validator *Validator, opts ...RegistryOption) (*Registry, *mockFactory) {
	t.Helper()
	factory := newMockFactory()
	reg := NewRegistry(validator, append([]RegistryOption{WithFactory(factory.create)}, opts...)...)
	t.Cleanup(func() { _ = reg.Close() })
	return reg, factory
}

func TestRegistryRegisterResolve(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, nil)

	res, err := reg.Register(ctx, RegisterRequest{URI: "mock://a", Name: "alpha", Origin: OriginServer})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if res.Selector != "alpha" || res.Name != "alpha" {
		t.Errorf("unexpected selector %q", res.Selector)
	}

	got, err := reg.Resolve("alpha")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if got != res {
		t.Error("resolve returned a different resource")
	}

	if _, err := reg.Resolve("beta"); !IsNotExist(err) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}

func TestRegistryNamePolicy(t *testing.T) {
	ctx := context.Background()
	reg, factory := newTestRegistry(t, nil)

	first, err := reg.Register(ctx, RegisterRequest{URI: "mock://a", Name: "data", Origin: OriginCaller})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	again, err := reg.Register(ctx, RegisterRequest{URI: "mock://a", Name: "data", Origin: OriginCaller})
	if err != nil {
		t.Fatalf("idempotent register failed: %v", err)
	}
	if again != first {
		t.Error("same name and uri should return the existing resource")
	}

	_, err = reg.Register(ctx, RegisterRequest{URI: "mock://b", Name: "data", Origin: OriginCaller})
	if !errors.Is(err, ErrSelectorConflict) {
		t.Errorf("expected ErrSelectorConflict, got %v", err)
	}
	if KindOf(err) != KindConflict {
		t.Errorf("expected conflict kind, got %s", KindOf(err))
	}

	if reg.Len() != 1 {
		t.Errorf("expected 1 resource, got %d", reg.Len())
	}
	if len(factory.built) != 1 {
		t.Errorf("adapter should be built once, built %d", len(factory.built))
	}
}

func TestRegistryInvalidName(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, nil)

	for _, name := range []string{"a:b", "a/b", `a\b`, " padded"} {
		_, err := reg.Register(ctx, RegisterRequest{URI: "mock://x", Name: name, Origin: OriginCaller})
		if !errors.Is(err, ErrRegistrationDenied) || !errors.Is(err, ErrInvalidName) {
			t.Errorf("name %q: expected invalid name denial, got %v", name, err)
		}
	}
}

func TestRegistryAutoSelector(t *testing.T) {
	ctx := context.Background()

	t.Run("hash", func(t *testing.T) {
		reg, _ := newTestRegistry(t, nil)
		a, err := reg.Register(ctx, RegisterRequest{URI: "mock://a", Origin: OriginCaller})
		if err != nil {
			t.Fatalf("register failed: %v", err)
		}
		if a.Selector != shortHash("mock://a", hashSelectorLen) {
			t.Errorf("unexpected selector %q", a.Selector)
		}

		same, err := reg.Register(ctx, RegisterRequest{URI: "mock://a", Origin: OriginCaller})
		if err != nil {
			t.Fatalf("register failed: %v", err)
		}
		if same != a {
			t.Error("same uri without a name should return the existing resource")
		}
	})

	t.Run("hash collision with a name", func(t *testing.T) {
		reg, _ := newTestRegistry(t, nil)
		taken := shortHash("mock://b", hashSelectorLen)
		if _, err := reg.Register(ctx, RegisterRequest{URI: "mock://other", Name: taken, Origin: OriginServer}); err != nil {
			t.Fatalf("register failed: %v", err)
		}
		b, err := reg.Register(ctx, RegisterRequest{URI: "mock://b", Origin: OriginCaller})
		if err != nil {
			t.Fatalf("register failed: %v", err)
		}
		if b.Selector != taken+"-2" {
			t.Errorf("expected suffixed selector, got %q", b.Selector)
		}
	})

	t.Run("counter", func(t *testing.T) {
		reg, _ := newTestRegistry(t, nil, WithSelectorStrategy(SelectorCounter))
		for i := 1; i <= 3; i++ {
			res, err := reg.Register(ctx, RegisterRequest{URI: fmt.Sprintf("mock://%d", i), Origin: OriginCaller})
			if err != nil {
				t.Fatalf("register failed: %v", err)
			}
			if want := fmt.Sprintf("r%d", i); res.Selector != want {
				t.Errorf("expected %s, got %s", want, res.Selector)
			}
		}
	})
}

func TestRegistryConcurrentAutoSelectors(t *testing.T) {
	ctx := context.Background()
	const n = 64

	for _, strategy := range []SelectorStrategy{SelectorHash, SelectorCounter} {
		t.Run(string(strategy), func(t *testing.T) {
			reg, _ := newTestRegistry(t, nil, WithSelectorStrategy(strategy))

			var wg sync.WaitGroup
			selectors := make([]string, n)
			errs := make([]error, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					res, err := reg.Register(ctx, RegisterRequest{URI: fmt.Sprintf("mock://res-%d", i), Origin: OriginCaller})
					errs[i] = err
					if err == nil {
						selectors[i] = res.Selector
					}
				}(i)
			}
			wg.Wait()

			seen := make(map[string]int)
			for i, sel := range selectors {
				if errs[i] != nil {
					t.Fatalf("register %d failed: %v", i, errs[i])
				}
				if prev, dup := seen[sel]; dup {
					t.Fatalf("selector %q assigned to %d and %d", sel, prev, i)
				}
				seen[sel] = i
			}
			if reg.Len() != n {
				t.Errorf("expected %d resources, got %d", n, reg.Len())
			}
		})
	}
}

func TestRegistryCallerResourcesDisabled(t *testing.T) {
	ctx := context.Background()
	reg, factory := newTestRegistry(t, nil, WithAllowUserResources(false))

	if _, err := reg.Register(ctx, RegisterRequest{URI: "mock://server", Name: "srv", Origin: OriginServer}); err != nil {
		t.Fatalf("server register failed: %v", err)
	}
	_, err := reg.Register(ctx, RegisterRequest{URI: "mock://caller", Origin: OriginCaller})
	if !errors.Is(err, ErrRegistrationDenied) {
		t.Errorf("expected denial, got %v", err)
	}
	if len(factory.built) != 1 {
		t.Errorf("no adapter should be built for a denied caller, built %v", factory.built)
	}
	if _, err := reg.Resolve("srv"); err != nil {
		t.Errorf("server resource should stay resolvable: %v", err)
	}
}

func TestRegistryValidator(t *testing.T) {
	ctx := context.Background()
	v, err := NewValidator([]string{`mock://allowed/.*`})
	if err != nil {
		t.Fatalf("validator failed: %v", err)
	}

	t.Run("caller resources are validated", func(t *testing.T) {
		reg, factory := newTestRegistry(t, v)
		if _, err := reg.Register(ctx, RegisterRequest{URI: "mock://allowed/x", Origin: OriginCaller}); err != nil {
			t.Errorf("allowed uri denied: %v", err)
		}
		_, err := reg.Register(ctx, RegisterRequest{URI: "mock://denied/x", Origin: OriginCaller})
		if !errors.Is(err, ErrRegistrationDenied) {
			t.Errorf("expected denial, got %v", err)
		}
		if len(factory.built) != 1 {
			t.Errorf("denied uri must not reach the factory: %v", factory.built)
		}
	})

	t.Run("server resources are trusted by default", func(t *testing.T) {
		reg, _ := newTestRegistry(t, v)
		if _, err := reg.Register(ctx, RegisterRequest{URI: "mock://denied/x", Name: "s", Origin: OriginServer}); err != nil {
			t.Errorf("server resource denied: %v", err)
		}
	})

	t.Run("server resources validated on request", func(t *testing.T) {
		reg, _ := newTestRegistry(t, v, WithValidateServerResources(true))
		_, err := reg.Register(ctx, RegisterRequest{URI: "mock://denied/x", Name: "s", Origin: OriginServer})
		if !errors.Is(err, ErrRegistrationDenied) {
			t.Errorf("expected denial, got %v", err)
		}
	})
}

func TestRegistryFactoryFailure(t *testing.T) {
	ctx := context.Background()
	reg, factory := newTestRegistry(t, nil)
	factory.err = fmt.Errorf("dial: %w", ErrBackendUnavailable)

	_, err := reg.Register(ctx, RegisterRequest{URI: "mock://down", Origin: OriginCaller})
	if KindOf(err) != KindBackendUnavailable || errors.Is(err, ErrRegistrationDenied) {
		t.Errorf("expected an unreachable backend to keep its kind, got %v (%v)", err, KindOf(err))
	}
	if reg.Len() != 0 {
		t.Error("failed registration left state behind")
	}

	factory.err = errors.New("bad uri")
	_, err = reg.Register(ctx, RegisterRequest{URI: "mock://broken", Origin: OriginCaller})
	if !errors.Is(err, ErrRegistrationDenied) {
		t.Errorf("expected denial for other construction failures, got %v", err)
	}
}

func TestRegistryDeregister(t *testing.T) {
	ctx := context.Background()
	reg, factory := newTestRegistry(t, nil)
	fs := newMockFS("a")
	factory.add("mock://a", fs)

	if _, err := reg.Register(ctx, RegisterRequest{URI: "mock://a", Name: "a", Origin: OriginCaller}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if !reg.Deregister("a") {
		t.Fatal("expected deregister to report removal")
	}
	if reg.Deregister("a") {
		t.Error("second deregister should report nothing removed")
	}
	if _, err := reg.Resolve("a"); !IsNotExist(err) {
		t.Errorf("resolve after deregister: %v", err)
	}
	if !fs.isClosed() {
		t.Error("idle adapter should be closed on deregister")
	}
}

func TestRegistryLeaseOutlivesDeregister(t *testing.T) {
	ctx := context.Background()
	reg, factory := newTestRegistry(t, nil)
	fs := newMockFS("a")
	factory.add("mock://a", fs)

	if _, err := reg.Register(ctx, RegisterRequest{URI: "mock://a", Name: "a", Origin: OriginCaller}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	res, release, err := reg.Acquire("a")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	reg.Deregister("a")

	if fs.isClosed() {
		t.Fatal("adapter closed while a lease is held")
	}
	if _, err := res.Adapter.Exists(ctx, "x"); err != nil {
		t.Errorf("in-flight operation failed: %v", err)
	}
	if _, _, err := reg.Acquire("a"); !IsNotExist(err) {
		t.Errorf("new lookups must fail after deregister, got %v", err)
	}

	release()
	if !fs.isClosed() {
		t.Error("adapter should close when the last lease is released")
	}
}

func TestRegistryDeregisterAs(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		protect bool
		origin  Origin
		wantErr bool
	}{
		{"caller removes server resource", true, OriginCaller, true},
		{"caller removes server resource unprotected", false, OriginCaller, false},
		{"server removes server resource", true, OriginServer, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, _ := newTestRegistry(t, nil, WithProtectServerResources(tt.protect))
			if _, err := reg.Register(ctx, RegisterRequest{URI: "mock://s", Name: "s", Origin: OriginServer}); err != nil {
				t.Fatalf("register failed: %v", err)
			}

			removed, err := reg.DeregisterAs(tt.origin, "s")
			if tt.wantErr {
				if !errors.Is(err, ErrRegistrationDenied) || removed {
					t.Errorf("expected refusal, got removed=%v err=%v", removed, err)
				}
				if _, err := reg.Resolve("s"); err != nil {
					t.Error("refused removal must keep the resource")
				}
				return
			}
			if err != nil || !removed {
				t.Errorf("expected removal, got removed=%v err=%v", removed, err)
			}
		})
	}
}

func TestRegistrySnapshotOrder(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, nil)

	for _, name := range []string{"zeta", "alpha", "mid"} {
		if _, err := reg.Register(ctx, RegisterRequest{URI: "mock://" + name, Name: name, Origin: OriginServer}); err != nil {
			t.Fatalf("register failed: %v", err)
		}
	}
	reg.Deregister("alpha")

	snap := reg.Snapshot()
	if len(snap) != 2 || snap[0].Selector != "zeta" || snap[1].Selector != "mid" {
		t.Errorf("unexpected snapshot order")
	}

	// snapshots are copies
	snap[0] = nil
	if reg.Snapshot()[0] == nil {
		t.Error("snapshot shares state with the registry")
	}
}

func TestRegistryClose(t *testing.T) {
	ctx := context.Background()
	factory := newMockFactory()
	reg := NewRegistry(nil, WithFactory(factory.create))

	a, b := newMockFS("a"), newMockFS("b")
	factory.add("mock://a", a)
	factory.add("mock://b", b)
	for _, uri := range []string{"mock://a", "mock://b"} {
		if _, err := reg.Register(ctx, RegisterRequest{URI: uri, Origin: OriginServer}); err != nil {
			t.Fatalf("register failed: %v", err)
		}
	}

	if err := reg.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if !a.isClosed() || !b.isClosed() {
		t.Error("close should close every adapter")
	}
	if reg.Len() != 0 {
		t.Error("close should empty the registry")
	}
	if _, err := reg.Register(ctx, RegisterRequest{URI: "mock://c", Origin: OriginServer}); !errors.Is(err, ErrClosed) {
		t.Errorf("register after close: %v", err)
	}
}
