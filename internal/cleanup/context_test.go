package cleanup

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestDo(t *testing.T) {
	t.Run("executes function", func(t *testing.T) {
		var called bool
		Do(context.Background(), func(ctx context.Context) {
			called = true
		})
		if !called {
			t.Error("function was not called")
		}
	})

	t.Run("provides timeout context", func(t *testing.T) {
		Do(context.Background(), func(ctx context.Context) {
			deadline, ok := ctx.Deadline()
			if !ok {
				t.Error("expected context to have deadline")
				return
			}
			remaining := time.Until(deadline)
			if remaining <= 0 || remaining > cleanupTimeout+time.Second {
				t.Errorf("deadline should be ~%v in future, got %v", cleanupTimeout, remaining)
			}
		})
	})

	t.Run("clears parent cancellation", func(t *testing.T) {
		canceled, cancel := context.WithCancel(context.Background())
		cancel()

		Do(canceled, func(ctx context.Context) {
			if ctx.Err() != nil {
				t.Errorf("expected clean context, got error: %v", ctx.Err())
			}
		})
	})

	t.Run("preserves values from parent", func(t *testing.T) {
		type key struct{}
		parent := context.WithValue(context.Background(), key{}, "test-value")

		Do(parent, func(ctx context.Context) {
			if v := ctx.Value(key{}); v != "test-value" {
				t.Errorf("expected value to be preserved, got %v", v)
			}
		})
	})
}

func TestStackRunsInReverse(t *testing.T) {
	var s Stack
	var order []string
	for _, name := range []string{"bind cam", "bind music", "mount music"} {
		name := name
		s.Push(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"mount music", "bind music", "bind cam"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestStackContinuesAfterFailure(t *testing.T) {
	var s Stack
	errBusy := errors.New("busy")
	var ran int
	s.Push("first", func(context.Context) error { ran++; return nil })
	s.Push("second", func(context.Context) error { ran++; return errBusy })

	err := s.Run(context.Background())
	if !errors.Is(err, errBusy) {
		t.Fatalf("expected joined error to contain errBusy, got %v", err)
	}
	if ran != 2 {
		t.Errorf("expected both steps to run, ran %d", ran)
	}
}

func TestStackRunIsIdempotent(t *testing.T) {
	var s Stack
	var ran int
	s.Push("once", func(context.Context) error { ran++; return nil })

	_ = s.Run(context.Background())
	_ = s.Run(context.Background())
	s.Push("late", func(context.Context) error { ran++; return nil })
	_ = s.Run(context.Background())

	if ran != 1 {
		t.Errorf("expected a single run, got %d", ran)
	}
}

func TestStackRunsAfterCancel(t *testing.T) {
	var s Stack
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s.Push("release", func(ctx context.Context) error {
		return ctx.Err()
	})
	if err := s.Run(ctx); err != nil {
		t.Errorf("cleanup saw cancelled context: %v", err)
	}
}
