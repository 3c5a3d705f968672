package lifecycle

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestRetryPolicyEscalates(t *testing.T) {
	p := NewRetryPolicy(2, 0, 0)

	var seen []Stage
	stage, ok, err := p.Run(context.Background(), func(_ context.Context, s Stage) (bool, error) {
		seen = append(seen, s)
		return s == StageLazy, nil
	})
	if err != nil || !ok {
		t.Fatalf("Run = %v, %v, %v", stage, ok, err)
	}
	if stage != StageLazy {
		t.Errorf("succeeded at %s, want lazy", stage)
	}
	want := []Stage{StagePlain, StagePlain, StageTerminate, StageTerminate, StageLazy}
	if !reflect.DeepEqual(seen, want) {
		t.Errorf("attempts = %v, want %v", seen, want)
	}
}

func TestRetryPolicyStopsAtFirstSuccess(t *testing.T) {
	p := NewRetryPolicy(3, 0, 0)

	calls := 0
	stage, ok, err := p.Run(context.Background(), func(_ context.Context, s Stage) (bool, error) {
		calls++
		return calls == 2, nil
	})
	if err != nil || !ok || stage != StagePlain {
		t.Fatalf("Run = %v, %v, %v", stage, ok, err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestRetryPolicyExhausted(t *testing.T) {
	p := NewRetryPolicy(1, 0, 0)

	calls := 0
	_, ok, err := p.Run(context.Background(), func(context.Context, Stage) (bool, error) {
		calls++
		return false, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected exhaustion")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want one per stage", calls)
	}
}

func TestRetryPolicyFatalError(t *testing.T) {
	p := NewRetryPolicy(3, 0, 0)
	boom := errors.New("permission denied")

	calls := 0
	stage, ok, err := p.Run(context.Background(), func(context.Context, Stage) (bool, error) {
		calls++
		return false, boom
	})
	if !errors.Is(err, boom) || ok {
		t.Fatalf("Run = %v, %v, %v", stage, ok, err)
	}
	if calls != 1 || stage != StagePlain {
		t.Errorf("fatal error should stop immediately, calls=%d stage=%s", calls, stage)
	}
}

func TestRetryPolicyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok, err := NewRetryPolicy(3, 0, 0).Run(ctx, func(context.Context, Stage) (bool, error) {
		return false, nil
	})
	if ok || !errors.Is(err, context.Canceled) {
		t.Errorf("expected cancellation, got ok=%v err=%v", ok, err)
	}
}

func TestStageString(t *testing.T) {
	for s, want := range map[Stage]string{StagePlain: "plain", StageTerminate: "terminate-holders", StageLazy: "lazy", Stage(9): "stage(9)"} {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(s), got, want)
		}
	}
}
