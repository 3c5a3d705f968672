package share

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
)

type fakeHost struct {
	calls  []string
	active bool
	fail   map[string]bool
}

func (f *fakeHost) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	call := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, call)
	if name == "systemctl" && args[0] == "is-active" {
		if f.active {
			return []byte("active\n"), nil
		}
		return []byte("inactive\n"), errors.New("exit status 3")
	}
	if f.fail[call] {
		return []byte("boom"), errors.New("exit status 1")
	}
	return nil, nil
}

func TestSambaStopStart(t *testing.T) {
	ctx := context.Background()
	host := &fakeHost{active: true}
	s := NewSamba(nil)
	s.run = host.run

	if err := s.CloseShares(ctx, []string{"TeslaCam", "LightShow"}); err != nil {
		t.Fatalf("CloseShares: %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	want := []string{
		"systemctl is-active smbd",
		"smbcontrol smbd close-share TeslaCam",
		"smbcontrol smbd close-share LightShow",
		"systemctl stop smbd nmbd",
		"systemctl start smbd nmbd",
	}
	if !reflect.DeepEqual(host.calls, want) {
		t.Errorf("calls = %v, want %v", host.calls, want)
	}
}

func TestSambaCloseSharesInactive(t *testing.T) {
	host := &fakeHost{}
	s := NewSamba([]string{"smbd"})
	s.run = host.run

	if err := s.CloseShares(context.Background(), []string{"TeslaCam"}); err != nil {
		t.Fatalf("CloseShares: %v", err)
	}
	if len(host.calls) != 1 {
		t.Errorf("close-share sent to a stopped smbd: %v", host.calls)
	}
}

func TestSambaCloseSharesError(t *testing.T) {
	host := &fakeHost{active: true, fail: map[string]bool{"smbcontrol smbd close-share TeslaCam": true}}
	s := NewSamba(nil)
	s.run = host.run

	if err := s.CloseShares(context.Background(), []string{"TeslaCam", "LightShow"}); err == nil {
		t.Fatal("expected error")
	}
	if got := host.calls[len(host.calls)-1]; got != "smbcontrol smbd close-share LightShow" {
		t.Errorf("remaining shares not closed after a failure, last call %q", got)
	}
}

func TestNoop(t *testing.T) {
	var s Service = Noop{}
	ctx := context.Background()
	if err := errors.Join(s.CloseShares(ctx, []string{"x"}), s.Stop(ctx), s.Start(ctx)); err != nil {
		t.Fatal(err)
	}
}
