package fsck

import (
	"context"
	"sync"

	"github.com/c2h5oh/datasize"
	"github.com/containerd/log"
	"github.com/shirou/gopsutil/v4/mem"
)

// SwapBackend turns a swap file on and off and reports host memory.
type SwapBackend interface {
	On(path string) error
	Off(path string) error
	TotalMemory() (datasize.ByteSize, error)
}

type hostSwap struct{}

func (hostSwap) On(path string) error  { return swapOn(path) }
func (hostSwap) Off(path string) error { return swapOff(path) }

func (hostSwap) TotalMemory() (datasize.ByteSize, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return datasize.ByteSize(vm.Total), nil
}

// swapArea serializes every check that may need the standby swap, whether
// or not swap ends up enabled, since swapon and swapoff are not reentrant.
type swapArea struct {
	mu        sync.Mutex
	file      string
	threshold datasize.ByteSize
	backend   SwapBackend
}

// acquire takes the swap area and enables the swap file when the host is
// short on memory. The returned func disables it and must always be called.
func (s *swapArea) acquire(ctx context.Context) func() {
	s.mu.Lock()
	if s.file == "" {
		return s.mu.Unlock
	}

	total, err := s.backend.TotalMemory()
	if err != nil {
		log.G(ctx).WithError(err).Warn("failed to read host memory, enabling standby swap")
	} else if total >= s.threshold {
		log.G(ctx).WithField("memory", total.HumanReadable()).Debug("enough memory, standby swap not needed")
		return s.mu.Unlock
	}

	if err := s.backend.On(s.file); err != nil {
		log.G(ctx).WithError(err).WithField("swap", s.file).Warn("failed to enable standby swap, checking without it")
		return s.mu.Unlock
	}
	log.G(ctx).WithField("swap", s.file).Info("enabled standby swap")

	return func() {
		defer s.mu.Unlock()
		if err := s.backend.Off(s.file); err != nil {
			log.G(ctx).WithError(err).WithField("swap", s.file).Error("failed to disable standby swap")
			return
		}
		log.G(ctx).WithField("swap", s.file).Info("disabled standby swap")
	}
}
