// Package preflight checks that the host can run the gadget storage
// controller: kernel, filesystems and tools.
package preflight

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// MinKernelVersion is the oldest kernel with partition scanning on loop
// devices and the configfs mass storage function.
const MinKernelVersion = "4.19"

var (
	procFilesystems = "/proc/filesystems"
	lookPath        = exec.LookPath
	geteuid         = os.Geteuid
)

// Requirements lists what Check verifies besides the kernel version.
type Requirements struct {
	// Filesystems must be registered in /proc/filesystems.
	Filesystems []string
	// Tools must be found in PATH.
	Tools []string
	// Root requires an effective uid of 0.
	Root bool
}

// Check runs every check and returns all failures joined.
// It should be called early in main() to fail fast.
func Check(req Requirements) error {
	var errs []error
	if err := CheckKernelVersion(MinKernelVersion); err != nil {
		errs = append(errs, err)
	}
	if req.Root && geteuid() != 0 {
		errs = append(errs, errors.New("must run as root to manage loop devices and mounts"))
	}
	if err := CheckFilesystems(req.Filesystems...); err != nil {
		errs = append(errs, err)
	}
	if err := CheckTools(req.Tools...); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// KernelVersion returns the running kernel release, e.g. "6.1.21-v8+".
func KernelVersion() (string, error) {
	var uname unix.Utsname
	if err := unix.Uname(&uname); err != nil {
		return "", fmt.Errorf("uname failed: %w", err)
	}
	return unix.ByteSliceToString(uname.Release[:]), nil
}

// leadingInt parses the digits at the start of s.
func leadingInt(s string) (int, error) {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, fmt.Errorf("no number in %q", s)
	}
	return strconv.Atoi(s[:end])
}

// parseVersion splits a release such as "6.1.21-v8+" or "5.15.0-rc1" into
// numeric components. A missing patch level is zero.
func parseVersion(version string) ([3]int, error) {
	var v [3]int
	release, _, _ := strings.Cut(version, "-")
	nums := strings.Split(release, ".")
	if len(nums) < 2 {
		return v, fmt.Errorf("invalid version format: %s", version)
	}
	for i := 0; i < len(nums) && i < 3; i++ {
		n, err := leadingInt(nums[i])
		if err != nil {
			if i == 2 {
				break
			}
			return v, fmt.Errorf("invalid version %s: %w", version, err)
		}
		v[i] = n
	}
	return v, nil
}

// CompareVersions returns -1, 0 or 1 as v1 is older than, equal to or
// newer than v2.
func CompareVersions(v1, v2 string) (int, error) {
	a, err := parseVersion(v1)
	if err != nil {
		return 0, err
	}
	b, err := parseVersion(v2)
	if err != nil {
		return 0, err
	}
	for i := range a {
		switch {
		case a[i] < b[i]:
			return -1, nil
		case a[i] > b[i]:
			return 1, nil
		}
	}
	return 0, nil
}

// CheckKernelVersion fails when the running kernel is older than minVersion.
func CheckKernelVersion(minVersion string) error {
	current, err := KernelVersion()
	if err != nil {
		return err
	}
	cmp, err := CompareVersions(current, minVersion)
	if err != nil {
		return fmt.Errorf("failed to compare versions: %w", err)
	}
	if cmp < 0 {
		return fmt.Errorf("kernel version %s is less than required %s", current, minVersion)
	}
	return nil
}

// registeredFilesystems parses /proc/filesystems.
func registeredFilesystems() (map[string]bool, error) {
	data, err := os.ReadFile(procFilesystems)
	if err != nil {
		return nil, err
	}
	fs := make(map[string]bool)
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) > 0 {
			fs[fields[len(fields)-1]] = true
		}
	}
	return fs, sc.Err()
}

// CheckFilesystems fails for every named filesystem the kernel does not
// know, with the modprobe hint to fix it.
func CheckFilesystems(names ...string) error {
	if len(names) == 0 {
		return nil
	}
	fs, err := registeredFilesystems()
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", procFilesystems, err)
	}
	var errs []error
	for _, name := range names {
		if !fs[name] {
			errs = append(errs, fmt.Errorf("%s filesystem not available, please run: modprobe %s", name, name))
		}
	}
	return errors.Join(errs...)
}

// CheckTools fails for every command missing from PATH.
func CheckTools(names ...string) error {
	var errs []error
	for _, name := range names {
		if _, err := lookPath(name); err != nil {
			errs = append(errs, fmt.Errorf("%s not found in PATH", name))
		}
	}
	return errors.Join(errs...)
}
