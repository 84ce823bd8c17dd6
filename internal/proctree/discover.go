package proctree

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ErrDiscoveryTimeout reports that the target process could not be located
// within the retry budget while the supervisor was still alive.
var ErrDiscoveryTimeout = errors.New("proctree: target process not found within retry budget")

const (
	defaultRetryCount = 150
	defaultRetryDelay = 500 * time.Millisecond
)

// DiscoverOptions tunes the bounded discovery loop. The zero value uses the
// package defaults; Sleep is injectable so tests run without real delays.
type DiscoverOptions struct {
	RetryCount     int
	RetryDelay     time.Duration
	WrapperMarkers []string
	Sleep          func(time.Duration)
}

func (o DiscoverOptions) withDefaults() DiscoverOptions {
	if o.RetryCount <= 0 {
		o.RetryCount = defaultRetryCount
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = defaultRetryDelay
	}
	if o.WrapperMarkers == nil {
		o.WrapperMarkers = []string{"valgrind"}
	}
	if o.Sleep == nil {
		o.Sleep = time.Sleep
	}
	return o
}

// FindDescendant walks the live child tree of rootPid depth-first, looking
// for a process whose executable basename equals targetPath's basename, or
// whose command line contains both a wrapper-tool marker and the target path
// (the run-under case). The walk is retried on a fixed delay up to the
// attempt budget.
//
// It returns (pid, true, nil) on a match. If the root exits before a match
// is found it returns (0, false, nil): the target likely finished before it
// could be observed, which is not an error. If the root is still alive when
// the budget is exhausted it returns ErrDiscoveryTimeout.
func FindDescendant(ins Inspector, rootPid int, targetPath string, opts DiscoverOptions) (int, bool, error) {
	opts = opts.withDefaults()
	base := filepath.Base(targetPath)

	for attempt := 0; attempt < opts.RetryCount; attempt++ {
		if pid, ok := walk(ins, rootPid, base, targetPath, opts.WrapperMarkers); ok {
			return pid, true, nil
		}
		if !ins.Alive(rootPid) {
			return 0, false, nil
		}
		opts.Sleep(opts.RetryDelay)
	}
	if !ins.Alive(rootPid) {
		return 0, false, nil
	}
	return 0, false, fmt.Errorf("%w: %s under pid %d", ErrDiscoveryTimeout, targetPath, rootPid)
}

func walk(ins Inspector, rootPid int, base, targetPath string, markers []string) (int, bool) {
	stack := []int{rootPid}
	for len(stack) > 0 {
		pid := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		children, err := ins.Children(pid)
		if err != nil {
			continue
		}
		for _, child := range children {
			if exe, err := ins.Exe(child); err == nil && filepath.Base(exe) == base {
				return child, true
			}
			if cmdline, err := ins.Cmdline(child); err == nil && wrapperMatch(cmdline, markers, targetPath) {
				return child, true
			}
			stack = append(stack, child)
		}
	}
	return 0, false
}

// wrapperMatch reports whether cmdline looks like a wrapper tool (valgrind
// and friends) running the target binary.
func wrapperMatch(cmdline, markers []string, targetPath string) bool {
	hasMarker := false
	hasTarget := false
	for _, arg := range cmdline {
		for _, marker := range markers {
			if strings.Contains(arg, marker) {
				hasMarker = true
			}
		}
		if strings.Contains(arg, targetPath) {
			hasTarget = true
		}
	}
	return hasMarker && hasTarget
}
