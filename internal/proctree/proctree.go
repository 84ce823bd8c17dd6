// Package proctree inspects live process trees. The namespace-sandbox
// backend uses it to locate the real target process beneath its supervisor,
// whose identity is not known at spawn time.
package proctree

// Inspector abstracts the process table so discovery can be exercised
// against a fake tree in tests.
type Inspector interface {
	// Children returns the live direct children of pid.
	Children(pid int) ([]int, error)
	// Exe returns the absolute path of the executable running as pid.
	Exe(pid int) (string, error)
	// Cmdline returns pid's command line, one element per argument.
	Cmdline(pid int) ([]string, error)
	// Alive reports whether pid still exists.
	Alive(pid int) bool
}
