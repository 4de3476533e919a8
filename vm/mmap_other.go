//go:build !unix

package vm

// Non-unix platforms get plain heap memory. Compiled sites remain data for
// the audited walker; only the native call path needs true executable
// pages, and it is unix-only anyway.
func mapExec(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapExec(mem []byte) error {
	return nil
}
