//go:build !(amd64 && unix)

package vm

const nativeCallSupported = false

func canRunNative(*Program) bool { return false }

func (e *NativeEntry) runNative(*Context) (ExitReason, bool) {
	return ExitReason{}, false
}
