//go:build windows

package lock

import (
	"errors"

	"golang.org/x/sys/windows"
)

// processExists opens pid for querying. Access denied still means the
// process is alive.
func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return errors.Is(err, windows.ERROR_ACCESS_DENIED)
	}
	windows.CloseHandle(handle)
	return true
}
