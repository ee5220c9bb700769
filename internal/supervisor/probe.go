package supervisor

import (
	"github.com/shirou/gopsutil/v4/process"
)

// Alive reports whether a process with pid exists. A probe error counts as
// alive so that a transient failure never drops a pending reply.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	exists, err := process.PidExists(int32(pid))
	if err != nil {
		return true
	}
	return exists
}
