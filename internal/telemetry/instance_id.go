package telemetry

import (
	"os"
	"strconv"

	"github.com/google/uuid"
)

// InstanceID identifies this process in exported metrics: hostname, pid and a
// random suffix so restarts on the same host stay distinguishable.
func InstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}

	return host + "-" + strconv.Itoa(os.Getpid()) + "-" + uuid.NewString()[:8]
}
