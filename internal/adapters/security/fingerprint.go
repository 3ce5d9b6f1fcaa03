package security

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
)

// HostFingerprint derives a stable identifier for this host from the machine
// id, hostname and hardware addresses. The value is computed once; a license
// is bound to it for the lifetime of the process.
type HostFingerprint struct {
	once  sync.Once
	value string
	err   error
}

func NewHostFingerprint() *HostFingerprint {
	return &HostFingerprint{}
}

func (f *HostFingerprint) Current() (string, error) {
	f.once.Do(func() {
		f.value, f.err = computeFingerprint()
	})
	return f.value, f.err
}

func computeFingerprint() (string, error) {
	parts := make([]string, 0, 8)

	if machineID, err := os.ReadFile("/etc/machine-id"); err == nil {
		parts = append(parts, strings.TrimSpace(string(machineID)))
	}
	if hostname, err := os.Hostname(); err == nil {
		parts = append(parts, hostname)
	}

	if ifaces, err := net.Interfaces(); err == nil {
		macs := make([]string, 0, len(ifaces))
		for _, iface := range ifaces {
			// Loopback and virtual interfaces churn; physical MACs are stable.
			if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
				continue
			}
			macs = append(macs, iface.HardwareAddr.String())
		}
		sort.Strings(macs)
		parts = append(parts, macs...)
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:]), nil
}
