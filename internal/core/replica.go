package core

import "os"

// ReplicaName resolves this process's identity, used to tag locks and
// history rows. Resolution order: HOSTNAME, COMPUTERNAME, OS hostname,
// then a fixed fallback.
func ReplicaName() string {
	if h := os.Getenv("HOSTNAME"); h != "" {
		return h
	}
	if h := os.Getenv("COMPUTERNAME"); h != "" {
		return h
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "unknown-replica"
}
