// Package storageid generates and parses the local storage instance id that
// the replication engine sends to peers as dbid (§6).
package storageid

import "github.com/google/uuid"

// New returns a fresh storage instance id, generated once at first startup
// and then expected to be persisted by the caller alongside the data
// directory.
func New() string {
	return uuid.New().String()
}

// Parse validates that s is a well-formed storage instance id.
func Parse(s string) (string, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
