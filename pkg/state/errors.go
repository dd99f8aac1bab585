package state

import (
	"errors"
	"fmt"
)

// ErrIncompleteMetadata indicates a snapshot is missing the metadata fields
// required to resume from it.
var ErrIncompleteMetadata = errors.New("state metadata incomplete: config_hash, run_id and start_time are required")

// VersionError indicates a snapshot was written with an incompatible format
// version. Never bypassed, even with force.
type VersionError struct {
	Found string
	Want  string
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("state version mismatch: snapshot has %q, this engine writes %q", e.Found, e.Want)
}

// DriftError indicates the configuration file changed since the snapshot was
// written. Bypassed by force.
type DriftError struct {
	StateHash   string
	CurrentHash string
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("config file changed since state was written (state hash %s, current hash %s); use --force to resume anyway",
		e.StateHash, e.CurrentHash)
}
