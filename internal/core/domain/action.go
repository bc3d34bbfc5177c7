package domain

import "time"

// ActionEntry is one record of the on-disk action cache: the fingerprint of
// everything a target's command consumed when it last ran. The engine never
// reads this table; it is an opaque side table consumed by the target
// function to skip re-running commands whose inputs are unchanged.
type ActionEntry struct {
	Target      string    `json:"target"`
	Fingerprint string    `json:"fingerprint"`
	Timestamp   time.Time `json:"timestamp"`
}
