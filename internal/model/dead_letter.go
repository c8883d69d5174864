package model

import "time"

// DeadLetter is a transfer that could not be applied, kept for retry.
type DeadLetter struct {
	Transfer
	LastError     string    `json:"last_error"`
	RetryCount    int       `json:"retry_count"`
	FirstFailedAt time.Time `json:"first_failed_at"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
}

// Exhausted reports whether the entry reached the retry ceiling.
func (d DeadLetter) Exhausted(ceiling int) bool {
	return d.RetryCount >= ceiling
}
