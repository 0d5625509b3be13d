// Package status defines the error type and return codes shared by all dState
// packages.
//
// Every fallible operation in dState returns a value together with an error.
// Absent log positions or store keys are reported as an error with
// CodeNotFound. This is a normal, expected outcome and callers branch on it
// with errors.Is(err, status.ErrNotFound) or status.IsNotFound(err). There are
// no nil-or-value returns for lookups.
//
// Error kinds:
//
//   - CodeCorruptEntry: a frame is malformed, truncated or carries an unknown
//     template id. Always fatal to the read that hit it.
//   - CodeNotFound: a read of a non-existent log position or store key.
//   - CodeStorageUnavailable: the underlying KV or disk engine failed. Fatal
//     to the partition, never retried inside the core.
//   - CodeInvalidOperation: the caller violated a precondition (e.g. truncating
//     committed entries, appending with a lower term).
//   - CodeRejected: a domain command was rejected by its processor. Only used
//     when a rejection has to travel as an error (e.g. to a proposer).
package status
