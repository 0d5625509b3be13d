// Package entry implements the binary frame format of replicated log entries.
//
// A log entry is one of three variants:
//
//   - Initial: appended by a new leader at the start of its term, no payload.
//   - Application: an opaque command payload plus the lowest and highest stream
//     position of the records it carries.
//   - Configuration: the membership of the replication group (member id, role
//     ACTIVE/PASSIVE/PROMOTABLE, time of last status change).
//
// Every entry is written together with the term it was appended in. The codec is
// pure and stateless: Encode writes into a caller owned buffer at any offset and
// returns the number of bytes written, Decode reads a frame from the start of a
// byte slice and returns the number of bytes consumed. Frames are
// self-delimiting, so a reader advances by exactly the number of bytes the writer
// reported, independent of where in a larger buffer the frame was written.
//
// Frames carry a versioned header (block length, template id, schema id,
// version). Readers ignore unknown trailing fields inside a known block and
// reject unknown templates. Any malformed or truncated frame is reported as an
// error with status.CodeCorruptEntry; a partially decoded entry is never
// returned.
//
// Configuration members are encoded sorted by id. Two replicas encoding the same
// member set therefore produce byte-identical frames, no matter in which order
// the members were collected.
package entry
