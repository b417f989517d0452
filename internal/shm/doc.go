// Package shm implements the fixed-size shared-memory segments and the
// metadata block that carry frames from the camgate daemon to client
// processes.
//
// Three named segments make up one frame bus: an RGB payload buffer, a depth
// payload buffer, and a 64-byte metadata block. The producer is the sole
// writer; any number of consumers map the segments read-only. There are no
// locks: consumers detect torn copies by reading the frame sequence number
// before and after the payload copy, and detect a dead producer by watching
// the heartbeat fields. Segment lifetime is decoupled from process lifetime;
// removal is an explicit Remove call, not a process-exit hook.
package shm
