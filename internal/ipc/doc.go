// Package ipc exposes the daemon over JSON-RPC Unix sockets and ships the
// matching client used by the CLI.
//
// It owns socket lifecycle management and the request/response DTOs for
// the Camgate service: Start, Stop, Status, and LogTail. The server
// embeds the daemon; the client is a thin wrapper so CLI commands fail
// fast when the daemon is offline.
package ipc
