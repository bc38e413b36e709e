/*
Package ipc is the daemon's request/response surface: a local unix socket
and, optionally, a bearer-token-gated TCP listener. Framing is a 4-byte
big-endian length followed by a JSON payload; one request and one response
per connection, with 5 second per-op deadlines.

Requests fall into three classes: event-emitting actions (append to the WAL
and return), state-reading queries (brief state lock), and
subprocess-calling operations (block only their own connection task).
Queries never mutate; actions always go through the event log.
*/
package ipc
