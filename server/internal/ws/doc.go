// Package ws implements the live WebSocket feed for canstream-server.
//
// Every connection gets its own broadcaster subscription. On connect the
// client receives the latest record per key, then one frame per accepted
// record:
//
//	{"event": "snapshot",   "data": {"0x103": {"timestamp": ..., "payload": [...], "decoded": "..."}}}
//	{"event": "can_update", "data": {"0x104": {"payload": [...], "timestamp": ..., "extended": false}}}
//
// There is no replay: records accepted before the connection are only visible
// through the snapshot. A subscriber the broadcaster disconnects for falling
// behind receives a close frame and may reconnect. Hub.Run optionally pushes
// a fresh snapshot on a fixed interval.
//
// The upgrader accepts all origins. The endpoint is mounted at /ws/stream.
package ws
