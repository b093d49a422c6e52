// Package api implements the HTTP REST API for canstream-server on a chi
// router.
//
// New(deps) returns an http.Handler that serves:
//
//	POST /api/data          one JSON event {id, payload, timestamp?, extended?, source?}; 204, or 400 {error, field}
//	GET  /api/data          full retained history per key
//	GET  /api/data/{id}     one key's history, id in any form; [] if unknown, 400 if unparsable
//	GET  /api/latest        newest record per key; the decode key also carries "decoded"
//	GET  /api/v1/health     key count, capacity, live subscribers, pub/sub state, firing alerts
//	GET  /api/v1/alerts     firing and recently resolved frame alerts
//
// Every response, errors included, is application/json. Deps.WriteAuth guards
// the POST route only. Request counts and latency are recorded per route
// pattern when Deps.Metrics is set.
package api
