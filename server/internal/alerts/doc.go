// Package alerts evaluates frame rules against every accepted record and
// delivers webhook notifications to Slack, Teams or generic HTTP targets.
//
// The engine consumes its own broadcaster subscription (Engine.Run), so a
// slow webhook never delays ingestion. A rule names an optional key and a
// condition over the payload, e.g. key 0x105 with "byte0 == 1" for an open
// door. Alerts resolve on the next frame of the same key that no longer
// matches.
//
// Every delivery carries the key, rule, condition, compared value, the hex
// frame and its acceptance Seq: as attachment fields for Slack, MessageCard
// facts for Teams, and {"event": "alert.firing", "alert": {...}} for http.
package alerts
