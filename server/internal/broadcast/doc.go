// Package broadcast is the one-directional live fan-out from the history
// store to connected observers.
//
// The ingestion gateway calls Publish once per accepted record. Each
// subscriber has its own bounded queue; a full queue either drops its oldest
// notification (DropOldest, the default) or ends that subscription
// (Disconnect). Neither policy affects other subscribers or the caller.
//
// There is no replay. A new subscriber should read current state from the
// query service and then rely on notifications for later changes.
package broadcast
