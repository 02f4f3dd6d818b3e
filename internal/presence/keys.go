// Package presence implements the ephemeral store: last-known locations,
// presence sets, connection bindings, and the cross-node pub/sub channel
// layout, backed by Redis.
package presence

import "fmt"

// Key layout, carried over unchanged from the system this was modeled on
// (see DESIGN.md) so operators familiar with that layout can reuse runbooks.
func locationKey(sessionID, userID string) string {
	return fmt.Sprintf("locations:%s:%s", sessionID, userID)
}

func locationScanPattern(sessionID string) string {
	return fmt.Sprintf("locations:%s:*", sessionID)
}

func participantsKey(sessionID string) string {
	return fmt.Sprintf("session_participants:%s", sessionID)
}

func connectionKey(userID string) string {
	return fmt.Sprintf("connections:%s", userID)
}

func activityKey(sessionID string) string {
	return fmt.Sprintf("session_activity:%s", sessionID)
}

func channelName(sessionID string) string {
	return fmt.Sprintf("channel:session:%s", sessionID)
}

// ChannelPattern is the pattern every node subscribes with.
const ChannelPattern = "channel:session:*"

// channelPrefix is stripped from an incoming channel name to recover the
// session id during cross-node fan-in.
const channelPrefix = "channel:session:"

func sessionIDFromChannel(channel string) (string, bool) {
	if len(channel) <= len(channelPrefix) || channel[:len(channelPrefix)] != channelPrefix {
		return "", false
	}
	return channel[len(channelPrefix):], true
}
