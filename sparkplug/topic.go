package sparkplug

import "strings"

// Namespace is the Sparkplug B topic namespace prefix.
const Namespace = "spBv1.0"

// Topic composes a lifecycle-plane topic:
// spBv1.0/{groupId}/{msgType}/{edgeNodeId}[/{deviceId}].
func Topic(groupID, msgType, edgeNodeID, deviceID string) string {
	parts := []string{Namespace, groupID, msgType, edgeNodeID}
	if deviceID != "" {
		parts = append(parts, deviceID)
	}
	return strings.Join(parts, "/")
}

// ParsedTopic decomposes a lifecycle-plane topic.
type ParsedTopic struct {
	GroupID    string
	MsgType    string
	EdgeNodeID string
	DeviceID   string
}

// ParseTopic inverts Topic. ok is false for non-Sparkplug topics.
func ParseTopic(topic string) (ParsedTopic, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 || len(parts) > 5 || parts[0] != Namespace {
		return ParsedTopic{}, false
	}
	parsed := ParsedTopic{
		GroupID:    parts[1],
		MsgType:    parts[2],
		EdgeNodeID: parts[3],
	}
	if len(parts) == 5 {
		parsed.DeviceID = parts[4]
	}
	return parsed, true
}
