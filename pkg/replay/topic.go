package replay

import "strings"

// matchTopic matches a topic against a filter using MQTT wildcard rules.
// + matches exactly one level
// # matches zero or more levels (must be at end)
func matchTopic(filter, topic string) bool {
	if !strings.ContainsAny(filter, "+#") {
		return filter == topic
	}

	filterParts := strings.Split(filter, "/")
	topicParts := strings.Split(topic, "/")

	for i, part := range filterParts {
		if part == "#" {
			return true
		}
		if i >= len(topicParts) {
			return false
		}
		if part != "+" && part != topicParts[i] {
			return false
		}
	}
	return len(filterParts) == len(topicParts)
}
