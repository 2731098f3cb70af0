// v0
// internal/mqttbus/topics.go
package mqttbus

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// StatusDevice is the device name of the status panel.
const StatusDevice = "status"

const (
	kindEvent   = "evt"
	kindCommand = "cmd"
)

var errBadTopic = errors.New("unrecognized topic")

// DeviceName returns the device name of a zero-based tap index: bev1, bev2...
func DeviceName(index int) string {
	return "bev" + strconv.Itoa(index+1)
}

// BeverageIndex parses a tap device name back into its zero-based index.
func BeverageIndex(device string) (int, bool) {
	rest, ok := strings.CutPrefix(device, "bev")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 1 {
		return 0, false
	}
	return n - 1, true
}

// EventTopic is <root>/evt/<device>/<event>.
func EventTopic(root, device, event string) string {
	return join(root, kindEvent, device, event)
}

// CommandTopic is <root>/cmd/<device>/<command>.
func CommandTopic(root, device, command string) string {
	return join(root, kindCommand, device, command)
}

func join(root string, parts ...string) string {
	root = strings.Trim(root, "/")
	if root == "" {
		return strings.Join(parts, "/")
	}
	return root + "/" + strings.Join(parts, "/")
}

// Topic is a parsed event or command topic.
type Topic struct {
	Kind   string
	Device string
	Name   string
}

// ParseTopic splits a topic under root into its kind, device and name.
func ParseTopic(root, topic string) (Topic, error) {
	root = strings.Trim(root, "/")
	rest := strings.Trim(topic, "/")
	if root != "" {
		var ok bool
		rest, ok = strings.CutPrefix(rest, root+"/")
		if !ok {
			return Topic{}, fmt.Errorf("%w: %s", errBadTopic, topic)
		}
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return Topic{}, fmt.Errorf("%w: %s", errBadTopic, topic)
	}
	if parts[0] != kindEvent && parts[0] != kindCommand {
		return Topic{}, fmt.Errorf("%w: %s", errBadTopic, topic)
	}
	return Topic{Kind: parts[0], Device: parts[1], Name: parts[2]}, nil
}
