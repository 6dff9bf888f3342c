package domain

import (
	"strconv"
	"time"
)

// Event types published on the signal bus. The order/payment collaborator
// and the WebSocket hub both consume these.
const (
	EventGroupStarted   = "group.started"
	EventGroupJoined    = "group.joined"
	EventGroupSucceeded = "group.succeeded"
	EventGroupFailed    = "group.failed"
)

// GroupEvent is the payload published for every group lifecycle transition.
type GroupEvent struct {
	Type        string      `json:"type"`
	GroupID     int64       `json:"group_id"`
	GroupNo     string      `json:"group_no"`
	ActivityID  int64       `json:"activity_id"`
	ShopperID   int64       `json:"shopper_id,omitempty"`
	CurrentSize int         `json:"current_size"`
	GroupSize   int         `json:"group_size"`
	Status      GroupStatus `json:"status"`
	At          time.Time   `json:"at"`
}

// EventChannel returns the per-activity pub/sub channel for group events.
func EventChannel(activityID int64) string {
	return "ch:group:" + strconv.FormatInt(activityID, 10)
}

// EventChannelPattern matches every activity's group event channel.
const EventChannelPattern = "ch:group:*"
