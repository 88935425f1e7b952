package store

import (
	"sort"

	"canvas-chat/internal/models"
)

// SortMessages orders messages by send time; insertion order breaks ties.
func SortMessages(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}

// QueueHead returns the oldest queued user message, if any.
func QueueHead(msgs []models.Message) (models.Message, bool) {
	var head models.Message
	found := false
	for _, m := range msgs {
		if !m.IsQueued() {
			continue
		}
		if !found || m.Timestamp.Before(head.Timestamp) {
			head = m
			found = true
		}
	}
	return head, found
}
