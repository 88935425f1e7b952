package models

import (
	"time"

	"github.com/lib/pq"
)

// CanvasState is the single-file application shared by a group.
type CanvasState struct {
	GroupID        string         `db:"group_id" json:"group_id"`
	HTML           string         `db:"html" json:"html"`
	CSS            string         `db:"css" json:"css"`
	JS             string         `db:"js" json:"js"`
	LastUpdated    time.Time      `db:"last_updated" json:"last_updated"`
	TerminalOutput pq.StringArray `db:"terminal_output" json:"terminal_output"`
}

// KeyStatus is the observable state of a replica's key pool.
type KeyStatus struct {
	CurrentIndex int           `json:"current_index"`
	PoolSize     int           `json:"pool_size"`
	RateLimited  []int         `json:"rate_limited"`
	Usage        map[int]int64 `json:"usage"`
}
