package worker

import "github.com/lalithlochan/quiethours/internal/db"

// Deduplicate keeps the earliest-starting block per user. On equal start
// times the block seen first wins.
func Deduplicate(candidates []*db.Block) map[string]*db.Block {
	byUser := make(map[string]*db.Block, len(candidates))
	for _, c := range candidates {
		prev, ok := byUser[c.UserID]
		if !ok || c.StartTime.Before(prev.StartTime) {
			byUser[c.UserID] = c
		}
	}
	return byUser
}
