package models

import "time"

// RecoveryEntry is one already-serviced recovery in a visitor's history.
// Replays of the same slug are free, so the slug doubles as the
// idempotency key.
type RecoveryEntry struct {
	Slug      string    `json:"slug"`
	BackupURL string    `json:"backup_url"`
	UsedAt    time.Time `json:"used_at"`
}

// VisitorQuota is the per-visitor recovery ledger. One visitor is one
// line of quota.jsonl. UsedCount only ever increases, and only for slugs
// not already present in History.
type VisitorQuota struct {
	VisitorID string          `json:"visitor_id"`
	UsedCount int             `json:"used_count"`
	FreeQuota int             `json:"free_quota"`
	PaidQuota int             `json:"paid_quota"`
	History   []RecoveryEntry `json:"history"`
}

// Remaining returns how many recoveries the visitor can still spend.
func (v *VisitorQuota) Remaining() int {
	return v.FreeQuota - v.UsedCount + v.PaidQuota
}

// Total is the visitor's overall allowance, free plus paid.
func (v *VisitorQuota) Total() int {
	return v.FreeQuota + v.PaidQuota
}

// Recovered reports whether the slug is already in the visitor's history.
func (v *VisitorQuota) Recovered(slug string) (RecoveryEntry, bool) {
	for _, e := range v.History {
		if e.Slug == slug {
			return e, true
		}
	}
	return RecoveryEntry{}, false
}
