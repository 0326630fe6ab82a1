// Package workqueue surfaces prioritized, deduplicated tasks to care staff.
package workqueue

import (
	"strings"
	"time"
)

// ItemType classifies the triggering condition of a work item.
type ItemType string

const (
	// TypeMissedSession flags consecutive missed sessions.
	TypeMissedSession ItemType = "missed_session"
	// TypeQualityDecline flags consecutive sub-threshold quality sessions.
	TypeQualityDecline ItemType = "quality_decline"
	// TypeLowAdherence flags a low overall completion rate.
	TypeLowAdherence ItemType = "low_adherence"
)

// Status is the lifecycle state of a work item. Items end by human action
// (completed/dismissed) or automatic supersession.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusDismissed  Status = "dismissed"
)

// Level is the discrete priority derived from the numeric score.
type Level string

const (
	LevelRoutine  Level = "routine"
	LevelElevated Level = "elevated"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// rank orders levels for comparisons.
var levelRank = map[Level]int{
	LevelRoutine:  0,
	LevelElevated: 1,
	LevelHigh:     2,
	LevelCritical: 3,
}

// AtLeast reports whether l is at or above other.
func (l Level) AtLeast(other Level) bool {
	return levelRank[l] >= levelRank[other]
}

// Item is a task surfaced to a human. Supersession links are explicit
// foreign-key style references resolved by lookup, never object cycles.
type Item struct {
	ID         string   `json:"id"`
	PatientID  string   `json:"patient_id"`
	ExerciseID string   `json:"exercise_id,omitempty"`
	ItemType   ItemType `json:"item_type"`

	Score float64 `json:"priority_score"`
	Level Level   `json:"priority_level"`

	Status           Status `json:"status"`
	DeduplicationKey string `json:"deduplication_key"`

	SupersedesID   string `json:"supersedes_id,omitempty"`
	SupersededByID string `json:"superseded_by_id,omitempty"`

	// Manual override takes strict precedence over the computed level
	// until OverrideExpiresAt.
	OverrideLevel     Level     `json:"override_level,omitempty"`
	OverrideExpiresAt time.Time `json:"override_expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Active reports whether the item is in a non-terminal state.
func (i Item) Active() bool {
	return i.Status == StatusPending || i.Status == StatusInProgress
}

// EffectiveLevel returns the override level while it is in force, otherwise
// the computed level.
func (i Item) EffectiveLevel(now time.Time) Level {
	if i.OverrideLevel != "" && now.Before(i.OverrideExpiresAt) {
		return i.OverrideLevel
	}
	return i.Level
}

// DedupeKey derives the deduplication key from the entity, item type and
// triggering condition. Two conditions that map to the same key can never
// produce two concurrently active items.
func DedupeKey(patientID string, itemType ItemType, condition string) string {
	return strings.Join([]string{patientID, string(itemType), condition}, "|")
}
