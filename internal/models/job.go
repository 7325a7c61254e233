package models

import (
	"encoding/json"
	"time"
)

type Job struct {
	ID              string          `json:"id"`
	Status          string          `json:"status"`
	SceneID         string          `json:"scene_id,omitempty"`
	Params          json.RawMessage `json:"params"`
	FramesTotal     int             `json:"frames_total"`
	FramesSucceeded int             `json:"frames_succeeded"`
	FramesFailed    int             `json:"frames_failed"`
	Error           string          `json:"error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
	Frames          []JobFrame      `json:"frames,omitempty"`
}

// JobFrame is the last reported state of one frame.
type JobFrame struct {
	Frame         int       `json:"frame"`
	Status        string    `json:"status"`
	ProviderName  string    `json:"provider_name,omitempty"`
	ProviderID    string    `json:"provider_id,omitempty"`
	ElapsedMS     int64     `json:"elapsed_ms,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	OutputAssetID string    `json:"output_asset_id,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}
