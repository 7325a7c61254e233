package models

import "time"

// Scene is an uploaded .blend file that jobs render from.
type Scene struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	AssetID   string     `json:"asset_id"`
	ObjectKey string     `json:"object_key"`
	Provider  string     `json:"provider"`
	Mime      string     `json:"mime"`
	SizeBytes int64      `json:"size_bytes"`
	CreatedAt time.Time  `json:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Asset is a stored object (scene file or rendered frame).
type Asset struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Provider  string    `json:"provider"`
	ObjectKey string    `json:"object_key"`
	Mime      string    `json:"mime"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}
