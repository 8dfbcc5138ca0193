package models

import "time"

// AssetState is the lifecycle state of a remote media asset.
type AssetState string

const (
	AssetUploading  AssetState = "UPLOADING"
	AssetProcessing AssetState = "PROCESSING"
	AssetReady      AssetState = "READY"
	AssetFailed     AssetState = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s AssetState) Terminal() bool {
	return s == AssetReady || s == AssetFailed
}

// AssetHandle references a media object held by the remote ingestion service.
type AssetHandle struct {
	ID          string     `json:"id"`
	State       AssetState `json:"state"`
	URI         string     `json:"uri,omitempty"`
	MimeType    string     `json:"mime_type,omitempty"`
	DisplayName string     `json:"display_name,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Ready reports whether the asset can be used for grounding.
func (h *AssetHandle) Ready() bool {
	return h != nil && h.State == AssetReady
}

// Clone returns a copy safe to hand out of a lock scope.
func (h *AssetHandle) Clone() *AssetHandle {
	if h == nil {
		return nil
	}
	c := *h
	return &c
}
