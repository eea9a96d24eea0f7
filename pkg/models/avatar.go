package models

// Avatar is a library record resolved by avatar_id at accept time into a
// stored reference video + audio pair. Library management (upload,
// versioning, tagging) is out of scope; this is a read-only lookup shape.
type Avatar struct {
	ID         string `json:"id" db:"id"`
	VideoKey   string `json:"video_key" db:"video_key"`
	AudioKey   string `json:"audio_key" db:"audio_key"`
}
