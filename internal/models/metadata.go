package models

// JobMetadata is the enumerated set of progress counters and error detail a
// job carries. Fields are pointers so a patch only touches the keys it sets;
// the database merges patches into the stored JSONB document.
type JobMetadata struct {
	ChunksTotal    *int   `json:"chunksTotal,omitempty"`
	ChunksEmbedded *int   `json:"chunksEmbedded,omitempty"`
	ChunksSkipped  *int   `json:"chunksSkipped,omitempty"`
	FullyEmbedded  *bool  `json:"fullyEmbedded,omitempty"`
	FailureReason  string `json:"failureReason,omitempty"`
}

// IntPtr returns a pointer to v, for building metadata patches.
func IntPtr(v int) *int { return &v }

// BoolPtr returns a pointer to v, for building metadata patches.
func BoolPtr(v bool) *bool { return &v }
