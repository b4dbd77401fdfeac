package model

// Chunk is a NormalizedChunk: an opaque slice of normalized terminal bytes
// plus its monotonic sequence number within the session. Produced only by
// the Echo & Prompt Filter; consumed by the History Buffer and the
// Broadcaster.
type Chunk struct {
	Seq  uint64
	Data []byte
}
