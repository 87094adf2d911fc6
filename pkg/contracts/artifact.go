package contracts

// ArtifactRef points at a stored payload. Runs and events carry refs, never the
// payload itself.
type ArtifactRef struct {
	Locator     string `json:"locator"`
	ContentHash string `json:"content_hash"` // sha256:<hex>
	Kind        string `json:"kind"`
	Size        int64  `json:"size,omitempty"`
}
