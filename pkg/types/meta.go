package types

// SyncMeta is the per-agent record of the settings the index was built with.
// A difference in any identity field forces a full reindex.
type SyncMeta struct {
	Model        string `json:"model"`
	ProviderID   string `json:"provider"`
	ProviderKey  string `json:"providerKey"`
	ChunkTokens  int    `json:"chunkTokens"`
	ChunkOverlap int    `json:"chunkOverlap"`
	VectorDims   int    `json:"vectorDims,omitempty"`
}

// SameIdentity reports whether two metas describe the same index layout.
// VectorDims is recorded but not part of the identity.
func (m *SyncMeta) SameIdentity(other *SyncMeta) bool {
	if m == nil || other == nil {
		return false
	}
	return m.Model == other.Model &&
		m.ProviderID == other.ProviderID &&
		m.ProviderKey == other.ProviderKey &&
		m.ChunkTokens == other.ChunkTokens &&
		m.ChunkOverlap == other.ChunkOverlap
}
