package models

import "slices"

// CompensationEntry is a serializable undo descriptor: which resource to undo
// and the identifiers it needs.
type CompensationEntry struct {
	Step         string   `json:"step"`
	ResourceType string   `json:"resource_type"`
	ResourceIDs  []string `json:"resource_ids"`
	Index        int      `json:"index"`
}

// Clone returns a copy that shares no memory with e.
func (e CompensationEntry) Clone() CompensationEntry {
	e.ResourceIDs = slices.Clone(e.ResourceIDs)

	return e
}

func cloneEntries(entries []CompensationEntry) []CompensationEntry {
	if entries == nil {
		return nil
	}

	out := make([]CompensationEntry, len(entries))
	for i, e := range entries {
		out[i] = e.Clone()
	}

	return out
}
