package model

// HandoffPackage is the compact context carried from one chunk's processing
// into the next chunk's prompt. It is built fresh after every chunk and is
// not persisted as a first-class record beyond the chunk result it rides in.
type HandoffPackage struct {
	OpenPending     *PendingSummary `json:"open_pending,omitempty"`
	ActiveContext   ActiveContext   `json:"active_context"`
	RecentCompleted []string        `json:"recent_completed,omitempty"`
}

// PendingSummary summarizes the at-most-one still-open pending for the next
// chunk's prompt.
type PendingSummary struct {
	TempID     string      `json:"temp_id"`
	Type       string      `json:"type"`
	PagesSoFar []PageRange `json:"pages_so_far"`
	Summary    string      `json:"summary,omitempty"`
	ExpectNext string      `json:"expect_next,omitempty"`
}

// ActiveContext carries the small rolling state the model needs to keep
// entity boundaries consistent across chunks.
type ActiveContext struct {
	OpenAdmission     string   `json:"open_admission,omitempty"`
	RecentProviders   []string `json:"recent_providers,omitempty"`
	RecentFacilities  []string `json:"recent_facilities,omitempty"`
	OrderingPattern   string   `json:"ordering_pattern,omitempty"`
	LastConfidentDate string   `json:"last_confident_date,omitempty"`
}

// Empty reports whether the handoff carries nothing worth rendering.
func (h *HandoffPackage) Empty() bool {
	if h == nil {
		return true
	}
	return h.OpenPending == nil &&
		h.ActiveContext.OpenAdmission == "" &&
		len(h.ActiveContext.RecentProviders) == 0 &&
		len(h.ActiveContext.RecentFacilities) == 0 &&
		h.ActiveContext.OrderingPattern == "" &&
		h.ActiveContext.LastConfidentDate == "" &&
		len(h.RecentCompleted) == 0
}
