package types

// Progress is a UI-facing progress report. Value is ignored when
// Indeterminate is set.
type Progress struct {
	Type          string  `json:"type"`
	Operation     string  `json:"operation"`
	Value         float64 `json:"value"`
	Indeterminate bool    `json:"indeterminate"`
	Message       string  `json:"message,omitempty"`
	Done          bool    `json:"done,omitempty"`
}

// FrameEvent announces a frame that the UI can fetch from /frames/{kind}.
type FrameEvent struct {
	Type     string `json:"type"`
	Kind     string `json:"kind"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Sequence uint64 `json:"sequence"`
}

// ErrorEvent is the user-visible form of a failed operation.
type ErrorEvent struct {
	Type      string `json:"type"`
	Operation string `json:"operation"`
	Message   string `json:"message"`
	Detail    string `json:"detail,omitempty"`
}
