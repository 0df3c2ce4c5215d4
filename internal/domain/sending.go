package domain

import "time"

// SendResult is the outcome of one delivery attempt against an external
// send API.
type SendResult struct {
	Success   bool      `json:"success"`
	MessageID string    `json:"message_id,omitempty"`
	SentAt    time.Time `json:"sent_at,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// BatchResult aggregates per-recipient outcomes from processing one
// batch. Per-recipient failures live here; they never fail the batch.
type BatchResult struct {
	Results []MessageResult `json:"results"`
}

// Successes counts accepted sends.
func (b BatchResult) Successes() int {
	n := 0
	for _, r := range b.Results {
		if r.Success {
			n++
		}
	}
	return n
}

// Failures counts rejected or skipped sends.
func (b BatchResult) Failures() int {
	return len(b.Results) - b.Successes()
}

// HeaderKind tags the WhatsApp template header variant.
type HeaderKind string

const (
	HeaderNone     HeaderKind = "none"
	HeaderText     HeaderKind = "text"
	HeaderImage    HeaderKind = "image"
	HeaderDocument HeaderKind = "document"
	HeaderVideo    HeaderKind = "video"
)

// TemplateHeader is the resolved header for a WhatsApp template. Media
// headers carry the gateway file reference obtained from a one-time
// upload; the same FileID is reused for every recipient in a batch.
type TemplateHeader struct {
	Kind HeaderKind `json:"kind"`
	// Text is set for text headers.
	Text string `json:"text,omitempty"`
	// MediaURL is the source location for media headers.
	MediaURL string `json:"media_url,omitempty"`
	// FileID is the gateway's reference after upload.
	FileID string `json:"file_id,omitempty"`
}

// WhatsAppTemplate describes a gateway message template: its declared
// variables and optional header content.
type WhatsAppTemplate struct {
	Name      string         `json:"name"`
	Language  string         `json:"language"`
	Variables []string       `json:"variables"`
	Header    TemplateHeader `json:"header"`
}
