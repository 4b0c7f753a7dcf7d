package ws

import (
	"time"

	"ppewatch/internal/pipeline"
)

// IncidentMessage is the push notification for one incident status change
type IncidentMessage struct {
	Type      string    `json:"type"` // "incident"
	ReportID  string    `json:"report_id"`
	Status    string    `json:"status"`
	Previous  string    `json:"previous_status,omitempty"`
	Severity  string    `json:"severity"`
	CameraID  string    `json:"camera_id"`
	Missing   []string  `json:"missing_ppe"`
	Error     string    `json:"error_message,omitempty"`
	Terminal  bool      `json:"terminal"`
	Timestamp time.Time `json:"timestamp"`
}

// NewIncidentMessage converts a bus event into its wire form
func NewIncidentMessage(e *pipeline.IncidentEvent) *IncidentMessage {
	msg := &IncidentMessage{
		Type:      "incident",
		ReportID:  e.ReportID,
		Status:    e.Status,
		Previous:  e.Previous,
		Severity:  e.Severity,
		CameraID:  e.CameraID,
		Missing:   e.Missing,
		Terminal:  e.Terminal(),
		Timestamp: e.Time,
	}
	if e.Status == "failed" {
		msg.Error = e.Error
	}
	if msg.Missing == nil {
		msg.Missing = []string{}
	}
	return msg
}
