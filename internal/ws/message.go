// Package ws implements the realtime scan-progress protocol: the wire
// message schema shared by client and server, and a resilient client channel
// that owns one connection per observed scan.
package ws

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dpdpscan/scanwatch/internal/scan"
)

// MessageType discriminates inbound frames.
type MessageType string

const (
	TypeConnected MessageType = "connected"
	TypeProgress  MessageType = "progress"
	TypeFinding   MessageType = "finding"
	TypeCompleted MessageType = "completed"
	TypeError     MessageType = "error"
	TypePong      MessageType = "pong"
)

// PingPayload is the outbound keep-alive: a bare literal text frame, not
// JSON. The executor answers it with a pong message. Changing this payload
// breaks interoperability with existing executors.
const PingPayload = "ping"

// ConnectedMessage acknowledges a new subscription. Informational only.
type ConnectedMessage struct {
	Type    MessageType `json:"type"`
	ScanID  string      `json:"scan_id,omitempty"`
	Message string      `json:"message,omitempty"`
}

// ProgressMessage carries a full progress snapshot. Each one replaces, never
// patches, the client's view of the scan.
type ProgressMessage struct {
	Type                      MessageType `json:"type"`
	ScanID                    string      `json:"scan_id"`
	Status                    scan.Status `json:"status"`
	Percent                   int         `json:"percent"`
	PagesScanned              int         `json:"pages_scanned"`
	TotalPages                int         `json:"total_pages"`
	CurrentURL                string      `json:"current_url,omitempty"`
	Message                   string      `json:"message,omitempty"`
	FindingsCount             int         `json:"findings_count"`
	CriticalCount             int         `json:"critical_count"`
	HighCount                 int         `json:"high_count"`
	MediumCount               int         `json:"medium_count"`
	LowCount                  int         `json:"low_count"`
	ElapsedSeconds            int         `json:"elapsed_seconds"`
	EstimatedRemainingSeconds *int        `json:"estimated_remaining_seconds"`
	Timestamp                 string      `json:"timestamp,omitempty"`
}

// Snapshot converts the wire message into a domain snapshot, stamped with
// the client-side arrival time.
func (m *ProgressMessage) Snapshot(receivedAt time.Time) scan.Snapshot {
	snap := scan.Snapshot{
		ScanID:        m.ScanID,
		Status:        m.Status,
		Percent:       m.Percent,
		PagesScanned:  m.PagesScanned,
		TotalPages:    m.TotalPages,
		CurrentURL:    m.CurrentURL,
		Message:       m.Message,
		FindingsCount: m.FindingsCount,
		Counts: scan.SeverityCounts{
			Critical: m.CriticalCount,
			High:     m.HighCount,
			Medium:   m.MediumCount,
			Low:      m.LowCount,
		},
		ElapsedSeconds: m.ElapsedSeconds,
		ReceivedAt:     receivedAt,
	}
	if m.EstimatedRemainingSeconds != nil {
		v := *m.EstimatedRemainingSeconds
		snap.EstimatedRemainingSeconds = &v
	}
	return snap
}

// FindingMessage carries exactly one finding.
type FindingMessage struct {
	Type      MessageType  `json:"type"`
	ScanID    string       `json:"scan_id,omitempty"`
	Finding   scan.Finding `json:"finding"`
	Timestamp string       `json:"timestamp,omitempty"`
}

// CompletedMessage carries the terminal status and the final roll-up.
type CompletedMessage struct {
	Type      MessageType  `json:"type"`
	ScanID    string       `json:"scan_id"`
	Status    scan.Status  `json:"status"`
	Summary   scan.Summary `json:"summary"`
	Timestamp string       `json:"timestamp,omitempty"`
}

// ErrorMessage carries a human-readable executor error. It is surfaced to
// observers but neither closes the channel nor changes lifecycle status.
type ErrorMessage struct {
	Type      MessageType `json:"type"`
	ScanID    string      `json:"scan_id,omitempty"`
	Error     string      `json:"error"`
	Timestamp string      `json:"timestamp,omitempty"`
}

// PongMessage answers the keep-alive ping.
type PongMessage struct {
	Type MessageType `json:"type"`
}

// EventKind discriminates events delivered by a Channel.
type EventKind int

const (
	// EventConnected fires once per successful dial, including redials.
	EventConnected EventKind = iota
	// EventDisconnected fires when the transport is lost and a reconnect is
	// pending. Consumers show a transient indicator, not an error.
	EventDisconnected
	EventProgress
	EventFinding
	EventCompleted
	// EventError carries an application-level error string from the
	// executor.
	EventError
)

// Event is one typed occurrence on a channel. Exactly the fields relevant to
// Kind are populated.
type Event struct {
	Kind     EventKind
	Snapshot scan.Snapshot // EventProgress
	Finding  scan.Finding  // EventFinding
	Status   scan.Status   // EventCompleted terminal status
	Summary  scan.Summary  // EventCompleted
	Err      string        // EventError text, EventDisconnected reason
}

// decodeEvent parses one inbound frame. deliver is false for frames that are
// consumed by the channel itself (connected acknowledgements, pongs). A
// non-nil error means the frame is malformed or unknown and must be dropped.
func decodeEvent(data []byte, receivedAt time.Time) (ev Event, deliver bool, err error) {
	var env struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, false, fmt.Errorf("invalid frame: %w", err)
	}

	switch env.Type {
	case TypeConnected, TypePong:
		return Event{}, false, nil

	case TypeProgress:
		var m ProgressMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return Event{}, false, fmt.Errorf("invalid progress frame: %w", err)
		}
		if !m.Status.Valid() {
			return Event{}, false, fmt.Errorf("progress frame with unknown status %q", m.Status)
		}
		return Event{Kind: EventProgress, Snapshot: m.Snapshot(receivedAt)}, true, nil

	case TypeFinding:
		var m FindingMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return Event{}, false, fmt.Errorf("invalid finding frame: %w", err)
		}
		if m.Finding.ID == "" {
			return Event{}, false, fmt.Errorf("finding frame without id")
		}
		return Event{Kind: EventFinding, Finding: m.Finding}, true, nil

	case TypeCompleted:
		var m CompletedMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return Event{}, false, fmt.Errorf("invalid completed frame: %w", err)
		}
		if !m.Status.IsTerminal() {
			return Event{}, false, fmt.Errorf("completed frame with non-terminal status %q", m.Status)
		}
		return Event{Kind: EventCompleted, Status: m.Status, Summary: m.Summary}, true, nil

	case TypeError:
		var m ErrorMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return Event{}, false, fmt.Errorf("invalid error frame: %w", err)
		}
		return Event{Kind: EventError, Err: m.Error}, true, nil

	default:
		return Event{}, false, fmt.Errorf("unknown message type %q", env.Type)
	}
}
