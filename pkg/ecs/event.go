// Package ecs defines the normalized event model every parser, connector,
// rule, and correlation pattern in Eleanor exchanges: a flat record with a
// fixed set of well-known semantic fields plus a typed extension map.
package ecs

import (
	"strings"
	"time"
)

// Kind classifies what a NormalizedEvent represents.
type Kind string

const (
	KindEvent        Kind = "event"
	KindAlert        Kind = "alert"
	KindSignal       Kind = "signal"
	KindMetric       Kind = "metric"
	KindState        Kind = "state"
	KindPipelineErr  Kind = "pipeline_error"
)

// MaxLabelValueBytes bounds every value stored in Labels.
const MaxLabelValueBytes = 256

// NormalizedEvent is the universal unit of flow between connectors, parsers,
// the event buffer, the detection engine, and the real-time processor.
type NormalizedEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	IngestTime time.Time `json:"ingest_time"`

	SourceType string `json:"source_type"`
	SourceFile string `json:"source_file,omitempty"`
	SourceLine int     `json:"source_line,omitempty"`

	EventKind     Kind     `json:"event_kind"`
	EventCategory []string `json:"event_category,omitempty"`
	EventType     []string `json:"event_type,omitempty"`
	EventAction   string   `json:"event_action,omitempty"`
	EventOutcome  string   `json:"event_outcome,omitempty"`
	EventSeverity int      `json:"event_severity"`

	SourceIP        string `json:"source_ip,omitempty"`
	DestinationIP   string `json:"destination_ip,omitempty"`
	SourcePort      int    `json:"source_port,omitempty"`
	DestinationPort int    `json:"destination_port,omitempty"`

	UserName   string `json:"user_name,omitempty"`
	UserID     string `json:"user_id,omitempty"`
	UserDomain string `json:"user_domain,omitempty"`

	HostName string `json:"host_name,omitempty"`
	HostID   string `json:"host_id,omitempty"`

	ProcessName        string `json:"process_name,omitempty"`
	ProcessPID         int    `json:"process_pid,omitempty"`
	ProcessPPID        int    `json:"process_ppid,omitempty"`
	ProcessCommandLine string `json:"process_command_line,omitempty"`
	ProcessExecutable  string `json:"process_executable,omitempty"`

	FileName      string `json:"file_name,omitempty"`
	FilePath      string `json:"file_path,omitempty"`
	FileHashMD5   string `json:"file_hash_md5,omitempty"`
	FileHashSHA1  string `json:"file_hash_sha1,omitempty"`
	FileHashSHA256 string `json:"file_hash_sha256,omitempty"`

	URLFull   string `json:"url_full,omitempty"`
	URLDomain string `json:"url_domain,omitempty"`
	URLPath   string `json:"url_path,omitempty"`

	NetworkProtocol  string `json:"network_protocol,omitempty"`
	NetworkDirection string `json:"network_direction,omitempty"`

	Message string `json:"message,omitempty"`

	Labels map[string]string `json:"labels,omitempty"`
	Tags   []string          `json:"tags,omitempty"`

	// Raw is the original source record, kept for audit only. Detection
	// logic must never read it.
	Raw any `json:"raw,omitempty"`
}

// NewEvent constructs a NormalizedEvent with IngestTime set to now and
// EventKind defaulted to KindEvent, matching the invariant that every
// event always has a kind and ingest_time >= timestamp.
func NewEvent(sourceType string, timestamp time.Time) *NormalizedEvent {
	now := time.Now().UTC()
	ts := timestamp
	if ts.IsZero() {
		ts = now
	}
	return &NormalizedEvent{
		Timestamp:  ts,
		IngestTime: now,
		SourceType: sourceType,
		EventKind:  KindEvent,
		Labels:     map[string]string{},
	}
}

// SetLabel sets a label, truncating the value to MaxLabelValueBytes to
// preserve the low-cardinality-tag invariant.
func (e *NormalizedEvent) SetLabel(key, value string) {
	if e.Labels == nil {
		e.Labels = map[string]string{}
	}
	if len(value) > MaxLabelValueBytes {
		value = value[:MaxLabelValueBytes]
	}
	e.Labels[key] = value
}

// AddTag appends a tag if not already present.
func (e *NormalizedEvent) AddTag(tag string) {
	for _, t := range e.Tags {
		if t == tag {
			return
		}
	}
	e.Tags = append(e.Tags, tag)
}

// Field looks up a value by dot-notation path, used by the Sigma matcher
// and the real-time processor's lightweight query matcher. Only exported
// semantic fields and Labels/Tags are addressable; Raw is never reachable
// this way by design.
func (e *NormalizedEvent) Field(path string) (any, bool) {
	switch path {
	case "timestamp":
		return e.Timestamp, true
	case "ingest_time":
		return e.IngestTime, true
	case "source_type":
		return e.SourceType, true
	case "source_file":
		return e.SourceFile, true
	case "source_line":
		return e.SourceLine, true
	case "event.kind", "event_kind":
		return string(e.EventKind), true
	case "event.category", "event_category":
		return e.EventCategory, true
	case "event.type", "event_type":
		return e.EventType, true
	case "event.action", "event_action":
		return e.EventAction, true
	case "event.outcome", "event_outcome":
		return e.EventOutcome, true
	case "event.severity", "event_severity":
		return e.EventSeverity, true
	case "source.ip", "source_ip":
		return e.SourceIP, true
	case "destination.ip", "destination_ip":
		return e.DestinationIP, true
	case "source.port", "source_port":
		return e.SourcePort, true
	case "destination.port", "destination_port":
		return e.DestinationPort, true
	case "user.name", "user_name":
		return e.UserName, true
	case "user.id", "user_id":
		return e.UserID, true
	case "user.domain", "user_domain":
		return e.UserDomain, true
	case "host.name", "host_name":
		return e.HostName, true
	case "host.id", "host_id":
		return e.HostID, true
	case "process.name", "process_name":
		return e.ProcessName, true
	case "process.pid", "process_pid":
		return e.ProcessPID, true
	case "process.parent.pid", "process_ppid":
		return e.ProcessPPID, true
	case "process.command_line", "process_command_line":
		return e.ProcessCommandLine, true
	case "process.executable", "process_executable":
		return e.ProcessExecutable, true
	case "file.name", "file_name":
		return e.FileName, true
	case "file.path", "file_path":
		return e.FilePath, true
	case "file.hash.md5", "file_hash_md5":
		return e.FileHashMD5, true
	case "file.hash.sha1", "file_hash_sha1":
		return e.FileHashSHA1, true
	case "file.hash.sha256", "file_hash_sha256":
		return e.FileHashSHA256, true
	case "url.full", "url_full":
		return e.URLFull, true
	case "url.domain", "url_domain":
		return e.URLDomain, true
	case "url.path", "url_path":
		return e.URLPath, true
	case "network.protocol", "network_protocol":
		return e.NetworkProtocol, true
	case "network.direction", "network_direction":
		return e.NetworkDirection, true
	case "message":
		return e.Message, true
	}
	if strings.HasPrefix(path, "labels.") {
		key := strings.TrimPrefix(path, "labels.")
		v, ok := e.Labels[key]
		return v, ok
	}
	if path == "tags" {
		return e.Tags, true
	}
	return nil, false
}

// RawEvent is the pre-parse unit handed from a connector to the parser
// dispatcher. Its lifetime ends when a parser yields NormalizedEvents from
// it.
type RawEvent struct {
	Data      any            `json:"data"` // []byte, string, or map[string]any
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}
