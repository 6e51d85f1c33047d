package formats

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/Project-Eleanor/Eleanor-sub000/pkg/ecs"
	"github.com/Project-Eleanor/Eleanor-sub000/pkg/parsers"
)

// SuricataEVEParser parses Suricata's EVE JSON log, dispatching per
// event_type (alert, flow, http, dns, tls, fileinfo, ssh, smtp, anomaly, ...).
type SuricataEVEParser struct {
	log *slog.Logger
}

func NewSuricataEVEParser(logger *slog.Logger) *SuricataEVEParser {
	if logger == nil {
		logger = slog.Default()
	}
	return &SuricataEVEParser{log: logger.With("component", "parsers.suricata_eve")}
}

func (p *SuricataEVEParser) Name() string              { return "suricata_eve" }
func (p *SuricataEVEParser) Category() parsers.Category { return parsers.CategoryNetwork }
func (p *SuricataEVEParser) SupportedExtensions() []string {
	return []string{".json", ".eve", ".log"}
}
func (p *SuricataEVEParser) SupportedMimeTypes() []string { return []string{"application/json"} }

func (p *SuricataEVEParser) CanParse(filename string, firstBytes []byte) bool {
	line := firstLine(firstBytes)
	if line == "" {
		return false
	}
	var probe map[string]any
	if err := json.Unmarshal([]byte(line), &probe); err != nil {
		return false
	}
	_, hasEventType := probe["event_type"]
	_, hasTimestamp := probe["timestamp"]
	return hasEventType && hasTimestamp
}

func (p *SuricataEVEParser) Parse(source io.Reader, sourceName string, emit func(*ecs.NormalizedEvent) error) (*parsers.Stats, error) {
	stats := &parsers.Stats{}
	scanner := bufio.NewScanner(source)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			stats.RecordsSkipped++
			stats.SkippedDetail = append(stats.SkippedDetail, parsers.SkippedRecord{Line: lineNum, Error: err.Error()})
			continue
		}
		event := p.mapRecord(rec, sourceName, lineNum)
		stats.RecordsParsed++
		if err := emit(event); err != nil {
			return stats, err
		}
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("%w: %v", parsers.ErrMalformedSource, err)
	}
	return stats, nil
}

func (p *SuricataEVEParser) mapRecord(rec map[string]any, sourceName string, lineNum int) *ecs.NormalizedEvent {
	eventType, _ := rec["event_type"].(string)
	ts := suricataTimestamp(rec)

	event := ecs.NewEvent("suricata:"+eventType, ts)
	event.SourceFile = sourceName
	event.SourceLine = lineNum
	event.Raw = rec
	event.EventAction = eventType

	if v, ok := rec["src_ip"].(string); ok {
		event.SourceIP = v
	}
	if v, ok := rec["dest_ip"].(string); ok {
		event.DestinationIP = v
	}
	if v, ok := rec["src_port"]; ok {
		event.SourcePort = toInt(v)
	}
	if v, ok := rec["dest_port"]; ok {
		event.DestinationPort = toInt(v)
	}
	if v, ok := rec["proto"].(string); ok {
		event.NetworkProtocol = strings.ToLower(v)
	}

	switch eventType {
	case "alert":
		event.EventKind = ecs.KindAlert
		event.EventCategory = []string{"intrusion_detection"}
		if alert, ok := rec["alert"].(map[string]any); ok {
			if sig, ok := alert["signature"].(string); ok {
				event.Message = sig
			}
			if sid, ok := alert["signature_id"]; ok {
				event.SetLabel("signature_id", fmt.Sprint(sid))
			}
			if sev, ok := alert["severity"]; ok {
				event.EventSeverity = suricataSeverityToECS(toInt(sev))
			}
			if cat, ok := alert["category"].(string); ok {
				event.SetLabel("category", cat)
			}
		}
	case "flow":
		event.EventKind = ecs.KindEvent
		event.EventCategory = []string{"network"}
		event.EventType = []string{"connection"}
	case "http":
		event.EventKind = ecs.KindEvent
		event.EventCategory = []string{"web"}
		if http, ok := rec["http"].(map[string]any); ok {
			if host, ok := http["hostname"].(string); ok {
				event.URLDomain = host
			}
			if uri, ok := http["url"].(string); ok {
				event.URLPath = uri
			}
		}
	case "dns":
		event.EventKind = ecs.KindEvent
		event.EventCategory = []string{"network"}
		event.EventAction = "dns"
	case "tls":
		event.EventKind = ecs.KindEvent
		event.EventCategory = []string{"network"}
	case "fileinfo":
		event.EventKind = ecs.KindEvent
		event.EventCategory = []string{"file"}
		if fi, ok := rec["fileinfo"].(map[string]any); ok {
			if name, ok := fi["filename"].(string); ok {
				event.FileName = name
			}
		}
	case "anomaly":
		event.EventKind = ecs.KindAlert
		event.EventCategory = []string{"intrusion_detection"}
	default:
		event.EventKind = ecs.KindEvent
		event.EventCategory = []string{"network"}
	}
	return event
}

func suricataTimestamp(rec map[string]any) time.Time {
	if v, ok := rec["timestamp"].(string); ok {
		for _, layout := range []string{"2006-01-02T15:04:05.999999-0700", time.RFC3339Nano, time.RFC3339} {
			if ts, err := time.Parse(layout, v); err == nil {
				return ts.UTC()
			}
		}
	}
	return time.Now().UTC()
}

func suricataSeverityToECS(sev int) int {
	switch sev {
	case 1:
		return 80
	case 2:
		return 50
	case 3:
		return 20
	default:
		return 40
	}
}

// SuricataFastLogParser parses Suricata's legacy fast.log text format:
// "MM/DD/YYYY-HH:MM:SS.ffffff  [**] [gid:sid:rev] signature [**] [Classification: x] [Priority: n] {proto} src:sport -> dst:dport"
type SuricataFastLogParser struct {
	log *slog.Logger
}

func NewSuricataFastLogParser(logger *slog.Logger) *SuricataFastLogParser {
	if logger == nil {
		logger = slog.Default()
	}
	return &SuricataFastLogParser{log: logger.With("component", "parsers.suricata_fastlog")}
}

func (p *SuricataFastLogParser) Name() string              { return "suricata_fastlog" }
func (p *SuricataFastLogParser) Category() parsers.Category { return parsers.CategoryNetwork }
func (p *SuricataFastLogParser) SupportedExtensions() []string {
	return []string{".log", ".fast"}
}
func (p *SuricataFastLogParser) SupportedMimeTypes() []string { return []string{"text/plain"} }

func (p *SuricataFastLogParser) CanParse(filename string, firstBytes []byte) bool {
	return strings.Contains(string(firstBytes), "[**]")
}

var fastLogPattern = mustFastLogRegexp()

func (p *SuricataFastLogParser) Parse(source io.Reader, sourceName string, emit func(*ecs.NormalizedEvent) error) (*parsers.Stats, error) {
	stats := &parsers.Stats{}
	scanner := bufio.NewScanner(source)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		m := fastLogPattern.FindStringSubmatch(line)
		if m == nil {
			stats.RecordsSkipped++
			stats.SkippedDetail = append(stats.SkippedDetail, parsers.SkippedRecord{Line: lineNum, Error: "fast.log pattern mismatch"})
			continue
		}
		ts, _ := time.Parse("01/02/2006-15:04:05.999999", m[1])
		event := ecs.NewEvent("suricata:fastlog", ts.UTC())
		event.SourceFile = sourceName
		event.SourceLine = lineNum
		event.EventKind = ecs.KindAlert
		event.EventCategory = []string{"intrusion_detection"}
		event.Message = m[5]
		event.SetLabel("gid", m[2])
		event.SetLabel("sid", m[3])
		event.SetLabel("rev", m[4])
		event.NetworkProtocol = strings.ToLower(m[6])
		event.SourceIP = m[7]
		if port, err := strconv.Atoi(m[8]); err == nil {
			event.SourcePort = port
		}
		event.DestinationIP = m[9]
		if port, err := strconv.Atoi(m[10]); err == nil {
			event.DestinationPort = port
		}
		stats.RecordsParsed++
		if err := emit(event); err != nil {
			return stats, err
		}
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("%w: %v", parsers.ErrMalformedSource, err)
	}
	return stats, nil
}
