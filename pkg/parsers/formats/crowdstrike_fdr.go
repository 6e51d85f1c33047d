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

// CrowdStrikeFDRParser parses CrowdStrike Falcon Data Replicator JSON/JSONL
// event streams.
type CrowdStrikeFDRParser struct {
	log *slog.Logger
}

func NewCrowdStrikeFDRParser(logger *slog.Logger) *CrowdStrikeFDRParser {
	if logger == nil {
		logger = slog.Default()
	}
	return &CrowdStrikeFDRParser{log: logger.With("component", "parsers.crowdstrike_fdr")}
}

func (p *CrowdStrikeFDRParser) Name() string              { return "crowdstrike_fdr" }
func (p *CrowdStrikeFDRParser) Category() parsers.Category { return parsers.CategoryEDR }
func (p *CrowdStrikeFDRParser) SupportedExtensions() []string {
	return []string{".json", ".jsonl", ".ndjson"}
}
func (p *CrowdStrikeFDRParser) SupportedMimeTypes() []string {
	return []string{"application/json", "application/x-ndjson"}
}

func (p *CrowdStrikeFDRParser) CanParse(filename string, firstBytes []byte) bool {
	line := firstLine(firstBytes)
	if line == "" {
		return false
	}
	var probe map[string]any
	if err := json.Unmarshal([]byte(line), &probe); err != nil {
		return false
	}
	_, hasSimple := probe["event_simpleName"]
	_, hasName := probe["name"]
	return hasSimple || hasName
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func (p *CrowdStrikeFDRParser) Parse(source io.Reader, sourceName string, emit func(*ecs.NormalizedEvent) error) (*parsers.Stats, error) {
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
			p.log.Debug("skipping malformed FDR record", "line", lineNum, "error", err)
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

func (p *CrowdStrikeFDRParser) mapRecord(rec map[string]any, sourceName string, lineNum int) *ecs.NormalizedEvent {
	eventName := strOr(rec["event_simpleName"], strOr(rec["name"], "unknown"))
	ts := parseFDRTimestamp(rec)

	event := ecs.NewEvent("crowdstrike_fdr", ts)
	event.SourceFile = sourceName
	event.SourceLine = lineNum
	event.EventAction = eventName
	event.Raw = rec

	if v, ok := rec["ComputerName"].(string); ok {
		event.HostName = v
	}
	if v, ok := rec["aid"].(string); ok {
		event.HostID = v
	}
	if v, ok := rec["UserName"].(string); ok {
		event.UserName = v
	}
	if v, ok := rec["FileName"].(string); ok {
		event.FileName = v
	}
	if v, ok := rec["FilePath"].(string); ok {
		event.FilePath = v
	}
	if v, ok := rec["SHA256HashData"].(string); ok {
		event.FileHashSHA256 = v
	}
	if v, ok := rec["MD5HashData"].(string); ok {
		event.FileHashMD5 = v
	}
	if v, ok := rec["CommandLine"].(string); ok {
		event.ProcessCommandLine = v
	}
	if v, ok := rec["ImageFileName"].(string); ok {
		event.ProcessExecutable = v
	}
	if v, ok := rec["ProcessId"]; ok {
		event.ProcessPID = toInt(v)
	}
	if v, ok := rec["ParentProcessId"]; ok {
		event.ProcessPPID = toInt(v)
	}
	if v, ok := rec["LocalAddressIP4"].(string); ok {
		event.SourceIP = v
	}
	if v, ok := rec["RemoteAddressIP4"].(string); ok {
		event.DestinationIP = v
	}
	if v, ok := rec["RemotePort"]; ok {
		event.DestinationPort = toInt(v)
	}
	if v, ok := rec["RegistryKeyName"].(string); ok {
		event.SetLabel("registry_key", v)
	}

	event.EventSeverity = fdrSeverity(rec, eventName)
	event.EventCategory, event.EventType, event.EventKind = fdrCategorize(eventName)
	return event
}

func strOr(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

func toInt(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case string:
		n, _ := strconv.Atoi(t)
		return n
	}
	return 0
}

func parseFDRTimestamp(rec map[string]any) time.Time {
	for _, field := range []string{"timestamp", "ContextTimeStamp", "ProcessStartTime", "UtcTime"} {
		raw, ok := rec[field]
		if !ok {
			continue
		}
		if ts, ok := coerceFDRTime(raw); ok {
			return ts
		}
	}
	return time.Now().UTC()
}

func coerceFDRTime(raw any) (time.Time, bool) {
	switch v := raw.(type) {
	case float64:
		return epochToTime(v), true
	case string:
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return epochToTime(n), true
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
			if ts, err := time.Parse(layout, v); err == nil {
				return ts.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

func epochToTime(n float64) time.Time {
	switch {
	case n > 1e12:
		return time.UnixMilli(int64(n)).UTC()
	case n > 1e9:
		return time.Unix(int64(n), 0).UTC()
	}
	return time.Unix(int64(n), 0).UTC()
}

func fdrSeverity(rec map[string]any, eventName string) int {
	if raw, ok := rec["Severity"]; ok {
		n := toInt(raw)
		switch {
		case n <= 1:
			return 20
		case n == 2:
			return 40
		case n == 3:
			return 60
		default:
			return 80
		}
	}
	lower := strings.ToLower(eventName)
	if containsAny(lower, "detection", "malware", "threat") {
		return 80
	}
	return 20
}

func fdrCategorize(eventName string) ([]string, []string, ecs.Kind) {
	lower := strings.ToLower(eventName)
	switch {
	case containsAny(lower, "processrollup", "process"):
		return []string{"process"}, []string{"start"}, ecs.KindEvent
	case containsAny(lower, "networkconnect", "dns"):
		return []string{"network"}, []string{"connection"}, ecs.KindEvent
	case containsAny(lower, "file"):
		return []string{"file"}, []string{"access"}, ecs.KindEvent
	case containsAny(lower, "registry"):
		return []string{"registry"}, []string{"change"}, ecs.KindEvent
	case containsAny(lower, "detection", "malware", "threat"):
		return []string{"malware"}, []string{"info"}, ecs.KindAlert
	default:
		return []string{"host"}, []string{"info"}, ecs.KindEvent
	}
}
