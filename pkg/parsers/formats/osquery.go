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

// OsqueryParser parses osquery JSON records in their three shapes:
// differential ({added,removed}), snapshot ([]), and single-row (columns{}).
type OsqueryParser struct {
	log *slog.Logger
}

func NewOsqueryParser(logger *slog.Logger) *OsqueryParser {
	if logger == nil {
		logger = slog.Default()
	}
	return &OsqueryParser{log: logger.With("component", "parsers.osquery")}
}

func (p *OsqueryParser) Name() string              { return "osquery" }
func (p *OsqueryParser) Category() parsers.Category { return parsers.CategoryEDR }
func (p *OsqueryParser) SupportedExtensions() []string {
	return []string{".json", ".log"}
}
func (p *OsqueryParser) SupportedMimeTypes() []string { return []string{"application/json"} }

func (p *OsqueryParser) CanParse(filename string, firstBytes []byte) bool {
	line := firstLine(firstBytes)
	if line == "" {
		return false
	}
	var probe map[string]any
	if err := json.Unmarshal([]byte(line), &probe); err != nil {
		return false
	}
	_, hasName := probe["name"]
	_, hasColumns := probe["columns"]
	_, hasDiffResults := probe["diffResults"]
	_, hasSnapshot := probe["snapshot"]
	return hasName && (hasColumns || hasDiffResults || hasSnapshot)
}

var osqueryCategoryByQuery = map[string][]string{
	"processes":       {"process"},
	"listening_ports": {"network"},
	"users":           {"authentication"},
	"logged_in_users": {"authentication"},
	"file_events":     {"file"},
	"socket_events":   {"network"},
}

func (p *OsqueryParser) Parse(source io.Reader, sourceName string, emit func(*ecs.NormalizedEvent) error) (*parsers.Stats, error) {
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
		queryName, _ := rec["name"].(string)
		ts := osqueryTimestamp(rec)

		rows, removed := osqueryRows(rec)
		for i, row := range rows {
			event := p.mapRow(row, queryName, removed[i], sourceName, lineNum)
			event.Timestamp = ts
			stats.RecordsParsed++
			if err := emit(event); err != nil {
				return stats, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("%w: %v", parsers.ErrMalformedSource, err)
	}
	return stats, nil
}

// osqueryRows normalizes the three osquery record shapes into a flat list
// of column maps, alongside a parallel "removed" flag for differential
// results.
func osqueryRows(rec map[string]any) ([]map[string]any, []bool) {
	var rows []map[string]any
	var removed []bool

	if diff, ok := rec["diffResults"].(map[string]any); ok {
		for _, row := range asRowSlice(diff["added"]) {
			rows = append(rows, row)
			removed = append(removed, false)
		}
		for _, row := range asRowSlice(diff["removed"]) {
			rows = append(rows, row)
			removed = append(removed, true)
		}
		return rows, removed
	}
	if snap, ok := rec["snapshot"]; ok {
		for _, row := range asRowSlice(snap) {
			rows = append(rows, row)
			removed = append(removed, false)
		}
		return rows, removed
	}
	if cols, ok := rec["columns"].(map[string]any); ok {
		rows = append(rows, cols)
		removed = append(removed, rec["action"] == "removed")
	}
	return rows, removed
}

func asRowSlice(v any) []map[string]any {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(arr))
	for _, item := range arr {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func (p *OsqueryParser) mapRow(row map[string]any, queryName string, removed bool, sourceName string, lineNum int) *ecs.NormalizedEvent {
	event := ecs.NewEvent("osquery:"+queryName, time.Now().UTC())
	event.SourceFile = sourceName
	event.SourceLine = lineNum
	event.Raw = row
	event.EventAction = queryName

	if v, ok := row["path"].(string); ok {
		event.FilePath = v
	}
	if v, ok := row["name"].(string); ok {
		event.ProcessName = v
	}
	if v, ok := row["pid"]; ok {
		event.ProcessPID = toInt(v)
	}
	if v, ok := row["parent"]; ok {
		event.ProcessPPID = toInt(v)
	}
	if v, ok := row["cmdline"].(string); ok {
		event.ProcessCommandLine = v
	}
	if v, ok := row["username"].(string); ok {
		event.UserName = v
	}
	if v, ok := row["user"].(string); ok {
		event.UserName = v
	}
	if v, ok := row["address"].(string); ok {
		event.SourceIP = v
	}
	if v, ok := row["port"]; ok {
		event.SourcePort = toInt(v)
	}
	if v, ok := row["sha256"].(string); ok {
		event.FileHashSHA256 = v
	}

	if removed {
		event.EventType = []string{"deletion"}
	} else {
		event.EventType = []string{"creation"}
	}
	if cat, ok := osqueryCategoryByQuery[queryName]; ok {
		event.EventCategory = cat
	} else {
		event.EventCategory = []string{"host"}
	}
	return event
}

func osqueryTimestamp(rec map[string]any) time.Time {
	if v, ok := rec["unixTime"]; ok {
		switch t := v.(type) {
		case float64:
			return time.Unix(int64(t), 0).UTC()
		case string:
			if n, err := strconv.ParseInt(t, 10, 64); err == nil {
				return time.Unix(n, 0).UTC()
			}
		}
	}
	return time.Now().UTC()
}
