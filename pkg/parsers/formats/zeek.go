package formats

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/Project-Eleanor/Eleanor-sub000/pkg/ecs"
	"github.com/Project-Eleanor/Eleanor-sub000/pkg/parsers"
)

// ZeekParser parses Zeek (Bro) TSV logs: conn, dns, http, ssl, files,
// notice, and similar `#fields`/`#types` delimited logs.
type ZeekParser struct {
	log *slog.Logger
}

func NewZeekParser(logger *slog.Logger) *ZeekParser {
	if logger == nil {
		logger = slog.Default()
	}
	return &ZeekParser{log: logger.With("component", "parsers.zeek")}
}

func (p *ZeekParser) Name() string              { return "zeek" }
func (p *ZeekParser) Category() parsers.Category { return parsers.CategoryNetwork }
func (p *ZeekParser) SupportedExtensions() []string {
	return []string{".log"}
}
func (p *ZeekParser) SupportedMimeTypes() []string { return []string{"text/tab-separated-values"} }

func (p *ZeekParser) CanParse(filename string, firstBytes []byte) bool {
	return strings.Contains(string(firstBytes), "#separator") && strings.Contains(string(firstBytes), "#fields")
}

var zeekCategoryByPath = map[string][]string{
	"conn":   {"network"},
	"dns":    {"network"},
	"http":   {"web"},
	"ssl":    {"network"},
	"files":  {"file"},
	"notice": {"intrusion_detection"},
	"ssh":    {"authentication"},
}

func (p *ZeekParser) Parse(source io.Reader, sourceName string, emit func(*ecs.NormalizedEvent) error) (*parsers.Stats, error) {
	stats := &parsers.Stats{}
	scanner := bufio.NewScanner(source)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	separator := "\t"
	var fields []string
	logPath := "zeek"

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if strings.HasPrefix(line, "#separator") {
			parts := strings.SplitN(line, " ", 2)
			if len(parts) == 2 {
				separator = decodeZeekSeparator(parts[1])
			}
			continue
		}
		if strings.HasPrefix(line, "#path") {
			parts := strings.Split(line, separator)
			if len(parts) >= 2 {
				logPath = parts[1]
			}
			continue
		}
		if strings.HasPrefix(line, "#fields") {
			parts := strings.Split(line, separator)
			fields = parts[1:]
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		if line == "" || fields == nil {
			continue
		}
		values := strings.Split(line, separator)
		if len(values) != len(fields) {
			stats.RecordsSkipped++
			stats.SkippedDetail = append(stats.SkippedDetail, parsers.SkippedRecord{Line: lineNum, Error: "field count mismatch"})
			continue
		}
		row := map[string]string{}
		for i, f := range fields {
			v := values[i]
			if v == "-" || v == "(empty)" {
				continue
			}
			row[f] = v
		}
		event := p.mapRow(row, logPath, sourceName, lineNum)
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

func decodeZeekSeparator(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, `\x`) {
		if n, err := strconv.ParseInt(strings.TrimPrefix(s, `\x`), 16, 32); err == nil {
			return string(rune(n))
		}
	}
	return s
}

func (p *ZeekParser) mapRow(row map[string]string, logPath, sourceName string, lineNum int) *ecs.NormalizedEvent {
	ts := zeekTimestamp(row["ts"])
	event := ecs.NewEvent("zeek:"+logPath, ts)
	event.SourceFile = sourceName
	event.SourceLine = lineNum
	event.Raw = row
	event.EventAction = logPath

	if v, ok := row["id.orig_h"]; ok {
		event.SourceIP = v
	}
	if v, ok := row["id.orig_p"]; ok {
		event.SourcePort = atoiSafe(v)
	}
	if v, ok := row["id.resp_h"]; ok {
		event.DestinationIP = v
	}
	if v, ok := row["id.resp_p"]; ok {
		event.DestinationPort = atoiSafe(v)
	}
	if v, ok := row["proto"]; ok {
		event.NetworkProtocol = strings.ToLower(v)
	}
	if v, ok := row["conn_state"]; ok {
		event.EventOutcome = zeekConnStateOutcome(v)
	}
	if localOrig, ok := row["local_orig"]; ok {
		if localOrig == "T" {
			event.NetworkDirection = "outbound"
		} else {
			event.NetworkDirection = "inbound"
		}
	}
	if v, ok := row["query"]; ok {
		event.Message = v
	}
	if v, ok := row["host"]; ok {
		event.URLDomain = v
	}
	if v, ok := row["uri"]; ok {
		event.URLPath = v
	}
	if v, ok := row["fuid"]; ok {
		event.SetLabel("file_uid", v)
	}
	if v, ok := row["note"]; ok {
		event.Message = v
		event.EventKind = ecs.KindAlert
	}

	if cat, ok := zeekCategoryByPath[logPath]; ok {
		event.EventCategory = cat
	} else {
		event.EventCategory = []string{"network"}
	}
	event.EventType = []string{"connection"}
	return event
}

func zeekConnStateOutcome(state string) string {
	switch state {
	case "S0", "REJ", "RSTO", "RSTR", "RSTOS0", "RSTRH":
		return "failure"
	case "SF", "S1", "S2", "S3":
		return "success"
	default:
		return "unknown"
	}
}

func zeekTimestamp(v string) time.Time {
	if v == "" {
		return time.Now().UTC()
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return time.Now().UTC()
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

func atoiSafe(v string) int {
	n, _ := strconv.Atoi(v)
	return n
}
