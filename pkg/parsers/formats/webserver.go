package formats

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Project-Eleanor/Eleanor-sub000/pkg/ecs"
	"github.com/Project-Eleanor/Eleanor-sub000/pkg/parsers"
)

// combinedLogPattern matches the Apache/Nginx "combined" access log format:
// host ident authuser [date] "request" status bytes "referer" "agent"
var combinedLogPattern = regexp.MustCompile(
	`^(\S+) (\S+) (\S+) \[([^\]]+)\] "([^"]*)" (\d{3}) (\S+)(?: "([^"]*)" "([^"]*)")?`,
)

// AccessLogParser parses Apache/Nginx combined access logs and IIS W3C
// extended logs.
type AccessLogParser struct {
	log *slog.Logger
}

func NewAccessLogParser(logger *slog.Logger) *AccessLogParser {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccessLogParser{log: logger.With("component", "parsers.access_log")}
}

func (p *AccessLogParser) Name() string              { return "access_log" }
func (p *AccessLogParser) Category() parsers.Category { return parsers.CategoryWebserver }
func (p *AccessLogParser) SupportedExtensions() []string {
	return []string{".log", ".access"}
}
func (p *AccessLogParser) SupportedMimeTypes() []string { return []string{"text/plain"} }

func (p *AccessLogParser) CanParse(filename string, firstBytes []byte) bool {
	text := string(firstBytes)
	if strings.HasPrefix(strings.TrimSpace(text), "#Fields:") {
		return true
	}
	for _, line := range strings.SplitN(text, "\n", 6) {
		if combinedLogPattern.MatchString(line) {
			return true
		}
	}
	return false
}

func (p *AccessLogParser) Parse(source io.Reader, sourceName string, emit func(*ecs.NormalizedEvent) error) (*parsers.Stats, error) {
	stats := &parsers.Stats{}
	scanner := bufio.NewScanner(source)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var iisFields []string
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#Fields:") {
			iisFields = strings.Fields(strings.TrimPrefix(line, "#Fields:"))
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}

		var event *ecs.NormalizedEvent
		if iisFields != nil {
			event = p.parseIISLine(line, iisFields, sourceName, lineNum)
		} else {
			event = p.parseCombinedLine(line, sourceName, lineNum)
		}
		if event == nil {
			stats.RecordsSkipped++
			stats.SkippedDetail = append(stats.SkippedDetail, parsers.SkippedRecord{Line: lineNum, Error: "line does not match access log format"})
			continue
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

func (p *AccessLogParser) parseCombinedLine(line, sourceName string, lineNum int) *ecs.NormalizedEvent {
	m := combinedLogPattern.FindStringSubmatch(line)
	if m == nil {
		return nil
	}
	ts, _ := time.Parse("02/Jan/2006:15:04:05 -0700", m[4])
	status, _ := strconv.Atoi(m[6])
	bytesOut, _ := strconv.Atoi(m[7])

	event := ecs.NewEvent("access_log:combined", ts.UTC())
	event.SourceFile = sourceName
	event.SourceLine = lineNum
	event.SourceIP = m[1]
	event.UserName = noneDash(m[3])
	event.Message = m[5]
	event.EventCategory = []string{"web"}
	event.EventType = []string{"access"}
	event.SetLabel("status", strconv.Itoa(status))
	event.SetLabel("bytes", strconv.Itoa(bytesOut))
	if status >= 500 {
		event.EventOutcome = "failure"
	} else if status >= 400 {
		event.EventOutcome = "failure"
	} else {
		event.EventOutcome = "success"
	}

	reqParts := strings.SplitN(m[5], " ", 3)
	if len(reqParts) >= 2 {
		event.SetLabel("http_method", reqParts[0])
		event.URLPath = reqParts[1]
	}
	event.Raw = line
	return event
}

func (p *AccessLogParser) parseIISLine(line string, fields []string, sourceName string, lineNum int) *ecs.NormalizedEvent {
	values := strings.Fields(line)
	if len(values) != len(fields) {
		return nil
	}
	row := map[string]string{}
	for i, f := range fields {
		row[f] = values[i]
	}
	event := ecs.NewEvent("access_log:iis", time.Now().UTC())
	event.SourceFile = sourceName
	event.SourceLine = lineNum
	event.Raw = row
	event.EventCategory = []string{"web"}
	event.EventType = []string{"access"}

	if d, ok := row["date"]; ok {
		if t, ok := row["time"]; ok {
			if ts, err := time.Parse("2006-01-02 15:04:05", d+" "+t); err == nil {
				event.Timestamp = ts.UTC()
			}
		}
	}
	if v, ok := row["c-ip"]; ok {
		event.SourceIP = v
	}
	if v, ok := row["cs-uri-stem"]; ok {
		event.URLPath = v
	}
	if v, ok := row["cs-method"]; ok {
		event.SetLabel("http_method", v)
	}
	if v, ok := row["sc-status"]; ok {
		event.SetLabel("status", v)
		n, _ := strconv.Atoi(v)
		if n >= 400 {
			event.EventOutcome = "failure"
		} else {
			event.EventOutcome = "success"
		}
	}
	if v, ok := row["cs-username"]; ok {
		event.UserName = noneDash(v)
	}
	return event
}

func noneDash(v string) string {
	if v == "-" {
		return ""
	}
	return v
}
