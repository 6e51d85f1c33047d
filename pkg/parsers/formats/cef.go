// Package formats holds the representative parser implementations.
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

var (
	cefHeaderPattern    = regexp.MustCompile(`^CEF:(\d+)\|([^|]*)\|([^|]*)\|([^|]*)\|([^|]*)\|([^|]*)\|([^|]*)\|(.*)$`)
	cefExtensionPattern = regexp.MustCompile(`(\w+)=((?:[^\\= ]|\\.)*)`)
	syslogTimePattern   = regexp.MustCompile(`(\w{3}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2})`)
)

var cefSeverityMap = map[string]int{
	"0": 0, "unknown": 0,
	"1": 10, "low": 10,
	"2": 20,
	"3": 30, "medium": 30,
	"4": 40,
	"5": 50,
	"6": 60, "high": 60,
	"7": 70,
	"8": 80, "very-high": 80,
	"9":  90,
	"10": 100, "critical": 100,
}

var cefTimestampLayouts = []string{
	"Jan 2 2006 15:04:05",
	"Jan 2 15:04:05 2006",
	"2006-01-02T15:04:05.999999999Z",
	"2006-01-02T15:04:05Z",
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05",
}

// CEFParser parses ArcSight Common Event Format logs.
type CEFParser struct {
	log *slog.Logger
}

// NewCEFParser constructs a CEF parser.
func NewCEFParser(logger *slog.Logger) *CEFParser {
	if logger == nil {
		logger = slog.Default()
	}
	return &CEFParser{log: logger.With("component", "parsers.cef")}
}

func (p *CEFParser) Name() string                      { return "cef" }
func (p *CEFParser) Category() parsers.Category         { return parsers.CategoryLogs }
func (p *CEFParser) SupportedExtensions() []string       { return []string{".cef", ".log", ".txt"} }
func (p *CEFParser) SupportedMimeTypes() []string        { return []string{"text/plain", "application/octet-stream"} }

// CanParse sniffs the first lines of content for a CEF header.
func (p *CEFParser) CanParse(filename string, firstBytes []byte) bool {
	text := string(firstBytes)
	if strings.Contains(text, "CEF:") && strings.Contains(text, "|") {
		lines := strings.SplitN(text, "\n", 11)
		for i, line := range lines {
			if i >= 10 {
				break
			}
			trimmed := strings.TrimSpace(line)
			if strings.HasPrefix(trimmed, "CEF:") || strings.Contains(trimmed, "CEF:") {
				return true
			}
		}
	}
	if strings.HasSuffix(strings.ToLower(filename), ".cef") {
		return true
	}
	return false
}

// Parse streams CEF lines, yielding one NormalizedEvent per line. It never
// returns an error for a bad individual line — those are logged and
// skipped; it returns an error wrapping ErrMalformedSource only if the
// reader itself fails.
func (p *CEFParser) Parse(source io.Reader, sourceName string, emit func(*ecs.NormalizedEvent) error) (*parsers.Stats, error) {
	stats := &parsers.Stats{}
	scanner := bufio.NewScanner(source)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		idx := strings.Index(line, "CEF:")
		if idx == -1 {
			continue
		}
		syslogPrefix := ""
		if idx > 0 {
			syslogPrefix = strings.TrimSpace(line[:idx])
		}
		cefLine := line[idx:]

		event, err := p.parseLine(cefLine, sourceName, lineNum, syslogPrefix)
		if err != nil {
			stats.RecordsSkipped++
			stats.SkippedDetail = append(stats.SkippedDetail, parsers.SkippedRecord{Line: lineNum, Error: err.Error()})
			p.log.Debug("skipping malformed CEF line", "line", lineNum, "error", err)
			continue
		}
		if event == nil {
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

func (p *CEFParser) parseLine(line, sourceName string, lineNum int, syslogPrefix string) (*ecs.NormalizedEvent, error) {
	m := cefHeaderPattern.FindStringSubmatch(line)
	if m == nil {
		return nil, fmt.Errorf("%w: line does not match CEF header", parsers.ErrMalformedRecord)
	}
	version, deviceVendor, deviceProduct, deviceVersion, sigID, name, severity, extension :=
		m[1], unescapeField(m[2]), unescapeField(m[3]), unescapeField(m[4]), unescapeField(m[5]), unescapeField(m[6]), m[7], m[8]

	ext := parseExtension(extension)
	ts := extractTimestamp(ext, syslogPrefix)
	sevNum := mapSeverity(severity)

	event := ecs.NewEvent("cef", ts)
	event.SourceFile = sourceName
	event.SourceLine = lineNum
	event.EventKind = ecs.KindEvent
	event.EventSeverity = sevNum
	event.Message = name
	if sigID != "" {
		event.EventAction = sigID + ":" + name
	} else {
		event.EventAction = name
	}

	mapToECS(event, ext)

	event.SetLabel("cef_version", version)
	event.SetLabel("device_vendor", deviceVendor)
	event.SetLabel("device_product", deviceProduct)
	event.SetLabel("device_version", deviceVersion)
	event.SetLabel("signature_id", sigID)

	event.Raw = map[string]any{
		"cef_header": map[string]any{
			"version":        version,
			"device_vendor":  deviceVendor,
			"device_product": deviceProduct,
			"device_version": deviceVersion,
			"signature_id":   sigID,
			"name":           name,
			"severity":       severity,
		},
		"extension": ext,
	}

	categorizeEvent(event, ext, deviceProduct, name)
	return event, nil
}

func unescapeField(v string) string {
	v = strings.ReplaceAll(v, `\|`, "|")
	v = strings.ReplaceAll(v, `\\`, `\`)
	return v
}

func unescapeValue(v string) string {
	v = strings.ReplaceAll(v, `\=`, "=")
	v = strings.ReplaceAll(v, `\n`, "\n")
	v = strings.ReplaceAll(v, `\r`, "\r")
	v = strings.ReplaceAll(v, `\\`, `\`)
	return v
}

// parseExtension parses CEF extension text into key/value pairs. Values may
// contain spaces; a value ends where the next unescaped "key=" begins.
func parseExtension(extension string) map[string]string {
	fields := map[string]string{}
	if extension == "" {
		return fields
	}

	matches := cefExtensionPattern.FindAllStringSubmatchIndex(extension, -1)
	if matches == nil {
		return fields
	}

	var currentKey string
	var currentParts []string
	currentPos := 0
	haveKey := false

	flush := func(betweenEnd int) {
		if haveKey {
			between := strings.TrimSpace(extension[currentPos:betweenEnd])
			if between != "" {
				currentParts = append(currentParts, between)
			}
			fields[currentKey] = strings.TrimSpace(strings.Join(currentParts, " "))
		}
	}

	for _, idx := range matches {
		start, end := idx[0], idx[1]
		keyStart, keyEnd := idx[2], idx[3]
		valStart, valEnd := idx[4], idx[5]

		flush(start)

		currentKey = extension[keyStart:keyEnd]
		currentParts = []string{extension[valStart:valEnd]}
		currentPos = end
		haveKey = true
	}
	if haveKey {
		remaining := strings.TrimSpace(extension[currentPos:])
		if remaining != "" {
			currentParts = append(currentParts, remaining)
		}
		fields[currentKey] = strings.TrimSpace(strings.Join(currentParts, " "))
	}

	for k, v := range fields {
		fields[k] = unescapeValue(v)
	}
	return fields
}

func extractTimestamp(ext map[string]string, syslogPrefix string) time.Time {
	for _, field := range []string{"rt", "start", "end", "deviceReceiptTime"} {
		if v, ok := ext[field]; ok {
			if ts, ok := parseCEFTimestamp(v); ok {
				return ts
			}
		}
	}
	if syslogPrefix != "" {
		if ts, ok := parseSyslogTimestamp(syslogPrefix); ok {
			return ts
		}
	}
	return time.Now().UTC()
}

func parseCEFTimestamp(value string) (time.Time, bool) {
	for _, layout := range cefTimestampLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC(), true
		}
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		switch {
		case n > 1_000_000_000_000:
			return time.UnixMilli(n).UTC(), true
		case n > 1_000_000_000:
			return time.Unix(n, 0).UTC(), true
		}
	}
	return time.Time{}, false
}

func parseSyslogTimestamp(prefix string) (time.Time, bool) {
	m := syslogTimePattern.FindStringSubmatch(prefix)
	if m == nil {
		return time.Time{}, false
	}
	year := time.Now().Year()
	ts, err := time.Parse("2006 Jan 2 15:04:05", fmt.Sprintf("%d %s", year, m[1]))
	if err != nil {
		return time.Time{}, false
	}
	return ts.UTC(), true
}

func mapSeverity(severity string) int {
	lower := strings.ToLower(strings.TrimSpace(severity))
	if v, ok := cefSeverityMap[lower]; ok {
		return v
	}
	if n, err := strconv.Atoi(severity); err == nil {
		v := n * 10
		if v < 0 {
			v = 0
		}
		if v > 100 {
			v = 100
		}
		return v
	}
	return 0
}

func mapToECS(event *ecs.NormalizedEvent, ext map[string]string) {
	if v, ok := ext["src"]; ok {
		event.SourceIP = v
	}
	if v, ok := ext["spt"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			event.SourcePort = n
		}
	}
	if v, ok := ext["dst"]; ok {
		event.DestinationIP = v
	}
	if v, ok := ext["dpt"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			event.DestinationPort = n
		}
	}

	if v, ok := ext["suser"]; ok {
		event.UserName = v
	} else if v, ok := ext["duser"]; ok {
		event.UserName = v
	}

	if v, ok := ext["sntdom"]; ok {
		event.UserDomain = v
	} else if v, ok := ext["dntdom"]; ok {
		event.UserDomain = v
	}

	if v, ok := ext["shost"]; ok {
		event.HostName = v
	} else if v, ok := ext["dhost"]; ok {
		event.HostName = v
	} else if v, ok := ext["dvchost"]; ok {
		event.HostName = v
	}

	if v, ok := ext["sproc"]; ok {
		event.ProcessName = v
	} else if v, ok := ext["dproc"]; ok {
		event.ProcessName = v
	}

	if v, ok := ext["fname"]; ok {
		event.FileName = v
	}
	if v, ok := ext["filePath"]; ok {
		event.FilePath = v
	}
	if v, ok := ext["fileHash"]; ok {
		switch len(v) {
		case 32:
			event.FileHashMD5 = v
		case 40:
			event.FileHashSHA1 = v
		case 64:
			event.FileHashSHA256 = v
		}
	}

	if v, ok := ext["request"]; ok {
		event.URLFull = v
	}

	if v, ok := ext["proto"]; ok {
		event.NetworkProtocol = strings.ToLower(v)
	}

	if v, ok := ext["msg"]; ok && v != "" {
		event.Message = v
	}

	if v, ok := ext["outcome"]; ok {
		outcome := strings.ToLower(v)
		switch outcome {
		case "success", "allow", "permit":
			event.EventOutcome = "success"
		case "failure", "deny", "block", "fail":
			event.EventOutcome = "failure"
		default:
			event.EventOutcome = outcome
		}
	}
}

func containsAny(s string, keywords ...string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func categorizeEvent(event *ecs.NormalizedEvent, ext map[string]string, deviceProduct, name string) {
	productLower := strings.ToLower(deviceProduct)
	nameLower := strings.ToLower(name)
	cat := strings.ToLower(ext["cat"])

	switch {
	case containsAny(productLower, "firewall", "ids", "ips", "router", "switch"):
		event.EventCategory = []string{"network"}
		switch {
		case containsAny(nameLower, "block", "deny", "drop"):
			event.EventType = []string{"denied"}
		case containsAny(nameLower, "allow", "permit", "accept"):
			event.EventType = []string{"allowed"}
		default:
			event.EventType = []string{"connection"}
		}
	case containsAny(productLower, "ids", "ips", "detection", "snort", "suricata"):
		event.EventCategory = []string{"intrusion_detection"}
		event.EventType = []string{"info"}
		event.EventKind = ecs.KindAlert
	case containsAny(nameLower, "login", "logon", "logoff", "logout", "auth"):
		event.EventCategory = []string{"authentication"}
		switch {
		case containsAny(nameLower, "success", "succeeded"):
			event.EventType = []string{"start"}
			event.EventOutcome = "success"
		case containsAny(nameLower, "fail", "failed", "invalid"):
			event.EventType = []string{"start"}
			event.EventOutcome = "failure"
		case containsAny(nameLower, "logout", "logoff"):
			event.EventType = []string{"end"}
		default:
			event.EventType = []string{"info"}
		}
	case containsAny(nameLower, "file", "write", "read", "delete", "create", "modify"):
		event.EventCategory = []string{"file"}
		switch {
		case strings.Contains(nameLower, "create"):
			event.EventType = []string{"creation"}
		case strings.Contains(nameLower, "delete"):
			event.EventType = []string{"deletion"}
		case strings.Contains(nameLower, "modify") || strings.Contains(nameLower, "change"):
			event.EventType = []string{"change"}
		default:
			event.EventType = []string{"access"}
		}
	case containsAny(cat, "malware", "virus", "threat", "malicious"):
		event.EventCategory = []string{"malware"}
		event.EventKind = ecs.KindAlert
		event.EventType = []string{"info"}
	case containsAny(productLower, "proxy", "waf", "web"):
		event.EventCategory = []string{"web"}
		event.EventType = []string{"access"}
	default:
		if _, hasRequest := ext["request"]; hasRequest {
			event.EventCategory = []string{"web"}
			event.EventType = []string{"access"}
			return
		}
		event.EventCategory = []string{"process"}
		event.EventType = []string{"info"}
	}
}
