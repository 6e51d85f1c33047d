package formats

import (
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Project-Eleanor/Eleanor-sub000/pkg/ecs"
	"github.com/Project-Eleanor/Eleanor-sub000/pkg/parsers"
)

// webkitEpochOffsetMicros is the number of microseconds between the WebKit
// epoch (1601-01-01) and the Unix epoch (1970-01-01), per spec.md's
// timestamp conversion: seconds = (webkit_us - 11644473600e6) / 1e6.
const webkitEpochOffsetMicros = 11644473600000000

// webkitToTime converts a Chrome/WebKit microsecond timestamp to UTC time.
// Zero (unset) converts to the current time rather than the WebKit epoch,
// matching test_browser_chrome_parser.py's webkit_to_datetime(0) expectation.
func webkitToTime(webkitMicros int64) time.Time {
	if webkitMicros == 0 {
		return time.Now().UTC()
	}
	unixMicros := webkitMicros - webkitEpochOffsetMicros
	return time.UnixMicro(unixMicros).UTC()
}

var chromeTransitionTypes = map[int64]string{
	0: "link",
	1: "typed",
	2: "auto_bookmark",
	3: "auto_subframe",
	4: "manual_subframe",
	5: "generated",
	6: "start_page",
	7: "form_submit",
	8: "reload",
	9: "keyword",
	10: "keyword_generated",
}

// transitionCoreMask strips Chrome's qualifier flags (blocked, forward-back,
// from-address-bar, ...), which live above bit 8, leaving the core type.
const transitionCoreMask = 0xFF

func chromeTransitionType(transition int64) string {
	if name, ok := chromeTransitionTypes[transition&transitionCoreMask]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", transition)
}

// BrowserHistoryParser reads Chrome/Chromium/Edge "History" SQLite
// databases, yielding one event per URL visit and one per download.
type BrowserHistoryParser struct {
	log *slog.Logger
}

func NewBrowserHistoryParser(logger *slog.Logger) *BrowserHistoryParser {
	if logger == nil {
		logger = slog.Default()
	}
	return &BrowserHistoryParser{log: logger.With("component", "parsers.browser_history")}
}

func (p *BrowserHistoryParser) Name() string               { return "chrome_history" }
func (p *BrowserHistoryParser) Category() parsers.Category { return parsers.CategoryArtifacts }
func (p *BrowserHistoryParser) SupportedExtensions() []string {
	return []string{".sqlite", ".db"}
}
func (p *BrowserHistoryParser) SupportedMimeTypes() []string {
	return []string{"application/x-sqlite3"}
}

// CanParse requires both the SQLite file magic and a recognized browser
// history filename — SQLite magic alone is too generic a signal, matching
// test_browser_chrome_parser.py's test_can_parse_by_sqlite_magic expectation
// that magic bytes alone return false.
func (p *BrowserHistoryParser) CanParse(filename string, firstBytes []byte) bool {
	if !isSQLiteMagic(firstBytes) {
		return false
	}
	base := baseName(filename)
	return base == "History"
}

func isSQLiteMagic(firstBytes []byte) bool {
	const magic = "SQLite format 3\x00"
	return len(firstBytes) >= len(magic) && string(firstBytes[:len(magic)]) == magic
}

func baseName(path string) string {
	path = strings.TrimRight(path, "/")
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// Parse stages source to a temp file (SQLite requires a real path), opens it
// read-only, and emits one event per row from the urls/visits join and one
// per downloads row.
func (p *BrowserHistoryParser) Parse(source io.Reader, sourceName string, emit func(*ecs.NormalizedEvent) error) (*parsers.Stats, error) {
	stats := &parsers.Stats{}

	path, cleanup, err := stageTempSQLite(source, "eleanor-history-*.sqlite")
	if err != nil {
		return stats, fmt.Errorf("%w: %v", parsers.ErrMalformedSource, err)
	}
	defer cleanup()

	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro&immutable=1")
	if err != nil {
		return stats, fmt.Errorf("%w: open history db: %v", parsers.ErrMalformedSource, err)
	}
	defer db.Close()

	lineNum := 0
	if err := p.parseVisits(db, sourceName, &lineNum, stats, emit); err != nil {
		return stats, err
	}
	if err := p.parseDownloads(db, sourceName, &lineNum, stats, emit); err != nil {
		return stats, err
	}
	return stats, nil
}

func (p *BrowserHistoryParser) parseVisits(db *sql.DB, sourceName string, lineNum *int, stats *parsers.Stats, emit func(*ecs.NormalizedEvent) error) error {
	rows, err := db.Query(`
		SELECT u.url, u.title, u.visit_count, u.typed_count, v.visit_time, v.transition
		FROM visits v JOIN urls u ON u.id = v.url
		ORDER BY v.visit_time ASC
	`)
	if err != nil {
		p.log.Warn("no visits table or query failed", "source", sourceName, "error", err)
		return nil
	}
	defer rows.Close()

	for rows.Next() {
		var rawURL, title string
		var visitCount, typedCount, visitTime, transition int64
		if err := rows.Scan(&rawURL, &title, &visitCount, &typedCount, &visitTime, &transition); err != nil {
			*lineNum++
			stats.RecordsSkipped++
			stats.SkippedDetail = append(stats.SkippedDetail, parsers.SkippedRecord{Line: *lineNum, Error: err.Error()})
			continue
		}
		*lineNum++
		event := ecs.NewEvent("chrome_history", webkitToTime(visitTime))
		event.SourceFile = sourceName
		event.SourceLine = *lineNum
		event.EventAction = "url_visit"
		event.EventCategory = []string{"web"}
		event.URLFull = rawURL
		event.URLDomain = urlDomain(rawURL)
		event.URLPath = urlPath(rawURL)
		event.SetLabel("browser", "chrome")
		event.AddTag("browser_history")
		event.Raw = map[string]any{
			"title":           title,
			"visit_count":     visitCount,
			"typed_count":     typedCount,
			"transition_type": chromeTransitionType(transition),
		}
		stats.RecordsParsed++
		if err := emit(event); err != nil {
			return err
		}
	}
	return rows.Err()
}

// chromeDangerTypes mirrors Chrome's DownloadDangerType enum closely enough
// to flag a download as dangerous; any nonzero value not explicitly named
// still reports as "dangerous_file" since every nonzero code denotes some
// flagged condition.
func chromeDangerType(code int64) string {
	if code == 0 {
		return "not_dangerous"
	}
	return "dangerous_file"
}

func (p *BrowserHistoryParser) parseDownloads(db *sql.DB, sourceName string, lineNum *int, stats *parsers.Stats, emit func(*ecs.NormalizedEvent) error) error {
	rows, err := db.Query(`
		SELECT target_path, tab_url, start_time, end_time, received_bytes,
		       total_bytes, danger_type, mime_type
		FROM downloads
		ORDER BY start_time ASC
	`)
	if err != nil {
		p.log.Warn("no downloads table or query failed", "source", sourceName, "error", err)
		return nil
	}
	defer rows.Close()

	for rows.Next() {
		var targetPath, tabURL, mimeType string
		var startTime, endTime, received, total, dangerType int64
		if err := rows.Scan(&targetPath, &tabURL, &startTime, &endTime, &received, &total, &dangerType, &mimeType); err != nil {
			*lineNum++
			stats.RecordsSkipped++
			stats.SkippedDetail = append(stats.SkippedDetail, parsers.SkippedRecord{Line: *lineNum, Error: err.Error()})
			continue
		}
		*lineNum++
		event := ecs.NewEvent("chrome_history", webkitToTime(startTime))
		event.SourceFile = sourceName
		event.SourceLine = *lineNum
		event.EventAction = "file_download"
		event.EventCategory = []string{"file", "web"}
		event.FilePath = targetPath
		event.FileName = baseName(targetPath)
		event.URLFull = tabURL
		event.URLDomain = urlDomain(tabURL)
		event.SetLabel("browser", "chrome")
		event.AddTag("browser_download")
		danger := chromeDangerType(dangerType)
		if danger != "not_dangerous" {
			event.AddTag("potentially_dangerous")
		}
		event.Raw = map[string]any{
			"received_bytes": received,
			"total_bytes":    total,
			"mime_type":      mimeType,
			"danger_type":    danger,
			"end_time":       webkitToTime(endTime),
		}
		stats.RecordsParsed++
		if err := emit(event); err != nil {
			return err
		}
	}
	return rows.Err()
}

func urlDomain(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func urlPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Path
}

// BrowserLoginParser reads Chrome/Chromium "Login Data" SQLite databases,
// yielding one event per saved credential. Password values are never read —
// only presence is recorded — matching the chain-of-custody principle that
// recovered secrets are evidence, not something to replay.
type BrowserLoginParser struct {
	log *slog.Logger
}

func NewBrowserLoginParser(logger *slog.Logger) *BrowserLoginParser {
	if logger == nil {
		logger = slog.Default()
	}
	return &BrowserLoginParser{log: logger.With("component", "parsers.browser_logins")}
}

func (p *BrowserLoginParser) Name() string               { return "chrome_logins" }
func (p *BrowserLoginParser) Category() parsers.Category { return parsers.CategoryArtifacts }
func (p *BrowserLoginParser) SupportedExtensions() []string {
	return []string{".sqlite", ".db"}
}
func (p *BrowserLoginParser) SupportedMimeTypes() []string {
	return []string{"application/x-sqlite3"}
}

func (p *BrowserLoginParser) CanParse(filename string, firstBytes []byte) bool {
	if !isSQLiteMagic(firstBytes) {
		return false
	}
	return baseName(filename) == "Login Data"
}

func (p *BrowserLoginParser) Parse(source io.Reader, sourceName string, emit func(*ecs.NormalizedEvent) error) (*parsers.Stats, error) {
	stats := &parsers.Stats{}

	path, cleanup, err := stageTempSQLite(source, "eleanor-logins-*.sqlite")
	if err != nil {
		return stats, fmt.Errorf("%w: %v", parsers.ErrMalformedSource, err)
	}
	defer cleanup()

	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro&immutable=1")
	if err != nil {
		return stats, fmt.Errorf("%w: open login data db: %v", parsers.ErrMalformedSource, err)
	}
	defer db.Close()

	rows, err := db.Query(`
		SELECT origin_url, username_value, date_created, date_last_used, times_used
		FROM logins
		ORDER BY date_created ASC
	`)
	if err != nil {
		return stats, fmt.Errorf("%w: query logins: %v", parsers.ErrMalformedSource, err)
	}
	defer rows.Close()

	lineNum := 0
	for rows.Next() {
		var originURL, username string
		var dateCreated, dateLastUsed, timesUsed int64
		if err := rows.Scan(&originURL, &username, &dateCreated, &dateLastUsed, &timesUsed); err != nil {
			lineNum++
			stats.RecordsSkipped++
			stats.SkippedDetail = append(stats.SkippedDetail, parsers.SkippedRecord{Line: lineNum, Error: err.Error()})
			continue
		}
		lineNum++
		event := ecs.NewEvent("chrome_logins", webkitToTime(dateCreated))
		event.SourceFile = sourceName
		event.SourceLine = lineNum
		event.EventAction = "saved_credential"
		event.EventCategory = []string{"authentication", "web"}
		event.URLFull = originURL
		event.URLDomain = urlDomain(originURL)
		event.UserName = username
		event.SetLabel("browser", "chrome")
		event.SetLabel("credential_type", "password")
		event.AddTag("saved_credentials")
		event.AddTag("browser_artifact")
		event.Raw = map[string]any{
			"date_last_used": webkitToTime(dateLastUsed),
			"times_used":     timesUsed,
		}
		stats.RecordsParsed++
		if err := emit(event); err != nil {
			return stats, err
		}
	}
	return stats, rows.Err()
}

// stageTempSQLite copies source to a temp file, since mattn/go-sqlite3
// requires a filesystem path rather than accepting a stream. The caller
// must invoke the returned cleanup func once done with the path.
func stageTempSQLite(source io.Reader, pattern string) (string, func(), error) {
	tmp, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", func() {}, fmt.Errorf("create temp db: %w", err)
	}
	if _, err := io.Copy(tmp, source); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", func() {}, fmt.Errorf("stage db: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", func() {}, fmt.Errorf("finalize db: %w", err)
	}
	path := tmp.Name()
	return path, func() { os.Remove(path) }, nil
}
