package formats

import "regexp"

// mustFastLogRegexp builds the fixed regex for Suricata's fast.log line
// format:
//
//	MM/DD/YYYY-HH:MM:SS.ffffff  [**] [gid:sid:rev] signature [**] [Classification: x] [Priority: n] {proto} src:sport -> dst:dport
func mustFastLogRegexp() *regexp.Regexp {
	return regexp.MustCompile(
		`^(\d{2}/\d{2}/\d{4}-\d{2}:\d{2}:\d{2}\.\d+)\s+\[\*\*\]\s+\[(\d+):(\d+):(\d+)\]\s+(.+?)\s+\[\*\*\].*?\{(\w+)\}\s+([\d.]+):(\d+)\s*->\s*([\d.]+):(\d+)`,
	)
}
