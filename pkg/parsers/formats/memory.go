package formats

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/Project-Eleanor/Eleanor-sub000/pkg/ecs"
	"github.com/Project-Eleanor/Eleanor-sub000/pkg/parsers"
)

// memoryPlugins are the Volatility 3 plugins run against every memory
// image, one process/network/finding-oriented plugin per row shape,
// mirroring spec.md §4.1's "iterates plugin results and yields one event
// per row". original_source/backend/app/parsers/formats/memory.py selects
// plugins per detected OS (Windows/Linux/Mac); this parser runs the
// cross-platform subset that exists under the same plugin name on every
// Volatility 3 symbol table (windows.*, linux.*) collapsed to the
// generic process-listing/network-scan pair every OS profile supports.
var memoryPlugins = []string{"pslist", "netscan"}

// VolatilityPath is the path (or PATH-resolved name) of the Volatility 3
// executable. Overridable for tests.
var VolatilityPath = "vol"

// MemoryParser analyzes memory dumps by invoking an external Volatility 3
// binary with its JSON renderer and normalizing each plugin's result rows.
type MemoryParser struct {
	log     *slog.Logger
	runFunc func(ctx context.Context, imagePath, plugin string) ([]map[string]any, error)
}

// NewMemoryParser constructs a parser that shells out to Volatility 3.
func NewMemoryParser(logger *slog.Logger) *MemoryParser {
	if logger == nil {
		logger = slog.Default()
	}
	p := &MemoryParser{log: logger.With("component", "parsers.memory")}
	p.runFunc = p.runVolatility
	return p
}

func (p *MemoryParser) Name() string               { return "memory" }
func (p *MemoryParser) Category() parsers.Category { return parsers.CategoryMemory }
func (p *MemoryParser) SupportedExtensions() []string {
	return []string{".raw", ".mem", ".bin", ".lime", ".dmp", ".vmem", ".elf"}
}
func (p *MemoryParser) SupportedMimeTypes() []string {
	return []string{"application/octet-stream", "application/x-dmp"}
}

// memoryMagics are byte signatures for the memory-image container formats
// spec.md §4.1 names; a raw/LiME dump with none of these still matches by
// extension alone via Registry.Select's extension-narrowed candidate list.
var memoryMagics = [][]byte{
	[]byte("EMiL"),           // LiME (magic stored little-endian as "LiME")
	{0x7f, 'E', 'L', 'F'},    // VirtualBox core dump
	[]byte("PMDMPMAP"),       // Windows crash dump variants
}

func (p *MemoryParser) CanParse(filename string, firstBytes []byte) bool {
	for _, magic := range memoryMagics {
		if len(firstBytes) >= len(magic) && string(firstBytes[:len(magic)]) == string(magic) {
			return true
		}
	}
	return false
}

// Parse writes source to a temporary file (Volatility needs a real path,
// not a stream) and runs each configured plugin against it, emitting one
// NormalizedEvent per result row. Per spec.md §4.1 this parser is
// "async-by-nature" since every plugin invocation is an external process;
// Parse's synchronous signature still holds since each exec.CommandContext
// call blocks only this goroutine, not the whole pipeline.
func (p *MemoryParser) Parse(source io.Reader, sourceName string, emit func(*ecs.NormalizedEvent) error) (*parsers.Stats, error) {
	stats := &parsers.Stats{}

	tmp, err := os.CreateTemp("", "eleanor-memimg-*")
	if err != nil {
		return stats, fmt.Errorf("%w: create temp image: %v", parsers.ErrMalformedSource, err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if _, err := io.Copy(tmp, source); err != nil {
		return stats, fmt.Errorf("%w: stage memory image: %v", parsers.ErrMalformedSource, err)
	}
	if err := tmp.Close(); err != nil {
		return stats, fmt.Errorf("%w: finalize memory image: %v", parsers.ErrMalformedSource, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	rowNum := 0
	for _, plugin := range memoryPlugins {
		rows, err := p.runFunc(ctx, tmp.Name(), plugin)
		if err != nil {
			p.log.Warn("volatility plugin failed", "plugin", plugin, "source", sourceName, "error", err)
			stats.RecordsSkipped++
			stats.SkippedDetail = append(stats.SkippedDetail, parsers.SkippedRecord{Line: rowNum, Error: err.Error()})
			continue
		}
		for _, row := range rows {
			rowNum++
			event := p.mapRow(row, plugin, sourceName, rowNum)
			stats.RecordsParsed++
			if err := emit(event); err != nil {
				return stats, err
			}
		}
	}
	return stats, nil
}

// runVolatility invokes "vol -f <image> -r json <plugin>" and decodes its
// JSON array of result rows.
func (p *MemoryParser) runVolatility(ctx context.Context, imagePath, plugin string) ([]map[string]any, error) {
	cmd := exec.CommandContext(ctx, VolatilityPath, "-f", imagePath, "-r", "json", plugin)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("run %s %s: %w", filepath.Base(VolatilityPath), plugin, err)
	}
	var rows []map[string]any
	if err := json.NewDecoder(bytes.NewReader(out)).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode %s output: %w", plugin, err)
	}
	return rows, nil
}

func (p *MemoryParser) mapRow(row map[string]any, plugin, sourceName string, rowNum int) *ecs.NormalizedEvent {
	event := ecs.NewEvent("volatility:"+plugin, time.Now().UTC())
	event.SourceFile = sourceName
	event.SourceLine = rowNum
	event.Raw = row
	event.EventCategory = []string{"process"}
	event.EventAction = plugin

	if v, ok := row["ImageFileName"].(string); ok {
		event.ProcessName = v
	} else if v, ok := row["Name"].(string); ok {
		event.ProcessName = v
	}
	if v, ok := row["PID"]; ok {
		event.ProcessPID = toInt(v)
	}
	if v, ok := row["PPID"]; ok {
		event.ProcessPPID = toInt(v)
	}
	if v, ok := row["LocalAddr"].(string); ok {
		event.SourceIP = v
		event.EventCategory = []string{"network"}
	}
	if v, ok := row["LocalPort"]; ok {
		event.SourcePort = toInt(v)
	}
	if v, ok := row["ForeignAddr"].(string); ok {
		event.DestinationIP = v
	}
	if v, ok := row["ForeignPort"]; ok {
		event.DestinationPort = toInt(v)
	}
	return event
}
