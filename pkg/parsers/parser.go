// Package parsers defines the Parser capability interface and a registry
// that selects the right parser for a given source, mirroring the
// dynamic-dispatch-via-duck-typed-base-classes pattern of the source system
// collapsed into a small Go interface (see SPEC_FULL.md Design Notes).
package parsers

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/Project-Eleanor/Eleanor-sub000/pkg/ecs"
)

// Category groups parsers by the kind of source they read.
type Category string

const (
	CategoryLogs      Category = "logs"
	CategoryNetwork   Category = "network"
	CategoryEDR       Category = "edr"
	CategoryMemory    Category = "memory"
	CategoryArtifacts Category = "artifacts"
	CategoryWebserver Category = "webserver"
)

// Sentinel errors for the error-kind taxonomy of SPEC_FULL.md §7.
var (
	// ErrMalformedRecord marks one bad row inside an otherwise-fine stream.
	ErrMalformedRecord = errors.New("parsers: malformed record")
	// ErrMalformedSource marks a whole input that is unrecognizable.
	ErrMalformedSource = errors.New("parsers: malformed source")
)

// Stats accumulates per-parser counters across a parse run.
type Stats struct {
	RecordsParsed  int
	RecordsSkipped int
	SkippedDetail  []SkippedRecord
}

// SkippedRecord records one record-level failure for the skipped-records log.
type SkippedRecord struct {
	Line  int
	Error string
}

// Parser is the capability interface every format implements.
type Parser interface {
	Name() string
	Category() Category
	SupportedExtensions() []string
	SupportedMimeTypes() []string

	// CanParse inspects a bounded prefix of the source (and an optional
	// filename) and reports whether this parser is a plausible match.
	CanParse(filename string, firstBytes []byte) bool

	// Parse reads source lazily and invokes emit for each NormalizedEvent
	// it produces. Implementations MUST NOT read the entire input into
	// memory before emitting — Parse streams. Record-level errors are
	// logged and skipped (never returned); a whole-format error is
	// returned wrapping ErrMalformedSource.
	Parse(source io.Reader, sourceName string, emit func(*ecs.NormalizedEvent) error) (*Stats, error)
}

// SniffPrefixBytes bounds how much of a source CanParse may inspect.
const SniffPrefixBytes = 4096

// Registry holds all parsers available at process start. It is built once
// by the composition root and is read-only thereafter.
type Registry struct {
	parsers []Parser // registration order, used to break CanParse ties
	log     *slog.Logger
}

// NewRegistry builds an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{log: logger.With("component", "parsers.registry")}
}

// Register adds a parser. Order of registration breaks CanParse ties.
func (r *Registry) Register(p Parser) {
	r.parsers = append(r.parsers, p)
	r.log.Info("registered parser", "name", p.Name(), "category", p.Category())
}

// Select picks the best parser for filename + a sniffed prefix of content.
// Candidates are first narrowed by extension, then by CanParse sniffing;
// the first true result in registration order wins.
func (r *Registry) Select(filename string, content io.Reader) (Parser, []byte, error) {
	br := bufio.NewReaderSize(content, SniffPrefixBytes)
	prefix, _ := br.Peek(SniffPrefixBytes)

	var byExt []Parser
	ext := extOf(filename)
	for _, p := range r.parsers {
		for _, e := range p.SupportedExtensions() {
			if e == ext {
				byExt = append(byExt, p)
				break
			}
		}
	}
	candidates := byExt
	if len(candidates) == 0 {
		candidates = r.parsers
	}
	for _, p := range candidates {
		if p.CanParse(filename, prefix) {
			return p, prefix, nil
		}
	}
	// Fall through to the full set if extension-narrowed candidates all
	// declined — content sniffing may still find a match elsewhere.
	if len(byExt) > 0 {
		for _, p := range r.parsers {
			if p.CanParse(filename, prefix) {
				return p, prefix, nil
			}
		}
	}
	return nil, prefix, fmt.Errorf("%w: no parser matched %q", ErrMalformedSource, filename)
}

// All returns every registered parser in registration order.
func (r *Registry) All() []Parser {
	out := make([]Parser, len(r.parsers))
	copy(out, r.parsers)
	return out
}

func extOf(filename string) string {
	for i := len(filename) - 1; i >= 0; i-- {
		if filename[i] == '.' {
			return filename[i:]
		}
		if filename[i] == '/' {
			break
		}
	}
	return ""
}
