// Package sigma implements Sigma detection rule loading and event
// matching, grounded on
// original_source/backend/app/detection/sigma_engine.py. The condition
// grammar is evaluated with a dedicated recursive-descent parser
// (condition.go) rather than the original's hand-rolled string splitting,
// per the redesign called out in SPEC_FULL.md §12: naive " and "/" or "
// splitting cannot handle parenthesized or mixed-precedence conditions
// such as "selection and (filter1 or filter2)".
package sigma

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Level is a Sigma rule severity level.
type Level string

const (
	LevelInformational Level = "informational"
	LevelLow           Level = "low"
	LevelMedium        Level = "medium"
	LevelHigh          Level = "high"
	LevelCritical      Level = "critical"
)

// LogSource identifies the log category a rule targets.
type LogSource struct {
	Product  string `yaml:"product,omitempty"`
	Category string `yaml:"category,omitempty"`
	Service  string `yaml:"service,omitempty"`
}

// Rule is the in-memory representation of a parsed Sigma rule.
type Rule struct {
	ID             string         `yaml:"id"`
	Title          string         `yaml:"title"`
	Description    string         `yaml:"description,omitempty"`
	Author         string         `yaml:"author,omitempty"`
	Date           string         `yaml:"date,omitempty"`
	Status         string         `yaml:"status,omitempty"`
	Level          Level          `yaml:"level,omitempty"`
	LogSource      LogSource      `yaml:"logsource,omitempty"`
	Detection      map[string]any `yaml:"detection"`
	Tags           []string       `yaml:"tags,omitempty"`
	References     []string       `yaml:"references,omitempty"`
	FalsePositives []string       `yaml:"falsepositives,omitempty"`
	SourceFile     string         `yaml:"-"`

	condition ast // parsed lazily by Compile
}

type rawRule struct {
	ID             string         `yaml:"id"`
	Title          string         `yaml:"title"`
	Description    string         `yaml:"description"`
	Author         string         `yaml:"author"`
	Date           string         `yaml:"date"`
	Status         string         `yaml:"status"`
	Level          string         `yaml:"level"`
	LogSource      LogSource      `yaml:"logsource"`
	Detection      map[string]any `yaml:"detection"`
	Tags           []string       `yaml:"tags"`
	References     []string       `yaml:"references"`
	FalsePositives []string       `yaml:"falsepositives"`
}

// ParseRules parses every YAML document in content (Sigma files may
// contain multiple "---"-separated rules) into Rule values.
func ParseRules(content []byte, sourceFile string) ([]*Rule, error) {
	dec := yaml.NewDecoder(strings.NewReader(string(content)))
	var rules []*Rule
	for {
		var raw rawRule
		err := dec.Decode(&raw)
		if err != nil {
			if err.Error() == "EOF" {
				break
			}
			return rules, fmt.Errorf("sigma: parse %s: %w", sourceFile, err)
		}
		if raw.Title == "" || raw.Detection == nil {
			continue
		}
		level := Level(raw.Level)
		if level == "" {
			level = LevelMedium
		}
		status := raw.Status
		if status == "" {
			status = "experimental"
		}
		rule := &Rule{
			ID:             raw.ID,
			Title:          raw.Title,
			Description:    raw.Description,
			Author:         raw.Author,
			Date:           raw.Date,
			Status:         status,
			Level:          level,
			LogSource:      raw.LogSource,
			Detection:      raw.Detection,
			Tags:           raw.Tags,
			References:     raw.References,
			FalsePositives: raw.FalsePositives,
			SourceFile:     sourceFile,
		}
		if rule.ID == "" {
			rule.ID = deterministicID(rule)
		}
		if err := rule.Compile(); err != nil {
			return rules, fmt.Errorf("sigma: compile %s (%s): %w", rule.ID, sourceFile, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// deterministicID derives a stable id for rules missing one, so reloading
// the same file doesn't mint a fresh random id each time (unlike the
// original's uuid4() fallback, which made rule identity file-load-order
// dependent).
func deterministicID(r *Rule) string {
	return "unidentified:" + r.SourceFile + ":" + r.Title
}

// Compile parses the rule's condition string into an AST, caching it on
// the Rule for reuse across Match calls.
func (r *Rule) Compile() error {
	condRaw, ok := r.Detection["condition"]
	if !ok {
		return fmt.Errorf("sigma: rule %s has no condition", r.ID)
	}
	condStr, ok := condRaw.(string)
	if !ok {
		return fmt.Errorf("sigma: rule %s condition is not a string", r.ID)
	}
	tree, err := parseCondition(condStr)
	if err != nil {
		return err
	}
	r.condition = tree
	return nil
}

// Directory recursively loads every .yml/.yaml file under root into Rules.
// Unlike the original's dict keyed by rule_id (which silently overwrites
// rules sharing an id across files), duplicate ids are rejected: DFIR rule
// sets are commonly pulled from multiple upstream repos, and a silent
// overwrite would mean a detection quietly stops firing.
type Directory struct {
	rules map[string]*Rule
	order []string
}

// NewDirectory returns an empty rule directory.
func NewDirectory() *Directory {
	return &Directory{rules: map[string]*Rule{}}
}

// Load walks root for *.yml/*.yaml files and parses each into the
// directory. It returns the number of rules loaded and the first
// duplicate-id or parse error encountered, continuing past per-file
// failures (mirroring the original's log-and-continue behavior) but
// stopping hard on a duplicate id since that is a silent-detection-gap
// bug class rather than a malformed-file problem.
func (d *Directory) Load(fsys fs.FS, root string) (int, error) {
	var loaded int
	err := fs.WalkDir(fsys, root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".yml" && ext != ".yaml" {
			return nil
		}
		content, err := fs.ReadFile(fsys, path)
		if err != nil {
			return nil
		}
		rules, err := ParseRules(content, path)
		if err != nil {
			return nil
		}
		for _, rule := range rules {
			if existing, dup := d.rules[rule.ID]; dup {
				return fmt.Errorf("sigma: duplicate rule id %s in %s (already loaded from %s)", rule.ID, path, existing.SourceFile)
			}
			d.rules[rule.ID] = rule
			d.order = append(d.order, rule.ID)
			loaded++
		}
		return nil
	})
	return loaded, err
}

// Get returns a rule by id.
func (d *Directory) Get(id string) (*Rule, bool) {
	r, ok := d.rules[id]
	return r, ok
}

// All returns every loaded rule in load order.
func (d *Directory) All() []*Rule {
	out := make([]*Rule, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.rules[id])
	}
	return out
}

// List filters loaded rules by level/product/category (empty string
// means unfiltered on that dimension), mirroring list_rules().
func (d *Directory) List(level, product, category string) []*Rule {
	var out []*Rule
	for _, rule := range d.All() {
		if level != "" && string(rule.Level) != level {
			continue
		}
		if product != "" && !strings.EqualFold(rule.LogSource.Product, product) {
			continue
		}
		if category != "" && !strings.EqualFold(rule.LogSource.Category, category) {
			continue
		}
		out = append(out, rule)
	}
	return out
}
