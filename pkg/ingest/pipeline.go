// Package ingest wires a Connector's RawEvent output through the parser
// registry into the rest of Eleanor's core: the batch-queryable event
// index, the durable real-time event buffer, and the Sigma matcher — and,
// for whatever matches fire, evidence intake and an optional playbook
// auto-trigger. It is the composition root's one ingestion call per
// connector, replacing what would otherwise be several unconnected
// subsystems each built but never driven by real data.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/Project-Eleanor/Eleanor-sub000/pkg/correlation"
	"github.com/Project-Eleanor/Eleanor-sub000/pkg/ecs"
	"github.com/Project-Eleanor/Eleanor-sub000/pkg/eventbuffer"
	"github.com/Project-Eleanor/Eleanor-sub000/pkg/evidence"
	"github.com/Project-Eleanor/Eleanor-sub000/pkg/parsers"
	"github.com/Project-Eleanor/Eleanor-sub000/pkg/playbook"
	"github.com/Project-Eleanor/Eleanor-sub000/pkg/sigma"
)

// AutoTrigger maps a Sigma rule level to a playbook that should start
// automatically whenever a rule at or above that level matches. A nil/zero
// AutoTrigger disables auto-triggering.
type AutoTrigger struct {
	MinLevel   sigma.Level
	PlaybookID string
}

var levelRank = map[sigma.Level]int{
	sigma.LevelInformational: 0,
	sigma.LevelLow:           1,
	sigma.LevelMedium:        2,
	sigma.LevelHigh:          3,
	sigma.LevelCritical:      4,
}

func (t AutoTrigger) appliesTo(level sigma.Level) bool {
	if t.PlaybookID == "" {
		return false
	}
	return levelRank[level] >= levelRank[t.MinLevel]
}

// Pipeline is the single entry point a connector's Stream callback feeds
// raw events into.
type Pipeline struct {
	parsers   *parsers.Registry
	events    *correlation.PostgresSource
	buffer    *eventbuffer.Buffer
	sigmaDir  *sigma.Directory
	artifacts *evidence.RecordStore
	objects   *evidence.ObjectStore
	custody   *evidence.CustodyLog
	playbooks *playbook.Engine
	trigger   AutoTrigger
	log       *slog.Logger
}

// Option configures optional Pipeline collaborators.
type Option func(*Pipeline)

// WithEvidence attaches artifact storage so that events matching a Sigma
// rule have their raw source record preserved with chain of custody.
func WithEvidence(artifacts *evidence.RecordStore, objects *evidence.ObjectStore, custody *evidence.CustodyLog) Option {
	return func(p *Pipeline) {
		p.artifacts = artifacts
		p.objects = objects
		p.custody = custody
	}
}

// WithPlaybookAutoTrigger attaches a playbook engine and the rule-level
// threshold at which a Sigma match starts an execution automatically.
func WithPlaybookAutoTrigger(engine *playbook.Engine, trigger AutoTrigger) Option {
	return func(p *Pipeline) {
		p.playbooks = engine
		p.trigger = trigger
	}
}

// New constructs a Pipeline. registry, events, buffer, and sigmaDir are
// required; evidence and playbook wiring are optional.
func New(registry *parsers.Registry, events *correlation.PostgresSource, buffer *eventbuffer.Buffer, sigmaDir *sigma.Directory, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		parsers:  registry,
		events:   events,
		buffer:   buffer,
		sigmaDir: sigmaDir,
		log:      logger.With("component", "ingest.pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// rawBytes normalizes a RawEvent's Data into the byte stream a Parser
// reads, matching the []byte/string/map[string]any variants RawEvent.Data
// documents.
func rawBytes(raw ecs.RawEvent) ([]byte, error) {
	switch v := raw.Data.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return json.Marshal(v)
	}
}

// Ingest selects a parser for raw, normalizes every record it yields, and
// drives each through indexing, buffering, detection, and (on a match)
// evidence/playbook wiring. A selection failure or parser-level error is
// returned wrapping the parser's own error; record-level failures are
// already handled inside the parser per spec.md §7 and never reach here.
func (p *Pipeline) Ingest(ctx context.Context, raw ecs.RawEvent) error {
	data, err := rawBytes(raw)
	if err != nil {
		return fmt.Errorf("ingest: normalize raw event: %w", err)
	}

	parser, _, err := p.parsers.Select(raw.Source, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("ingest: select parser for %q: %w", raw.Source, err)
	}

	_, err = parser.Parse(bytes.NewReader(data), raw.Source, func(event *ecs.NormalizedEvent) error {
		return p.handleEvent(ctx, raw, event)
	})
	if err != nil {
		return fmt.Errorf("ingest: parse %q with %s: %w", raw.Source, parser.Name(), err)
	}
	return nil
}

func (p *Pipeline) handleEvent(ctx context.Context, raw ecs.RawEvent, event *ecs.NormalizedEvent) error {
	id := uuid.NewString()
	if err := p.events.Index(ctx, id, event); err != nil {
		p.log.Error("index event failed", "error", err, "source", raw.Source)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("ingest: marshal normalized event: %w", err)
	}
	if _, err := p.buffer.Publish(ctx, eventbuffer.StreamEvents, payload); err != nil {
		p.log.Error("publish event failed", "error", err, "source", raw.Source)
	}

	if p.sigmaDir == nil {
		return nil
	}
	matches := sigma.MatchEvent(event, p.sigmaDir.All())
	for _, m := range matches {
		p.handleMatch(ctx, raw, m)
	}
	return nil
}

func (p *Pipeline) handleMatch(ctx context.Context, raw ecs.RawEvent, match sigma.Match) {
	p.log.Info("sigma rule matched", "rule_id", match.Rule.ID, "title", match.Rule.Title, "level", match.Rule.Level, "source", raw.Source)

	if p.objects != nil && p.artifacts != nil {
		if data, err := rawBytes(raw); err == nil {
			hashes, err := p.objects.Upload(ctx, data, "text/plain")
			if err != nil {
				p.log.Error("evidence upload failed", "error", err, "rule_id", match.Rule.ID)
			} else {
				if _, err := p.artifacts.Create(ctx, hashes, int64(len(data)), "text/plain"); err != nil {
					p.log.Error("evidence record failed", "error", err, "rule_id", match.Rule.ID)
				} else if p.custody != nil {
					if _, err := p.custody.Append(ctx, hashes.SHA256, evidence.ActionIngested, "system", map[string]any{
						"rule_id": match.Rule.ID,
						"title":   match.Rule.Title,
						"source":  raw.Source,
					}); err != nil {
						p.log.Error("custody append failed", "error", err, "rule_id", match.Rule.ID)
					}
				}
			}
		}
	}

	if p.playbooks != nil && p.trigger.appliesTo(match.Rule.Level) {
		input := map[string]any{
			"rule_id":        match.Rule.ID,
			"rule_title":     match.Rule.Title,
			"level":          string(match.Rule.Level),
			"source":         raw.Source,
			"matched_fields": match.MatchedFields,
		}
		if _, err := p.playbooks.StartExecution(ctx, p.trigger.PlaybookID, input, "sigma_rule", match.Rule.ID, "system"); err != nil {
			p.log.Error("playbook auto-trigger failed", "error", err, "rule_id", match.Rule.ID, "playbook_id", p.trigger.PlaybookID)
		}
	}
}
