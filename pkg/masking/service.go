package masking

import "log/slog"

// Service redacts secrets and credentials out of evidence and custody
// records before they are persisted or forwarded to a notification
// channel. Created once at startup; thread-safe and stateless aside from
// its compiled patterns.
type Service struct {
	patterns    []*CompiledPattern
	codeMaskers []Masker
	log         *slog.Logger
}

// NewService builds a redaction service with the built-in pattern set and
// code-based maskers registered.
func NewService(logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		patterns: compileBuiltinPatterns(logger),
		log:      logger,
	}
	s.codeMaskers = append(s.codeMaskers, &KubernetesSecretMasker{})
	logger.Info("redaction service initialized",
		"patterns", len(s.patterns), "code_maskers", len(s.codeMaskers))
	return s
}

// Redact applies code-based maskers then regex patterns to content,
// returning the redacted text. Safe to call on empty input.
func (s *Service) Redact(content string) string {
	if content == "" {
		return content
	}
	masked := content
	for _, m := range s.codeMaskers {
		if m.AppliesTo(masked) {
			masked = m.Mask(masked)
		}
	}
	for _, p := range s.patterns {
		masked = p.Regex.ReplaceAllString(masked, p.Replacement)
	}
	return masked
}
