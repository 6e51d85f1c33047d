package masking

import (
	"log/slog"
	"regexp"
)

// CompiledPattern holds a pre-compiled regex pattern with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
	Description string
}

// builtinPatterns are redaction rules applied to every custody/evidence
// record before it is persisted or forwarded to a notification channel —
// the secrets and credential shapes most likely to leak into raw log
// lines and tool output captured during an investigation.
var builtinPatterns = []CompiledPattern{
	{
		Name:        "aws_access_key",
		Regex:       regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
		Replacement: "[MASKED_AWS_ACCESS_KEY]",
		Description: "AWS access key ID",
	},
	{
		Name:        "aws_secret_key",
		Regex:       regexp.MustCompile(`(?i)aws_secret_access_key\s*[:=]\s*\S+`),
		Replacement: "aws_secret_access_key=[MASKED_AWS_SECRET_KEY]",
		Description: "AWS secret access key assignment",
	},
	{
		Name:        "private_key_block",
		Regex:       regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`),
		Replacement: "[MASKED_PRIVATE_KEY]",
		Description: "PEM private key block",
	},
	{
		Name:        "bearer_token",
		Regex:       regexp.MustCompile(`(?i)bearer\s+[a-z0-9._\-]{10,}`),
		Replacement: "bearer [MASKED_TOKEN]",
		Description: "HTTP bearer token",
	},
	{
		Name:        "jwt",
		Regex:       regexp.MustCompile(`\beyJ[a-zA-Z0-9_=]+\.[a-zA-Z0-9_=]+\.[a-zA-Z0-9_\-+/=]*\b`),
		Replacement: "[MASKED_JWT]",
		Description: "JSON web token",
	},
	{
		Name:        "password_field",
		Regex:       regexp.MustCompile(`(?i)"?password"?\s*[:=]\s*"?[^\s,"}]+`),
		Replacement: `password=[MASKED_PASSWORD]`,
		Description: "password field assignment",
	},
}

func compileBuiltinPatterns(log *slog.Logger) []*CompiledPattern {
	out := make([]*CompiledPattern, 0, len(builtinPatterns))
	for i := range builtinPatterns {
		p := builtinPatterns[i]
		out = append(out, &p)
	}
	return out
}
