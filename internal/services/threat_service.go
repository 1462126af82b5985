package services

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/BradenHooton/revguard/internal/auth"
	"github.com/BradenHooton/revguard/internal/models"
)

// DefaultMaxInputLength bounds every sanitized input, in characters
const DefaultMaxInputLength = 1000

const payloadSampleLength = 100

// threatPattern is one named detection rule
type threatPattern struct {
	Name  string
	Regex *regexp.Regexp
}

var xssPatterns = []threatPattern{
	{Name: "script_tag", Regex: regexp.MustCompile(`(?i)<\s*/?\s*script\b`)},
	{Name: "event_handler", Regex: regexp.MustCompile(`(?i)\bon(error|load|click|mouseover|mouseout|focus|blur|submit|change|input|keyup|keydown|dblclick|contextmenu|drag|drop|toggle|animationstart)\s*=`)},
	{Name: "script_uri", Regex: regexp.MustCompile(`(?i)\b(javascript|vbscript|data)\s*:`)},
	{Name: "embedded_tag", Regex: regexp.MustCompile(`(?i)<\s*(iframe|embed|object|svg|math|img|video|audio|source)\b[^>]*(src|href|data|action)\s*=`)},
	{Name: "style_expression", Regex: regexp.MustCompile(`(?i)expression\s*\(`)},
	{Name: "dom_access", Regex: regexp.MustCompile(`(?i)(document\.(cookie|write|location|domain)|window\.(location|open)|\.innerHTML\s*=|eval\s*\()`)},
}

var sqlPatterns = []threatPattern{
	{Name: "union_select", Regex: regexp.MustCompile(`(?i)\bunion\b\s+(all\s+)?select\b`)},
	{Name: "tautology", Regex: regexp.MustCompile(`(?i)(\b(or|and)\b\s+[\d'"]+\s*=\s*[\d'"]+|'\s*(or|and)\s*'[^']*'\s*=\s*'[^']*')`)},
	{Name: "comment", Regex: regexp.MustCompile(`(--|/\*|\*/)`)},
	{Name: "stacked_query", Regex: regexp.MustCompile(`(?i);\s*(drop|alter|truncate|delete|update|insert|create|exec|execute|select)\b`)},
	{Name: "statement", Regex: regexp.MustCompile(`(?i)\b(select\b.+\bfrom|insert\s+into|delete\s+from|drop\s+(table|database)|update\s+\w+\s+set|exec(ute)?\s*\()`)},
	{Name: "time_based", Regex: regexp.MustCompile(`(?i)(sleep\s*\(\s*\d+\s*\)|benchmark\s*\(\s*\d+|waitfor\s+delay\s+')`)},
	{Name: "schema_probe", Regex: regexp.MustCompile(`(?i)(information_schema|pg_catalog|sysobjects|syscolumns)`)},
}

var (
	scriptBlock   = regexp.MustCompile(`(?is)<\s*script\b[^>]*>.*?<\s*/\s*script\s*>`)
	scriptTag     = regexp.MustCompile(`(?i)<\s*/?\s*script\b[^>]*>?`)
	scriptScheme  = regexp.MustCompile(`(?i)\b(javascript|vbscript|data)\s*:`)
	eventHandler  = regexp.MustCompile(`(?i)\bon[a-z]+\s*=\s*("[^"]*"|'[^']*'|[^\s>]*)`)
	entityEncoder = strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&#x27;",
		"/", "&#x2F;",
	)
)

// ThreatDetector is a heuristic XSS and SQL injection filter. It is a second
// line of defence; false positives and negatives are expected.
type ThreatDetector struct {
	maxInputLength int
	threats        auth.ThreatRecorder
	logger         *slog.Logger
}

// NewThreatDetector creates a new ThreatDetector
func NewThreatDetector(maxInputLength int, threats auth.ThreatRecorder, logger *slog.Logger) *ThreatDetector {
	if maxInputLength <= 0 {
		maxInputLength = DefaultMaxInputLength
	}
	return &ThreatDetector{
		maxInputLength: maxInputLength,
		threats:        threats,
		logger:         logger,
	}
}

// Sanitize truncates input, strips script constructs and entity-encodes the
// result. A detected XSS pattern is recorded once per call; the cleaned
// string is returned either way.
func (d *ThreatDetector) Sanitize(input string) string {
	input = truncateRunes(input, d.maxInputLength)

	if name, ok := firstMatch(xssPatterns, input); ok {
		d.report(models.ThreatXSS, models.SeverityHigh, "xss pattern "+name, input)
	}

	cleaned := scriptBlock.ReplaceAllString(input, "")
	cleaned = scriptTag.ReplaceAllString(cleaned, "")
	cleaned = scriptScheme.ReplaceAllString(cleaned, "")
	cleaned = eventHandler.ReplaceAllString(cleaned, "")

	return entityEncoder.Replace(cleaned)
}

// LooksLikeSQLInjection reports whether input matches a SQL injection pattern.
// A match is recorded as a critical threat; callers should reject the input.
func (d *ThreatDetector) LooksLikeSQLInjection(input string) bool {
	name, ok := firstMatch(sqlPatterns, input)
	if !ok {
		return false
	}

	d.report(models.ThreatSQLInjection, models.SeverityCritical, "sql injection pattern "+name, input)
	return true
}

// Check rejects input that looks like SQL injection
func (d *ThreatDetector) Check(input string) error {
	if d.LooksLikeSQLInjection(input) {
		return fmt.Errorf("input rejected: %w", models.ErrInjectionDetected)
	}
	return nil
}

func (d *ThreatDetector) report(kind string, severity models.Severity, description, input string) {
	d.logger.Warn("threat detected",
		slog.String("kind", kind),
		slog.String("severity", severity.String()),
		slog.String("description", description),
	)
	if d.threats != nil {
		d.threats.RecordThreat(kind, severity, description, truncateRunes(input, payloadSampleLength))
	}
}

func firstMatch(patterns []threatPattern, input string) (string, bool) {
	for _, p := range patterns {
		if p.Regex.MatchString(input) {
			return p.Name, true
		}
	}
	return "", false
}

func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
