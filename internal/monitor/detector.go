package monitor

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// EscapeDetector scans candidate code and captured output for patterns that
// suggest an escape attempt or prompt injection. It is advisory: the static
// policy and the hardened runtime decide what runs, the detector only flags.
type EscapeDetector struct {
	patterns []DetectionPattern
}

// DetectionPattern defines a suspicious pattern to match.
type DetectionPattern struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
	Severity    Severity
}

// Severity levels for detected threats.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Detection represents a detected suspicious pattern.
type Detection struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`
}

// NewEscapeDetector creates a detector with default patterns.
func NewEscapeDetector() *EscapeDetector {
	return &EscapeDetector{
		patterns: defaultPatterns(),
	}
}

// AnalyzeCode checks candidate code for suspicious patterns.
func (d *EscapeDetector) AnalyzeCode(code string) []Detection {
	var detections []Detection

	lines := strings.Split(code, "\n")
	for i, line := range lines {
		for _, p := range d.patterns {
			if p.Regex.MatchString(line) {
				det := Detection{
					Pattern:  p.Name,
					Severity: p.Severity.String(),
					Detail:   p.Description,
					Line:     i + 1,
				}
				detections = append(detections, det)

				log.Warn().
					Str("pattern", p.Name).
					Str("severity", p.Severity.String()).
					Int("line", i+1).
					Msg("suspicious pattern in candidate code")
			}
		}
	}

	return detections
}

// AnalyzeOutput checks captured print output and rendered text for content
// that should never come out of a table computation.
func (d *EscapeDetector) AnalyzeOutput(output string) []Detection {
	var detections []Detection

	outputPatterns := []struct {
		name string
		re   *regexp.Regexp
		sev  Severity
	}{
		{"passwd_leak", regexp.MustCompile(`root:x:0:0`), SeverityCritical},
		{"env_leak", regexp.MustCompile(`\bPATH=/`), SeverityHigh},
		{"api_key_leak", regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{6,}`), SeverityHigh},
		{"private_key_leak", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`), SeverityCritical},
		{"host_path_leak", regexp.MustCompile(`/proc/self|/etc/(passwd|shadow)`), SeverityMedium},
	}

	for _, p := range outputPatterns {
		if p.re.MatchString(output) {
			detections = append(detections, Detection{
				Pattern:  p.name,
				Severity: p.sev.String(),
				Detail:   "suspicious content in output: " + p.name,
			})
		}
	}

	return detections
}

// Worst returns the highest severity among detections, or "" when empty.
func Worst(dets []Detection) string {
	best, rank := "", -1
	for _, det := range dets {
		for s := SeverityLow; s <= SeverityCritical; s++ {
			if det.Severity == s.String() && int(s) > rank {
				best, rank = det.Severity, int(s)
			}
		}
	}
	return best
}

func defaultPatterns() []DetectionPattern {
	return []DetectionPattern{
		{
			Name:        "constructor_probe",
			Description: "Reaching for a function constructor to generate code",
			Regex:       regexp.MustCompile(`(?i)['"]constr['"]\s*\+|\bconstructor\b|\[\s*['"]constructor['"]\s*\]`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "prototype_tamper",
			Description: "Touching prototypes or property descriptors",
			Regex:       regexp.MustCompile(`__proto__|\bprototype\b|setPrototypeOf|defineProperty`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "global_probe",
			Description: "Looking for the global object",
			Regex:       regexp.MustCompile(`\b(globalThis|global|window|self)\b\s*[.\[]|\bthis\s*\.\s*constructor`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "host_module",
			Description: "Referencing a host runtime module",
			Regex:       regexp.MustCompile(`\b(process|child_process|fs|net|http|Deno|Bun)\s*\.\s*\w+|require\(\s*['"](fs|child_process|net|http|os|vm)['"]`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "obfuscation",
			Description: "Building identifiers from character codes or encoded strings",
			Regex:       regexp.MustCompile(`fromCharCode|\batob\s*\(|\\x[0-9a-fA-F]{2}.*\\x[0-9a-fA-F]{2}|\\u00[0-9a-fA-F]{2}`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "network_target",
			Description: "Embedding a URL or metadata service address",
			Regex:       regexp.MustCompile(`(?i)https?://|169\.254\.169\.254|metadata\.google`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "prompt_injection",
			Description: "Text that tries to override the model's instructions",
			Regex:       regexp.MustCompile(`(?i)ignore (all )?(previous|prior|above) instructions|disregard the (rules|system prompt)`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "resource_exhaustion",
			Description: "Unbounded loop or huge allocation",
			Regex:       regexp.MustCompile(`while\s*\(\s*(true|1)\s*\)|for\s*\(\s*;\s*;\s*\)|new Array\(\s*\d{8,}|\.repeat\(\s*\d{7,}`),
			Severity:    SeverityLow,
		},
	}
}
