package extract

import (
	"errors"
	"strings"
)

// Method records how code was located in the model response.
type Method string

const (
	// MethodTagged means a fenced block tagged with the target language.
	MethodTagged Method = "tagged"
	// MethodGeneric means the first fenced block with another or no tag.
	MethodGeneric Method = "generic"
	// MethodUnverified means no fence was found and the whole text is used.
	MethodUnverified Method = "unverified"
)

var ErrNoCode = errors.New("no code found in model response")

// Tags are the fence info strings accepted as the target language.
var Tags = []string{"javascript", "js", "node", "mjs"}

// Artifact is the raw model reply and the code candidate taken from it.
type Artifact struct {
	Raw    string `json:"-"`
	Code   string `json:"code"`
	Method Method `json:"method"`
	Tag    string `json:"tag,omitempty"`
}

// Unverified reports whether the code came from the whole-text fallback.
func (a Artifact) Unverified() bool {
	return a.Method == MethodUnverified
}

type block struct {
	tag  string
	code string
}

// Extract returns the first block tagged with a target language, else the first
// fenced block of any kind, else the whole text flagged as unverified.
func Extract(text string) (Artifact, error) {
	if strings.TrimSpace(text) == "" {
		return Artifact{Raw: text}, ErrNoCode
	}

	blocks := fencedBlocks(text)
	for _, b := range blocks {
		if isTarget(b.tag) && strings.TrimSpace(b.code) != "" {
			return Artifact{Raw: text, Code: b.code, Method: MethodTagged, Tag: b.tag}, nil
		}
	}
	for _, b := range blocks {
		if strings.TrimSpace(b.code) != "" {
			return Artifact{Raw: text, Code: b.code, Method: MethodGeneric, Tag: b.tag}, nil
		}
	}
	if len(blocks) > 0 {
		// fences present but all empty
		return Artifact{Raw: text}, ErrNoCode
	}
	return Artifact{Raw: text, Code: strings.TrimSpace(text), Method: MethodUnverified}, nil
}

func isTarget(tag string) bool {
	for _, t := range Tags {
		if strings.EqualFold(tag, t) {
			return true
		}
	}
	return false
}

// fencedBlocks splits text into ``` or ~~~ fenced blocks. An unterminated
// fence runs to the end of the text.
func fencedBlocks(text string) []block {
	var (
		blocks []block
		cur    *block
		fence  string
		lines  []string
	)
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		trimmed := strings.TrimSpace(line)
		if cur == nil {
			if f := fenceOf(trimmed); f != "" {
				cur = &block{tag: infoTag(strings.TrimPrefix(trimmed, f))}
				fence = f
				lines = lines[:0]
			}
			continue
		}
		if strings.HasPrefix(trimmed, fence) && strings.Trim(trimmed, fence[:1]) == "" {
			cur.code = strings.Join(lines, "\n")
			blocks = append(blocks, *cur)
			cur = nil
			continue
		}
		lines = append(lines, line)
	}
	if cur != nil {
		cur.code = strings.Join(lines, "\n")
		blocks = append(blocks, *cur)
	}
	return blocks
}

func fenceOf(line string) string {
	for _, ch := range []string{"`", "~"} {
		n := 0
		for n < len(line) && line[n:n+1] == ch {
			n++
		}
		if n >= 3 {
			return line[:n]
		}
	}
	return ""
}

func infoTag(info string) string {
	fields := strings.Fields(info)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[0])
}
