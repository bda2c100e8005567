// Package ingest turns raw document text into retrieval-sized chunks.
// Markdown is split along its header structure so each chunk carries one
// coherent topic; oversized sections are packed paragraph by paragraph
// with fenced code blocks kept whole.
package ingest

import (
	"regexp"
	"strings"
)

const (
	// DefaultMaxTokens targets the sweet spot for embedding recall.
	DefaultMaxTokens = 512

	// tokensPerChar is the rough chars-per-token ratio for English text.
	tokensPerChar = 4
)

var (
	headerRe      = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+)$`)
	frontmatterRe = regexp.MustCompile(`(?s)^---\n(.+?)\n---\n*`)
)

// Options configures a Splitter.
type Options struct {
	// MaxTokens is the approximate per-chunk token budget.
	MaxTokens int
}

// Splitter splits document text into chunks.
type Splitter struct {
	maxTokens int
}

// NewSplitter returns a splitter with the given options.
func NewSplitter(opts Options) *Splitter {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	return &Splitter{maxTokens: opts.MaxTokens}
}

// Split chunks content. Markdown files are sectioned by headers; anything
// else is packed by paragraphs. Empty input yields no chunks.
func (s *Splitter) Split(name, content string) []string {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	if isMarkdown(name) {
		return s.splitMarkdown(content)
	}
	return s.packParagraphs(paragraphs(content), "")
}

func isMarkdown(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".md") ||
		strings.HasSuffix(lower, ".markdown") ||
		strings.HasSuffix(lower, ".mdx")
}

func (s *Splitter) splitMarkdown(content string) []string {
	// Frontmatter is metadata, not prose. Drop it from the index.
	if m := frontmatterRe.FindString(content); m != "" {
		content = content[len(m):]
	}

	sections := parseSections(content)
	if len(sections) == 0 {
		return s.packParagraphs(paragraphs(content), "")
	}

	var chunks []string
	for _, sec := range sections {
		chunks = append(chunks, s.splitSection(sec)...)
	}
	return chunks
}

// section is one header-delimited region of a markdown document.
type section struct {
	title string
	path  string
	body  string
}

// parseSections walks the document line by line, tracking the header
// hierarchy so each section knows its full "H1 > H2 > H3" path.
func parseSections(content string) []*section {
	lines := strings.Split(content, "\n")
	var stack [6]string

	var sections []*section
	var cur *section
	var buf strings.Builder

	flush := func() {
		if cur != nil {
			cur.body = buf.String()
			sections = append(sections, cur)
		} else if strings.TrimSpace(buf.String()) != "" {
			// Prose before the first header still gets indexed.
			sections = append(sections, &section{body: buf.String()})
		}
		buf.Reset()
	}

	for _, line := range lines {
		m := headerRe.FindStringSubmatch(line)
		if m == nil {
			buf.WriteString(line)
			buf.WriteString("\n")
			continue
		}
		flush()

		level := len(m[1])
		title := strings.TrimSpace(m[2])
		stack[level-1] = title
		for i := level; i < len(stack); i++ {
			stack[i] = ""
		}

		var parts []string
		for i := 0; i < level; i++ {
			if stack[i] != "" {
				parts = append(parts, stack[i])
			}
		}
		cur = &section{title: title, path: strings.Join(parts, " > ")}
		buf.WriteString(line)
		buf.WriteString("\n")
	}
	flush()

	return sections
}

func (s *Splitter) splitSection(sec *section) []string {
	body := strings.TrimSpace(sec.body)

	// A bare header with no prose indexes nothing useful.
	if strings.Count(body, "\n") == 0 && headerRe.MatchString(body) {
		return nil
	}

	if estimateTokens(body) <= s.maxTokens {
		return []string{body}
	}
	return s.packParagraphs(paragraphs(body), sec.path)
}

// packParagraphs greedily packs paragraphs into chunks up to the token
// budget. Continuation chunks are prefixed with the section path so they
// stay searchable on their own.
func (s *Splitter) packParagraphs(paras []string, sectionPath string) []string {
	var chunks []string
	var buf strings.Builder

	flush := func() {
		text := strings.TrimSpace(buf.String())
		if text != "" {
			chunks = append(chunks, text)
		}
		buf.Reset()
	}

	for _, para := range paras {
		if buf.Len() > 0 &&
			estimateTokens(buf.String())+estimateTokens(para) > s.maxTokens {
			flush()
			if sectionPath != "" {
				buf.WriteString(sectionPath)
				buf.WriteString("\n\n")
			}
		}
		buf.WriteString(para)
		buf.WriteString("\n\n")
	}
	flush()

	return chunks
}

// paragraphs splits on blank lines, then re-joins any fenced code block
// that the blank-line split tore apart. A chunk boundary inside a fence
// would index half a code sample.
func paragraphs(content string) []string {
	parts := strings.Split(content, "\n\n")

	var paras []string
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			paras = append(paras, t)
		}
	}

	var merged []string
	var fence strings.Builder
	inFence := false
	for _, p := range paras {
		if inFence {
			fence.WriteString("\n\n")
			fence.WriteString(p)
			if strings.Contains(p, "```") {
				merged = append(merged, fence.String())
				fence.Reset()
				inFence = false
			}
			continue
		}
		if strings.Count(p, "```")%2 == 1 {
			inFence = true
			fence.WriteString(p)
			continue
		}
		merged = append(merged, p)
	}
	if inFence {
		merged = append(merged, fence.String())
	}

	return merged
}

func estimateTokens(text string) int {
	return len(text) / tokensPerChar
}
