package services

import (
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// LatexSentence ist eine prüfbare Einheit des Manuskripts. Ephemer: wird pro
// Lauf neu erzeugt und nie persistiert oder zwischen Jobs geteilt.
type LatexSentence struct {
	Text        string
	StartOffset int
	EndOffset   int
	LineStart   int
	LineEnd     int
	CitedKeys   []string
}

var (
	citeRegex        = regexp.MustCompile(`\\cite[a-zA-Z]*\*?(?:\[[^\]]*\])?\{([^}]*)\}`)
	commentRegex     = regexp.MustCompile(`(^|[^\\])%.*$`)
	displayMathRegex = regexp.MustCompile(`\$\$[^$]*\$\$`)
	inlineMathRegex  = regexp.MustCompile(`\$[^$]*\$`)
	commandArgRegex  = regexp.MustCompile(`\\[a-zA-Z]+\*?\{[^{}]*\}`)
	bareCommandRegex = regexp.MustCompile(`\\[a-zA-Z]+\*?`)
	braceRegex       = regexp.MustCompile(`[{}]`)
	spaceRegex       = regexp.MustCompile(`\s+`)
)

// SentenceSegmenter zerlegt rohen LaTeX-Quelltext in positions-adressierbare
// Sätze. Bewusst ein zeilenorientierter lexikalischer Stripper, kein Parser.
type SentenceSegmenter struct {
	MinSentenceLength int
	Logger            *zap.Logger
}

// NewSentenceSegmenter erstellt einen neuen Segmenter.
func NewSentenceSegmenter(minSentenceLength int, logger *zap.Logger) *SentenceSegmenter {
	if minSentenceLength <= 0 {
		minSentenceLength = 10
	}
	return &SentenceSegmenter{MinSentenceLength: minSentenceLength, Logger: logger}
}

// Segment verarbeitet das Manuskript Zeile für Zeile, damit die 1-basierten
// Zeilennummern exakt dem Original entsprechen, egal wie das Stripping den
// Zeileninhalt verändert. Zitations-Keys werden gegen die Original-Zeile
// extrahiert, damit sie dem Stripping nicht zum Opfer fallen.
func (s *SentenceSegmenter) Segment(content string) []LatexSentence {
	var sentences []LatexSentence

	lines := strings.Split(content, "\n")
	lineOffset := 0
	for i, rawLine := range lines {
		lineNumber := i + 1

		citedKeys := ExtractCitedKeys(rawLine)
		cleaned := s.stripLine(rawLine)

		// Split auf ". " in Satz-Kandidaten; Offset innerhalb der
		// bereinigten Zeile mitführen
		parts := strings.Split(cleaned, ". ")
		pos := 0
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if len(trimmed) >= s.MinSentenceLength {
				start := lineOffset + pos
				sentences = append(sentences, LatexSentence{
					Text:        trimmed,
					StartOffset: start,
					EndOffset:   start + len(trimmed),
					LineStart:   lineNumber,
					LineEnd:     lineNumber,
					CitedKeys:   citedKeys,
				})
			}
			pos += len(part) + 2 // ". " wieder einrechnen
		}

		lineOffset += len(rawLine) + 1 // +1 für den Zeilenumbruch
	}

	if s.Logger != nil {
		s.Logger.Debug("Manuscript segmented",
			zap.Int("lines", len(lines)),
			zap.Int("sentences", len(sentences)))
	}
	return sentences
}

// stripLine entfernt Markup aus einer einzelnen Zeile.
func (s *SentenceSegmenter) stripLine(line string) string {
	// Kommentare zuerst, sonst strippen wir in auskommentiertem Code herum
	line = commentRegex.ReplaceAllString(line, "$1")
	// Mathe durch Platzhalter-Token ersetzen
	line = displayMathRegex.ReplaceAllString(line, " [MATH] ")
	line = inlineMathRegex.ReplaceAllString(line, " [MATH] ")
	// \cmd{...} und nackte \cmd entfernen
	line = commandArgRegex.ReplaceAllString(line, " ")
	line = bareCommandRegex.ReplaceAllString(line, " ")
	line = braceRegex.ReplaceAllString(line, "")
	// Whitespace kollabieren
	line = spaceRegex.ReplaceAllString(line, " ")
	return strings.TrimSpace(line)
}

// ExtractCitedKeys findet alle \cite{key1,key2,...}-Keys in einer Zeile.
func ExtractCitedKeys(line string) []string {
	matches := citeRegex.FindAllStringSubmatch(line, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool)
	var keys []string
	for _, m := range matches {
		for _, key := range strings.Split(m[1], ",") {
			key = strings.TrimSpace(key)
			if key != "" && !seen[key] {
				seen[key] = true
				keys = append(keys, key)
			}
		}
	}
	return keys
}
