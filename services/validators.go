package services

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"cite-hand/models"
)

// BibEntry ist ein geparster \bibitem-Eintrag mit seiner Fundstelle.
type BibEntry struct {
	Key         string
	Raw         string
	LineStart   int
	LineEnd     int
	StartOffset int
	EndOffset   int
	Year        int
	DOI         string
}

var (
	bibitemRegex = regexp.MustCompile(`\\bibitem(?:\[[^\]]*\])?\{([^}]*)\}`)
	yearRegex    = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	doiRegex     = regexp.MustCompile(`10\.\d{4,9}/[^\s,}{]+`)
	fakeDOIReg   = regexp.MustCompile(`\b10\.0000/`)
	endBibRegex  = regexp.MustCompile(`\\end\{thebibliography\}`)
)

// ParseBibliography extrahiert alle \bibitem-Einträge samt 1-basierter
// Zeilennummer und Offset. Folgezeilen bis zum nächsten \bibitem (oder dem
// Ende der Umgebung) gehören zum Eintrag.
func ParseBibliography(content string) []BibEntry {
	var entries []BibEntry
	var current *BibEntry

	lines := strings.Split(content, "\n")
	offset := 0
	for i, line := range lines {
		lineNumber := i + 1

		if endBibRegex.MatchString(line) {
			if current != nil {
				entries = append(entries, finishEntry(*current))
				current = nil
			}
		} else if m := bibitemRegex.FindStringSubmatchIndex(line); m != nil {
			if current != nil {
				entries = append(entries, finishEntry(*current))
			}
			key := line[m[2]:m[3]]
			current = &BibEntry{
				Key:         strings.TrimSpace(key),
				Raw:         strings.TrimSpace(line[m[1]:]),
				LineStart:   lineNumber,
				LineEnd:     lineNumber,
				StartOffset: offset + m[0],
				EndOffset:   offset + len(line),
			}
		} else if current != nil {
			trimmed := strings.TrimSpace(line)
			if trimmed != "" {
				if current.Raw != "" {
					current.Raw += " "
				}
				current.Raw += trimmed
				current.LineEnd = lineNumber
				current.EndOffset = offset + len(line)
			}
		}

		offset += len(line) + 1
	}
	if current != nil {
		entries = append(entries, finishEntry(*current))
	}
	return entries
}

func finishEntry(e BibEntry) BibEntry {
	if m := yearRegex.FindString(e.Raw); m != "" {
		e.Year, _ = strconv.Atoi(m)
	}
	e.DOI = doiRegex.FindString(e.Raw)
	return e
}

// StructuralValidator bündelt die vier unabhängigen Dokument-Prüfungen.
// Jede Prüfung läuft über das ganze Dokument und ist von den anderen und
// von der KI-Verifikation entkoppelt.
type StructuralValidator struct {
	MetadataTitleThreshold float64 // fuzzy Titel-Match (default 0.7)
	SimilarityThreshold    float64 // Ähnlichkeit für Plagiats-Verdacht (default 0.85)
	PlagiarismThreshold    float64 // nahezu wörtliche Übernahme (default 0.92)
	Logger                 *zap.Logger
}

// NewStructuralValidator erstellt die Validator-Sammlung.
func NewStructuralValidator(metadataTitleThreshold, similarityThreshold, plagiarismThreshold float64, logger *zap.Logger) *StructuralValidator {
	return &StructuralValidator{
		MetadataTitleThreshold: metadataTitleThreshold,
		SimilarityThreshold:    similarityThreshold,
		PlagiarismThreshold:    plagiarismThreshold,
		Logger:                 logger,
	}
}

// ValidateOrphanReferences meldet jeden Bibliographie-Key, der in keinem
// Satz zitiert wird, verankert am Eintrag selbst.
func (sv *StructuralValidator) ValidateOrphanReferences(bib []BibEntry, sentences []LatexSentence) []models.CitationIssue {
	cited := citedKeyUnion(sentences)

	var issues []models.CitationIssue
	for _, entry := range bib {
		if cited[entry.Key] {
			continue
		}
		issue := models.CitationIssue{
			Type:        models.IssueOrphanReference,
			Severity:    models.SeverityMedium,
			StartOffset: entry.StartOffset,
			EndOffset:   entry.EndOffset,
			LineStart:   entry.LineStart,
			LineEnd:     entry.LineEnd,
			Snippet:     truncate(entry.Raw, 240),
		}
		issue.SetCitedKeys([]string{entry.Key})
		issue.SetSuggestions([]models.Suggestion{{
			Kind:      models.SuggestionLocal,
			Rationale: fmt.Sprintf("Bibliography entry %q is never cited; cite it or remove it.", entry.Key),
		}})
		issues = append(issues, issue)
	}
	return issues
}

// ValidateDanglingCitations meldet jeden zitierten Key ohne passenden
// Bibliographie-Eintrag, verankert am ersten zitierenden Satz.
func (sv *StructuralValidator) ValidateDanglingCitations(bib []BibEntry, sentences []LatexSentence) []models.CitationIssue {
	bibKeys := make(map[string]bool, len(bib))
	for _, entry := range bib {
		bibKeys[entry.Key] = true
	}

	seen := make(map[string]bool)
	var issues []models.CitationIssue
	for _, sentence := range sentences {
		for _, key := range sentence.CitedKeys {
			if bibKeys[key] || seen[key] {
				continue
			}
			seen[key] = true
			issue := models.CitationIssue{
				Type:        models.IssueMissingCitation,
				Severity:    models.SeverityHigh,
				StartOffset: sentence.StartOffset,
				EndOffset:   sentence.EndOffset,
				LineStart:   sentence.LineStart,
				LineEnd:     sentence.LineEnd,
				Snippet:     truncate(sentence.Text, 240),
			}
			issue.SetCitedKeys([]string{key})
			issue.SetSuggestions([]models.Suggestion{{
				Kind:      models.SuggestionLocal,
				Rationale: fmt.Sprintf("Cited key %q has no \\bibitem entry.", key),
			}})
			issues = append(issues, issue)
		}
	}
	return issues
}

// ValidateMetadata gleicht Bibliographie-Einträge fuzzy gegen die
// Korpus-Referenzen ab und meldet Jahres-Abweichungen sowie offensichtlich
// gefälschte DOIs.
func (sv *StructuralValidator) ValidateMetadata(bib []BibEntry, references map[string][]models.CorpusReference) []models.CitationIssue {
	var issues []models.CitationIssue
	for _, entry := range bib {
		entryTokens := tokenSet(entry.Raw)

		var best *models.CorpusReference
		bestScore := 0.0
		for _, refs := range references {
			for i := range refs {
				score := titleMatchScore(refs[i].Title, entryTokens)
				if score > bestScore {
					bestScore = score
					best = &refs[i]
				}
			}
		}
		if best == nil || bestScore <= sv.MetadataTitleThreshold {
			continue
		}

		yearMismatch := entry.Year != 0 && best.Year != 0 && entry.Year != best.Year
		fakeDOI := fakeDOIReg.MatchString(entry.Raw)
		if !yearMismatch && !fakeDOI {
			continue
		}

		rationale := ""
		if yearMismatch {
			rationale = fmt.Sprintf("Publication year %d does not match corpus record %d for %q.", entry.Year, best.Year, best.Title)
		}
		if fakeDOI {
			if rationale != "" {
				rationale += " "
			}
			rationale += "Entry carries a DOI with the reserved 10.0000 prefix."
		}

		issue := models.CitationIssue{
			Type:        models.IssueWeakCitation,
			Severity:    models.SeverityMedium,
			StartOffset: entry.StartOffset,
			EndOffset:   entry.EndOffset,
			LineStart:   entry.LineStart,
			LineEnd:     entry.LineEnd,
			Snippet:     truncate(entry.Raw, 240),
		}
		issue.SetCitedKeys([]string{entry.Key})
		issue.SetSuggestions([]models.Suggestion{{
			Kind:      models.SuggestionMetadataCorrection,
			PaperID:   best.PaperID,
			Score:     bestScore,
			Rationale: rationale,
		}})
		issues = append(issues, issue)

		if sv.Logger != nil {
			sv.Logger.Debug("Metadata mismatch",
				zap.String("bib_key", entry.Key),
				zap.Float64("title_score", bestScore),
				zap.Bool("year_mismatch", yearMismatch),
				zap.Bool("fake_doi", fakeDOI))
		}
	}
	return issues
}

// DetectPlagiarism meldet unzitierte Sätze, die einem Korpus-Absatz zu
// ähnlich sind. Höchstens ein Befund pro Satz, der erste Treffer gewinnt,
// Schweregrad immer HIGH. Oberhalb von verbatimThreshold wird die
// Übernahme in der Begründung als nahezu wörtlich markiert.
func (sv *StructuralValidator) DetectPlagiarism(sentences []LatexSentence, paragraphs map[string][]models.CorpusParagraph, threshold, verbatimThreshold float64) []models.CitationIssue {
	if threshold <= 0 {
		threshold = sv.SimilarityThreshold
	}
	if verbatimThreshold <= 0 {
		verbatimThreshold = sv.PlagiarismThreshold
	}

	var issues []models.CitationIssue
	for _, sentence := range sentences {
		if len(sentence.CitedKeys) > 0 {
			continue
		}
		sentenceTokens := tokenSet(sentence.Text)
		if len(sentenceTokens) == 0 {
			continue
		}

		found := false
		for paperID, paras := range paragraphs {
			for _, p := range paras {
				score := JaccardSimilarity(sentenceTokens, tokenSet(p.Text))
				if score <= threshold {
					continue
				}
				rationale := fmt.Sprintf("Text closely matches a paragraph of paper %s without attribution.", paperID)
				if score > verbatimThreshold {
					rationale = fmt.Sprintf("Text is a near-verbatim copy of a paragraph of paper %s without attribution.", paperID)
				}
				issue := models.CitationIssue{
					Type:        models.IssueMissingCitation,
					Severity:    models.SeverityHigh,
					StartOffset: sentence.StartOffset,
					EndOffset:   sentence.EndOffset,
					LineStart:   sentence.LineStart,
					LineEnd:     sentence.LineEnd,
					Snippet:     truncate(sentence.Text, 240),
				}
				issue.SetCitedKeys([]string{})
				issue.SetSuggestions([]models.Suggestion{{
					Kind:      models.SuggestionLocal,
					PaperID:   paperID,
					Score:     score,
					Rationale: rationale,
				}})
				issue.Evidence = []models.CitationEvidence{{
					SourceKind:  models.EvidenceKindCorpusParagraph,
					PaperID:     paperID,
					Page:        p.Page,
					MatchedText: truncate(p.Text, 500),
					Similarity:  score,
				}}
				issues = append(issues, issue)
				found = true
				break
			}
			if found {
				break
			}
		}
	}
	return issues
}

// titleMatchScore misst, welcher Anteil der Titel-Tokens im Eintrag vorkommt.
func titleMatchScore(title string, entryTokens map[string]bool) float64 {
	titleTokens := tokenSet(title)
	if len(titleTokens) == 0 {
		return 0
	}
	hit := 0
	for token := range titleTokens {
		if entryTokens[token] {
			hit++
		}
	}
	return float64(hit) / float64(len(titleTokens))
}

func citedKeyUnion(sentences []LatexSentence) map[string]bool {
	union := make(map[string]bool)
	for _, s := range sentences {
		for _, key := range s.CitedKeys {
			union[key] = true
		}
	}
	return union
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
