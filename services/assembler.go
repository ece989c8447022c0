package services

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cite-hand/models"
)

var keyCharRegex = regexp.MustCompile(`[^a-z0-9]+`)

// IssueAssembler macht aus Verifikations- und Validierungs-Ergebnissen
// persistierbare Issue+Evidence-Datensätze samt Korrektur-Vorschlägen.
type IssueAssembler struct {
	Logger *zap.Logger
}

// NewIssueAssembler erstellt einen neuen Assembler.
func NewIssueAssembler(logger *zap.Logger) *IssueAssembler {
	return &IssueAssembler{Logger: logger}
}

// BuildVerificationIssue baut das Issue für einen beanstandeten Satz aus der
// KI-Verifikation, inklusive Belegen und generierten Zitations-Vorschlägen.
func (a *IssueAssembler) BuildVerificationIssue(sentence LatexSentence, issueType, severity string, verified []VerifiedEvidence, papers map[string]models.CorpusPaper) models.CitationIssue {
	issue := models.CitationIssue{
		Type:        issueType,
		Severity:    severity,
		StartOffset: sentence.StartOffset,
		EndOffset:   sentence.EndOffset,
		LineStart:   sentence.LineStart,
		LineEnd:     sentence.LineEnd,
		Snippet:     truncate(sentence.Text, 240),
	}
	issue.SetCitedKeys(sentence.CitedKeys)

	for _, e := range verified {
		issue.Evidence = append(issue.Evidence, models.CitationEvidence{
			SourceKind:   models.EvidenceKindCorpusParagraph,
			PaperID:      e.Candidate.PaperID,
			Page:         e.Candidate.Paragraph.Page,
			MatchedText:  truncate(e.Candidate.Paragraph.Text, 500),
			Similarity:   e.Candidate.Similarity,
			SupportScore: e.Decision.Confidence,
		})
	}

	var suggestions []models.Suggestion
	switch issueType {
	case models.IssueMissingCitation:
		// Bester verifizierter Beleg zuerst; verified ist bereits nach
		// Retrieval-Score geordnet
		for _, e := range verified {
			paper, ok := papers[e.Candidate.PaperID]
			if !ok {
				paper = models.CorpusPaper{ID: e.Candidate.PaperID}
			}
			key := GenerateCitationKey(paper)
			suggestions = append(suggestions, models.Suggestion{
				Kind:        models.SuggestionLocal,
				PaperID:     paper.ID,
				Score:       e.Decision.Confidence,
				CitationKey: key,
				BibEntry:    GenerateBibEntry(key, paper),
				Rationale:   e.Decision.Rationale,
			})
		}
	case models.IssueWeakCitation:
		suggestions = append(suggestions, models.Suggestion{
			Kind:      models.SuggestionLocal,
			Rationale: "Cited sources could not be verified against the local corpus; double-check the citation.",
		})
	}
	issue.SetSuggestions(suggestions)

	return issue
}

// Finalize vergibt IDs und verdrahtet die Ownership-Kette Check → Issue →
// Evidence, bevor die Issues persistiert werden.
func (a *IssueAssembler) Finalize(check *models.CitationCheck, issues []models.CitationIssue) []models.CitationIssue {
	for i := range issues {
		issues[i].ID = uuid.NewString()
		issues[i].CheckID = check.ID
		issues[i].ProjectID = check.ProjectID
		issues[i].DocumentID = check.DocumentID
		for j := range issues[i].Evidence {
			issues[i].Evidence[j].ID = uuid.NewString()
			issues[i].Evidence[j].IssueID = issues[i].ID
		}
	}
	return issues
}

// Summarize zählt Issues pro Schweregrad.
func (a *IssueAssembler) Summarize(issues []models.CitationIssue) models.CheckSummary {
	summary := models.CheckSummary{Total: len(issues)}
	for _, issue := range issues {
		switch issue.Severity {
		case models.SeverityHigh:
			summary.High++
		case models.SeverityMedium:
			summary.Medium++
		default:
			summary.Low++
		}
	}
	return summary
}

// GenerateCitationKey erzeugt einen Key im Stil nachname+jahr aus den
// Paper-Metadaten, mit der Paper-ID als Fallback.
func GenerateCitationKey(paper models.CorpusPaper) string {
	name := firstAuthorLastName(paper.Authors)
	if name == "" {
		name = paper.ID
	}
	name = keyCharRegex.ReplaceAllString(strings.ToLower(name), "")
	if name == "" {
		name = "ref"
	}
	if paper.Year > 0 {
		return fmt.Sprintf("%s%d", name, paper.Year)
	}
	return name
}

// GenerateBibEntry rendert einen \bibitem-Vorschlag aus den Paper-Metadaten.
func GenerateBibEntry(key string, paper models.CorpusPaper) string {
	authors := paper.Authors
	if authors == "" {
		authors = "Unknown Authors"
	}
	title := paper.Title
	if title == "" {
		title = "Untitled"
	}
	year := "n.d."
	if paper.Year > 0 {
		year = fmt.Sprintf("%d", paper.Year)
	}
	entry := fmt.Sprintf("\\bibitem{%s} %s (%s). %s.", key, authors, year, title)
	if paper.DOI != "" {
		entry += fmt.Sprintf(" doi:%s", paper.DOI)
	}
	return entry
}

// firstAuthorLastName nimmt das letzte Wort vor dem ersten Trennzeichen.
func firstAuthorLastName(authors string) string {
	if authors == "" {
		return ""
	}
	first := authors
	for _, sep := range []string{";", " and ", ","} {
		if idx := strings.Index(first, sep); idx >= 0 {
			first = first[:idx]
		}
	}
	fields := strings.Fields(strings.TrimSpace(first))
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}
