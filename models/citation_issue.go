package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Issue-Typen. Dangling Citations und Plagiats-Verdacht werden als
// MISSING_CITATION geführt, Metadaten-Abweichungen als WEAK_CITATION.
const (
	IssueMissingCitation = "MISSING_CITATION"
	IssueWeakCitation    = "WEAK_CITATION"
	IssueOrphanReference = "ORPHAN_REFERENCE"
)

// Schweregrade
const (
	SeverityLow    = "LOW"
	SeverityMedium = "MEDIUM"
	SeverityHigh   = "HIGH"
)

// Suggestion-Arten
const (
	SuggestionLocal              = "local"
	SuggestionMetadataCorrection = "metadata_correction"
)

// Suggestion ist ein eingebetteter Korrekturvorschlag zu einem Issue.
type Suggestion struct {
	Kind        string  `json:"kind"`
	PaperID     string  `json:"paper_id,omitempty"`
	Score       float64 `json:"score,omitempty"`
	CitationKey string  `json:"citation_key,omitempty"`
	BibEntry    string  `json:"bib_entry,omitempty"`
	Rationale   string  `json:"rationale,omitempty"`
}

// CitationIssue ist ein persistierter Befund eines Check-Laufs.
// Nach dem Lauf ändert sich nur noch das Resolved-Flag.
type CitationIssue struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	CheckID    string `json:"check_id" gorm:"index;size:36;not null"`
	ProjectID  string `json:"project_id" gorm:"index"`
	DocumentID string `json:"document_id" gorm:"index"`

	Type     string `json:"type" gorm:"index"`
	Severity string `json:"severity" gorm:"index"`

	// Fundstelle im Original-Manuskript
	StartOffset int    `json:"start_offset"`
	EndOffset   int    `json:"end_offset"`
	LineStart   int    `json:"line_start"`
	LineEnd     int    `json:"line_end"`
	Snippet     string `json:"snippet" gorm:"type:text"`

	CitedKeys   datatypes.JSON `json:"cited_keys,omitempty" gorm:"type:jsonb"`
	Suggestions datatypes.JSON `json:"suggestions,omitempty" gorm:"type:jsonb"`

	Resolved bool `json:"resolved" gorm:"default:false"`

	Evidence []CitationEvidence `json:"evidence,omitempty" gorm:"foreignKey:IssueID;constraint:OnDelete:CASCADE"`
}

// TableName gibt explizit den Tabellennamen an.
func (CitationIssue) TableName() string {
	return "citation_issues"
}

// SetCitedKeys serialisiert die zitierten Keys in die JSON-Spalte.
func (i *CitationIssue) SetCitedKeys(keys []string) {
	if keys == nil {
		keys = []string{}
	}
	b, _ := json.Marshal(keys)
	i.CitedKeys = datatypes.JSON(b)
}

// CitedKeyList liest die zitierten Keys aus der JSON-Spalte.
func (i *CitationIssue) CitedKeyList() []string {
	if len(i.CitedKeys) == 0 {
		return nil
	}
	var keys []string
	if err := json.Unmarshal(i.CitedKeys, &keys); err != nil {
		return nil
	}
	return keys
}

// SetSuggestions serialisiert die geordnete Vorschlagsliste.
func (i *CitationIssue) SetSuggestions(s []Suggestion) {
	if len(s) == 0 {
		return
	}
	b, _ := json.Marshal(s)
	i.Suggestions = datatypes.JSON(b)
}

// SuggestionList liest die Vorschläge aus der JSON-Spalte.
func (i *CitationIssue) SuggestionList() []Suggestion {
	if len(i.Suggestions) == 0 {
		return nil
	}
	var s []Suggestion
	if err := json.Unmarshal(i.Suggestions, &s); err != nil {
		return nil
	}
	return s
}
