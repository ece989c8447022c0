package models

import "time"

// Herkunftsarten eines Evidence-Eintrags
const (
	EvidenceKindCorpusParagraph = "corpus_paragraph"
	EvidenceKindWeb             = "web"
)

// CitationEvidence ist ein Beleg zu einem Issue. Nach dem Anlegen unveränderlich.
type CitationEvidence struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	CreatedAt time.Time `json:"created_at"`

	IssueID string `json:"issue_id" gorm:"index;size:36;not null"`

	// Strukturierte Quellenangabe
	SourceKind string `json:"source_kind"`
	PaperID    string `json:"paper_id" gorm:"index"`
	Page       int    `json:"page,omitempty"`

	MatchedText  string  `json:"matched_text" gorm:"type:text"`
	Similarity   float64 `json:"similarity"`
	SupportScore float64 `json:"support_score"`
}

// TableName gibt explizit den Tabellennamen an.
func (CitationEvidence) TableName() string {
	return "citation_evidence"
}
