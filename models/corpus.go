package models

import "time"

// CorpusPaper repräsentiert ein Paper im lokal ingestierten Korpus.
// Die Ingestion-Pipeline befüllt diese Tabellen, der Check liest nur.
type CorpusPaper struct {
	ID        string    `json:"id" gorm:"primaryKey;size:128"`
	CreatedAt time.Time `json:"created_at"`

	Title   string `json:"title"`
	Authors string `json:"authors,omitempty"`
	Year    int    `json:"year,omitempty"`
	DOI     string `json:"doi,omitempty" gorm:"index"`

	// Markiert Papers, die standardmäßig als Zitations-Kontext dienen
	CitationContext bool `json:"citation_context" gorm:"index"`
}

// TableName gibt explizit den Tabellennamen an.
func (CorpusPaper) TableName() string {
	return "corpus_papers"
}

// CorpusParagraph ist ein extrahierter Absatz eines Korpus-Papers.
type CorpusParagraph struct {
	ID      uint   `json:"id" gorm:"primaryKey"`
	PaperID string `json:"paper_id" gorm:"index;size:128"`
	Section string `json:"section,omitempty"`
	Page    int    `json:"page,omitempty"`
	Text    string `json:"text" gorm:"type:text"`
}

// TableName gibt explizit den Tabellennamen an.
func (CorpusParagraph) TableName() string {
	return "corpus_paragraphs"
}

// CorpusReference ist ein bibliographischer Eintrag aus einem Korpus-Paper.
type CorpusReference struct {
	ID      uint   `json:"id" gorm:"primaryKey"`
	PaperID string `json:"paper_id" gorm:"index;size:128"`
	Key     string `json:"key,omitempty"`
	Title   string `json:"title"`
	Authors string `json:"authors,omitempty"`
	Year    int    `json:"year,omitempty"`
	DOI     string `json:"doi,omitempty"`
}

// TableName gibt explizit den Tabellennamen an.
func (CorpusReference) TableName() string {
	return "corpus_references"
}
