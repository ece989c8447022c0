package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Status-Werte eines CitationChecks. DONE und ERROR sind terminal.
const (
	CheckStatusQueued  = "QUEUED"
	CheckStatusRunning = "RUNNING"
	CheckStatusDone    = "DONE"
	CheckStatusError   = "ERROR"
)

// Schritte innerhalb von RUNNING, monoton fortschreitend.
const (
	StepParsing        = "PARSING"
	StepLocalRetrieval = "LOCAL_RETRIEVAL"
	StepWebRetrieval   = "WEB_RETRIEVAL"
	StepSaving         = "SAVING"
	StepDone           = "DONE"
)

// StepProgress bildet jeden Schritt auf seinen Fortschritt in Prozent ab.
var StepProgress = map[string]int{
	StepParsing:        10,
	StepLocalRetrieval: 30,
	StepWebRetrieval:   60,
	StepSaving:         80,
	StepDone:           100,
}

// CheckSummary zählt die gefundenen Issues pro Schweregrad.
type CheckSummary struct {
	Total  int `json:"total"`
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
}

// CitationCheck repräsentiert einen Verifikations-Job für ein Manuskript.
type CitationCheck struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ProjectID  string `json:"project_id" gorm:"index;not null"`
	DocumentID string `json:"document_id" gorm:"index;not null"`
	Filename   string `json:"filename,omitempty"`

	// SHA-256 des Manuskript-Texts, dient als Cache-Schlüssel
	ContentHash string `json:"content_hash" gorm:"index;size:64"`

	Status       string `json:"status" gorm:"index"`
	Step         string `json:"step,omitempty"`
	Progress     int    `json:"progress"`
	ErrorMessage string `json:"error_message,omitempty" gorm:"type:text"`

	Summary datatypes.JSON `json:"summary,omitempty" gorm:"type:jsonb"`

	Issues []CitationIssue `json:"issues,omitempty" gorm:"foreignKey:CheckID;constraint:OnDelete:CASCADE"`
}

// TableName gibt explizit den Tabellennamen an.
func (CitationCheck) TableName() string {
	return "citation_checks"
}

// Terminal meldet, ob der Job einen Endzustand erreicht hat.
func (c *CitationCheck) Terminal() bool {
	return c.Status == CheckStatusDone || c.Status == CheckStatusError
}

// SetSummary serialisiert die Zusammenfassung in die JSON-Spalte.
func (c *CitationCheck) SetSummary(s CheckSummary) {
	b, _ := json.Marshal(s)
	c.Summary = datatypes.JSON(b)
}

// SummaryCounts liest die Zusammenfassung aus der JSON-Spalte, nil wenn leer.
func (c *CitationCheck) SummaryCounts() *CheckSummary {
	if len(c.Summary) == 0 {
		return nil
	}
	var s CheckSummary
	if err := json.Unmarshal(c.Summary, &s); err != nil {
		return nil
	}
	return &s
}
