package storage

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"cite-hand/models"
	"cite-hand/services"
)

// GormStore implementiert die Persistenz für Checks, Issues und den
// Paper-Korpus über eine Postgres-Datenbank.
type GormStore struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

func NewGormStore(db *gorm.DB, logger *zap.Logger) *GormStore {
	return &GormStore{DB: db, Logger: logger}
}

func (g *GormStore) CreateCheck(ctx context.Context, check *models.CitationCheck) error {
	return g.DB.WithContext(ctx).Create(check).Error
}

// UpdateCheck schreibt nur, solange die gespeicherte Zeile nicht terminal
// ist; DONE und ERROR sind unveränderlich. Ein verspäteter RUNNING-Übergang
// kann einen Abbruch damit nicht mehr überschreiben.
func (g *GormStore) UpdateCheck(ctx context.Context, check *models.CitationCheck) error {
	res := g.DB.WithContext(ctx).
		Model(&models.CitationCheck{}).
		Where("id = ? AND status NOT IN ?", check.ID, []string{models.CheckStatusDone, models.CheckStatusError}).
		Select("*").Omit("id", "created_at").
		Updates(check)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return services.ErrCheckFinalized
	}
	return nil
}

// CheckByID liefert (nil, nil), wenn der Check nicht existiert.
func (g *GormStore) CheckByID(ctx context.Context, id string) (*models.CitationCheck, error) {
	var check models.CitationCheck
	err := g.DB.WithContext(ctx).Where("id = ?", id).First(&check).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &check, nil
}

func (g *GormStore) DoneCheckByDocumentAndHash(ctx context.Context, documentID, contentHash string) (*models.CitationCheck, error) {
	var check models.CitationCheck
	err := g.DB.WithContext(ctx).
		Where("document_id = ? AND content_hash = ? AND status = ?", documentID, contentHash, models.CheckStatusDone).
		First(&check).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &check, nil
}

func (g *GormStore) LatestCheckByDocument(ctx context.Context, documentID string) (*models.CitationCheck, error) {
	var check models.CitationCheck
	err := g.DB.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("created_at DESC").
		First(&check).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &check, nil
}

func (g *GormStore) ChecksByProject(ctx context.Context, projectID string) ([]models.CitationCheck, error) {
	var checks []models.CitationCheck
	err := g.DB.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at DESC").
		Find(&checks).Error
	return checks, err
}

// DeleteDoneChecksByDocument räumt alte DONE-Läufe eines Dokuments ab,
// die Issues und Evidence hängen per Cascade mit dran.
func (g *GormStore) DeleteDoneChecksByDocument(ctx context.Context, documentID string) error {
	return g.DB.WithContext(ctx).
		Where("document_id = ? AND status = ?", documentID, models.CheckStatusDone).
		Delete(&models.CitationCheck{}).Error
}

// SaveIssues persistiert alle Issues eines Laufs in einer Transaktion,
// Evidence wird über die gorm-Assoziation mitgeschrieben.
func (g *GormStore) SaveIssues(ctx context.Context, issues []models.CitationIssue) error {
	if len(issues) == 0 {
		return nil
	}
	return g.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range issues {
			if err := tx.Create(&issues[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (g *GormStore) IssuesByCheck(ctx context.Context, checkID string) ([]models.CitationIssue, error) {
	var issues []models.CitationIssue
	err := g.DB.WithContext(ctx).
		Preload("Evidence").
		Where("check_id = ?", checkID).
		Order("line_start ASC, start_offset ASC").
		Find(&issues).Error
	return issues, err
}

func (g *GormStore) SetIssueResolved(ctx context.Context, issueID string, resolved bool) error {
	result := g.DB.WithContext(ctx).
		Model(&models.CitationIssue{}).
		Where("id = ?", issueID).
		Update("resolved", resolved)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// FailStaleChecks überführt alle nicht-terminalen Checks, die vor dem
// Cutoff zuletzt aktualisiert wurden, in ERROR.
func (g *GormStore) FailStaleChecks(ctx context.Context, olderThan time.Time, message string) (int64, error) {
	result := g.DB.WithContext(ctx).
		Model(&models.CitationCheck{}).
		Where("status IN ? AND updated_at < ?", []string{models.CheckStatusQueued, models.CheckStatusRunning}, olderThan).
		Updates(map[string]interface{}{
			"status":        models.CheckStatusError,
			"error_message": message,
		})
	return result.RowsAffected, result.Error
}

// --- Korpus-Zugriffe ---

func (g *GormStore) ParagraphsByPaper(ctx context.Context, paperID string) ([]models.CorpusParagraph, error) {
	var paragraphs []models.CorpusParagraph
	err := g.DB.WithContext(ctx).
		Where("paper_id = ?", paperID).
		Order("page ASC, id ASC").
		Find(&paragraphs).Error
	return paragraphs, err
}

func (g *GormStore) ReferencesByPaper(ctx context.Context, paperID string) ([]models.CorpusReference, error) {
	var refs []models.CorpusReference
	err := g.DB.WithContext(ctx).
		Where("paper_id = ?", paperID).
		Find(&refs).Error
	return refs, err
}

// CitationContextPaperIDs listet alle Paper, die für den Zitat-Kontext
// freigeschaltet sind. Fallback, wenn die Einreichung keine Paper nennt.
func (g *GormStore) CitationContextPaperIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := g.DB.WithContext(ctx).
		Model(&models.CorpusPaper{}).
		Where("citation_context = ?", true).
		Pluck("id", &ids).Error
	return ids, err
}

func (g *GormStore) PapersByIDs(ctx context.Context, paperIDs []string) (map[string]models.CorpusPaper, error) {
	result := make(map[string]models.CorpusPaper, len(paperIDs))
	if len(paperIDs) == 0 {
		return result, nil
	}
	var papers []models.CorpusPaper
	if err := g.DB.WithContext(ctx).Where("id IN ?", paperIDs).Find(&papers).Error; err != nil {
		return nil, err
	}
	for _, p := range papers {
		result[p.ID] = p
	}
	return result, nil
}
