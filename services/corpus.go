package services

import (
	"context"

	"go.uber.org/zap"

	"cite-hand/models"
)

// CorpusStore ist das Interface zum extern ingestierten Paper-Korpus.
// Die Ingestion selbst ist nicht Teil dieses Systems.
type CorpusStore interface {
	ParagraphsByPaper(ctx context.Context, paperID string) ([]models.CorpusParagraph, error)
	ReferencesByPaper(ctx context.Context, paperID string) ([]models.CorpusReference, error)

	// CitationContextPaperIDs liefert die Papers, die als Default-Kontext
	// markiert sind, wenn eine Submission keine Paper-IDs nennt.
	CitationContextPaperIDs(ctx context.Context) ([]string, error)

	PapersByIDs(ctx context.Context, ids []string) (map[string]models.CorpusPaper, error)
}

// CorpusLoader lädt Absätze und Referenzen der angefragten Papers in
// In-Memory-Maps, gruppiert nach Paper-ID.
type CorpusLoader struct {
	Store  CorpusStore
	Logger *zap.Logger
}

// NewCorpusLoader erstellt einen neuen Loader.
func NewCorpusLoader(store CorpusStore, logger *zap.Logger) *CorpusLoader {
	return &CorpusLoader{Store: store, Logger: logger}
}

// Load holt die Daten pro Paper. Fehler einzelner Papers werden geloggt und
// das Paper übersprungen; ein teilweiser Korpus bricht den Job nicht ab.
func (l *CorpusLoader) Load(ctx context.Context, paperIDs []string) (map[string][]models.CorpusParagraph, map[string][]models.CorpusReference) {
	paragraphs := make(map[string][]models.CorpusParagraph)
	references := make(map[string][]models.CorpusReference)

	for _, paperID := range paperIDs {
		log := l.Logger.With(zap.String("paper_id", paperID))

		paras, err := l.Store.ParagraphsByPaper(ctx, paperID)
		if err != nil {
			log.Warn("Korpus-Paper konnte nicht geladen werden, wird übersprungen", zap.Error(err))
			continue
		}
		refs, err := l.Store.ReferencesByPaper(ctx, paperID)
		if err != nil {
			log.Warn("Referenzen konnten nicht geladen werden, wird übersprungen", zap.Error(err))
			continue
		}

		paragraphs[paperID] = paras
		references[paperID] = refs
	}

	if l.Logger != nil {
		l.Logger.Info("Corpus loaded",
			zap.Int("requested_papers", len(paperIDs)),
			zap.Int("loaded_papers", len(paragraphs)))
	}
	return paragraphs, references
}
