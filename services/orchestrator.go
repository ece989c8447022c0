package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"cite-hand/config"
	"cite-hand/models"
	"cite-hand/providers"
	"cite-hand/providers/crossref"
)

// ErrCheckFinalized meldet, dass der gespeicherte Check bereits DONE oder
// ERROR ist und der Übergang deshalb verworfen wurde.
var ErrCheckFinalized = errors.New("check is already in a terminal state")

// CheckStore ist die Persistenz-Schnittstelle für Jobs und Issues.
type CheckStore interface {
	CreateCheck(ctx context.Context, check *models.CitationCheck) error
	// UpdateCheck schreibt den Check-Zustand nur, solange die gespeicherte
	// Zeile nicht terminal ist; sonst ErrCheckFinalized. Terminale Zustände
	// sind damit unveränderlich, egal wie sich Cancel und die laufenden
	// Stufen-Übergänge zeitlich überlappen.
	UpdateCheck(ctx context.Context, check *models.CitationCheck) error
	CheckByID(ctx context.Context, id string) (*models.CitationCheck, error)

	// DoneCheckByDocumentAndHash liefert (nil, nil), wenn kein Cache-Treffer existiert.
	DoneCheckByDocumentAndHash(ctx context.Context, documentID, contentHash string) (*models.CitationCheck, error)
	LatestCheckByDocument(ctx context.Context, documentID string) (*models.CitationCheck, error)
	ChecksByProject(ctx context.Context, projectID string) ([]models.CitationCheck, error)
	DeleteDoneChecksByDocument(ctx context.Context, documentID string) error

	SaveIssues(ctx context.Context, issues []models.CitationIssue) error
	IssuesByCheck(ctx context.Context, checkID string) ([]models.CitationIssue, error)
	SetIssueResolved(ctx context.Context, issueID string, resolved bool) error

	FailStaleChecks(ctx context.Context, olderThan time.Time, message string) (int64, error)
}

// ManuscriptArchiver legt Manuskript-Snapshots extern ab (z.B. S3).
type ManuscriptArchiver interface {
	Archive(ctx context.Context, key string, data []byte) (string, error)
}

// Metrics bündelt die optionalen Prometheus-Zähler des Orchestrators.
type Metrics struct {
	ChecksStarted   prometheus.Counter
	ChecksCompleted prometheus.Counter
	ChecksFailed    prometheus.Counter
	IssuesFound     prometheus.Counter
}

// SubmitRequest ist eine Job-Einreichung.
type SubmitRequest struct {
	ProjectID              string   `json:"project_id"`
	DocumentID             string   `json:"document_id"`
	Content                string   `json:"content"`
	Filename               string   `json:"filename"`
	PaperIDs               []string `json:"paper_ids"`
	IncludeWebVerification bool     `json:"include_web_verification"`
	SimilarityThreshold    float64  `json:"similarity_threshold"`
	PlagiarismThreshold    float64  `json:"plagiarism_threshold"`
	ForceRecheck           bool     `json:"force_recheck"`
}

// SubmitResult ist der Job-Zustand nach der Einreichung; Cached markiert
// einen wiederverwendeten DONE-Lauf.
type SubmitResult struct {
	Check  *models.CitationCheck `json:"check"`
	Cached bool                  `json:"cached"`
}

var errCheckCancelled = errors.New("check cancelled")

// CheckService besitzt die Job-Zustandsmaschine und orchestriert die
// Pipeline-Stufen gegen ein Manuskript. Jobs laufen auf einem begrenzten
// Worker-Pool, die Einreichung kehrt sofort zurück.
type CheckService struct {
	Config   *config.Config
	Store    CheckStore
	Corpus   CorpusStore
	Logger   *zap.Logger
	Notifier *ProgressNotifier

	segmenter *SentenceSegmenter
	retriever *LocalRetriever
	verifier  *ClaimVerifier
	validator *StructuralValidator
	assembler *IssueAssembler
	loader    *CorpusLoader

	web      *crossref.Fetcher
	archiver ManuscriptArchiver
	metrics  *Metrics

	semaphore chan struct{}

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewCheckService verdrahtet die Pipeline-Komponenten.
func NewCheckService(cfg *config.Config, store CheckStore, corpus CorpusStore, judge providers.Judge, web *crossref.Fetcher, archiver ManuscriptArchiver, metrics *Metrics, logger *zap.Logger) *CheckService {
	notifier := NewProgressNotifier(cfg.NotifierBufferEvents, logger)
	workers := cfg.MaxConcurrentChecks
	if workers <= 0 {
		workers = 4
	}
	return &CheckService{
		Config:    cfg,
		Store:     store,
		Corpus:    corpus,
		Logger:    logger,
		Notifier:  notifier,
		segmenter: NewSentenceSegmenter(cfg.MinSentenceLength, logger),
		retriever: NewLocalRetriever(cfg.RetrievalThreshold, cfg.MaxEvidencePerSentence, cfg.MinParagraphLength),
		verifier:  NewClaimVerifier(judge, cfg.VerifiedThreshold, logger),
		validator: NewStructuralValidator(cfg.MetadataTitleThreshold, cfg.SimilarityThreshold, cfg.PlagiarismThreshold, logger),
		assembler: NewIssueAssembler(logger),
		loader:    NewCorpusLoader(corpus, logger),
		web:       web,
		archiver:  archiver,
		metrics:   metrics,
		semaphore: make(chan struct{}, workers),
		cancels:   make(map[string]context.CancelFunc),
	}
}

// ContentHash berechnet SHA-256 über die UTF-8-Bytes des Manuskripts,
// hex-kodiert. Reiner Cache-Schlüssel, kein Security-Token.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Submit validiert die Einreichung, bedient sie ggf. aus dem Cache und
// startet andernfalls einen neuen Job asynchron.
func (s *CheckService) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if req.ProjectID == "" || req.DocumentID == "" {
		return nil, fmt.Errorf("project_id and document_id are required")
	}
	if req.Content == "" {
		return nil, fmt.Errorf("manuscript content must not be empty")
	}

	hash := ContentHash(req.Content)
	log := s.Logger.With(zap.String("document_id", req.DocumentID), zap.String("content_hash", hash[:12]))

	if !req.ForceRecheck {
		cached, err := s.Store.DoneCheckByDocumentAndHash(ctx, req.DocumentID, hash)
		if err != nil {
			return nil, err
		}
		if cached != nil {
			log.Info("Cache hit, reusing completed check", zap.String("check_id", cached.ID))
			return &SubmitResult{Check: cached, Cached: true}, nil
		}
	}

	// Invariante: höchstens ein DONE-Job pro Dokument. Alte abgeschlossene
	// Läufe weichen dem neuen Check.
	if err := s.Store.DeleteDoneChecksByDocument(ctx, req.DocumentID); err != nil {
		return nil, err
	}

	check := &models.CitationCheck{
		ID:          uuid.NewString(),
		ProjectID:   req.ProjectID,
		DocumentID:  req.DocumentID,
		Filename:    req.Filename,
		ContentHash: hash,
		Status:      models.CheckStatusQueued,
	}
	if err := s.Store.CreateCheck(ctx, check); err != nil {
		return nil, err
	}
	log.Info("Check queued", zap.String("check_id", check.ID))
	if s.metrics != nil && s.metrics.ChecksStarted != nil {
		s.metrics.ChecksStarted.Inc()
	}

	if s.archiver != nil {
		go s.archiveManuscript(check, req)
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancels[check.ID] = cancel
	s.mu.Unlock()

	go func() {
		s.semaphore <- struct{}{}
		defer func() { <-s.semaphore }()
		defer s.releaseCancel(check.ID)
		s.execute(jobCtx, check, req)
	}()

	queued := *check
	return &SubmitResult{Check: &queued}, nil
}

// execute fährt die Pipeline-Stufen sequentiell ab. Jeder nicht abgefangene
// Fehler terminiert den Job in ERROR; bis dahin produzierte Issues werden
// dann nicht persistiert.
func (s *CheckService) execute(ctx context.Context, check *models.CitationCheck, req SubmitRequest) {
	log := s.Logger.With(zap.String("check_id", check.ID), zap.String("document_id", check.DocumentID))
	defer func() {
		if r := recover(); r != nil {
			s.fail(check, fmt.Errorf("panic during check execution: %v", r), log)
		}
	}()

	// PARSING
	if err := s.advance(ctx, check, models.StepParsing); err != nil {
		s.handleAdvanceError(check, err, log)
		return
	}
	sentences := s.segmenter.Segment(req.Content)
	bibliography := ParseBibliography(req.Content)
	log.Info("Manuscript parsed",
		zap.Int("sentences", len(sentences)),
		zap.Int("bib_entries", len(bibliography)))

	// LOCAL_RETRIEVAL
	if err := s.advance(ctx, check, models.StepLocalRetrieval); err != nil {
		s.handleAdvanceError(check, err, log)
		return
	}
	paperIDs := req.PaperIDs
	if len(paperIDs) == 0 {
		ids, err := s.Corpus.CitationContextPaperIDs(ctx)
		if err != nil {
			log.Warn("Could not list citation-context papers, running without corpus", zap.Error(err))
		}
		paperIDs = ids
	}
	paragraphs, references := s.loader.Load(ctx, paperIDs)
	papersMeta, err := s.Corpus.PapersByIDs(ctx, paperIDs)
	if err != nil {
		log.Warn("Could not load paper metadata", zap.Error(err))
		papersMeta = map[string]models.CorpusPaper{}
	}

	var issues []models.CitationIssue
	collect := func(batch ...models.CitationIssue) {
		batch = s.assembler.Finalize(check, batch)
		for i := range batch {
			issues = append(issues, batch[i])
			s.Notifier.Publish(Event{Type: EventIssue, CheckID: check.ID, Issue: &batch[i]})
			if s.metrics != nil && s.metrics.IssuesFound != nil {
				s.metrics.IssuesFound.Inc()
			}
		}
	}

	for _, sentence := range sentences {
		if ctx.Err() != nil {
			s.handleAdvanceError(check, errCheckCancelled, log)
			return
		}
		candidates := s.retriever.Retrieve(sentence, paragraphs)
		evaluated := s.verifier.VerifyCandidates(ctx, sentence, candidates)
		issueType, severity, verified := s.verifier.AssessSentence(sentence, evaluated)
		if issueType == "" {
			continue
		}
		collect(s.assembler.BuildVerificationIssue(sentence, issueType, severity, verified, papersMeta))
	}

	// Die vier strukturellen Prüfungen laufen unabhängig von der
	// KI-Verifikation über das ganze Dokument
	if ctx.Err() != nil {
		s.handleAdvanceError(check, errCheckCancelled, log)
		return
	}
	collect(s.validator.ValidateOrphanReferences(bibliography, sentences)...)
	collect(s.validator.ValidateDanglingCitations(bibliography, sentences)...)
	collect(s.validator.ValidateMetadata(bibliography, references)...)
	collect(s.validator.DetectPlagiarism(sentences, paragraphs, req.SimilarityThreshold, req.PlagiarismThreshold)...)

	// WEB_RETRIEVAL
	if err := s.advance(ctx, check, models.StepWebRetrieval); err != nil {
		s.handleAdvanceError(check, err, log)
		return
	}
	if req.IncludeWebVerification && s.web != nil {
		collect(s.verifyBibliographyOnline(ctx, bibliography, references, log)...)
	}

	// SAVING
	if err := s.advance(ctx, check, models.StepSaving); err != nil {
		s.handleAdvanceError(check, err, log)
		return
	}
	if err := s.Store.SaveIssues(ctx, issues); err != nil {
		s.fail(check, fmt.Errorf("persisting issues: %w", err), log)
		return
	}

	summary := s.assembler.Summarize(issues)
	check.SetSummary(summary)
	check.Status = models.CheckStatusDone
	check.Step = models.StepDone
	check.Progress = models.StepProgress[models.StepDone]
	if err := s.Store.UpdateCheck(context.Background(), check); err != nil {
		if errors.Is(err, ErrCheckFinalized) {
			// Ein später Cancel hat ERROR persistiert und das Terminal-Event
			// geschickt; der fertige Lauf wird verworfen.
			log.Info("Check cancelled during finalization, dropping completion")
			return
		}
		s.fail(check, fmt.Errorf("finalizing check: %w", err), log)
		return
	}

	s.Notifier.PublishStatus(check.ID, check.Status, check.Step, check.Progress)
	s.Notifier.Publish(Event{Type: EventSummary, CheckID: check.ID, Summary: &summary})
	s.Notifier.Publish(Event{Type: EventComplete, CheckID: check.ID, Status: check.Status})
	if s.metrics != nil && s.metrics.ChecksCompleted != nil {
		s.metrics.ChecksCompleted.Inc()
	}
	log.Info("Check completed",
		zap.Int("issues", summary.Total),
		zap.Int("high", summary.High),
		zap.Int("medium", summary.Medium),
		zap.Int("low", summary.Low))
}

// advance prüft auf Abbruch und schiebt den Job auf den nächsten Schritt.
func (s *CheckService) advance(ctx context.Context, check *models.CitationCheck, step string) error {
	if ctx.Err() != nil {
		return errCheckCancelled
	}
	check.Status = models.CheckStatusRunning
	check.Step = step
	check.Progress = models.StepProgress[step]
	if err := s.Store.UpdateCheck(ctx, check); err != nil {
		if errors.Is(err, ErrCheckFinalized) {
			// Cancel hat das Rennen gewonnen; der Store hat unseren
			// RUNNING-Übergang verworfen.
			return errCheckCancelled
		}
		return err
	}
	s.Notifier.PublishStatus(check.ID, check.Status, check.Step, check.Progress)
	return nil
}

func (s *CheckService) handleAdvanceError(check *models.CitationCheck, err error, log *zap.Logger) {
	if errors.Is(err, errCheckCancelled) {
		// Normalerweise hat Cancel den Job schon in ERROR überführt und
		// das Error-Event geschickt; der Store weist den Übergang dann ab.
		// Falls nicht, holt dieser Pfad beides nach, damit ein abgebrochener
		// Job nie in RUNNING hängen bleibt.
		check.Status = models.CheckStatusError
		check.ErrorMessage = "check cancelled"
		updateErr := s.Store.UpdateCheck(context.Background(), check)
		if errors.Is(updateErr, ErrCheckFinalized) {
			log.Info("Check cancelled, no further stage transitions")
			return
		}
		if updateErr != nil {
			log.Error("Could not persist cancelled check state", zap.Error(updateErr))
			return
		}
		s.Notifier.Publish(Event{Type: EventError, CheckID: check.ID, Status: check.Status, Error: check.ErrorMessage})
		if s.metrics != nil && s.metrics.ChecksFailed != nil {
			s.metrics.ChecksFailed.Inc()
		}
		log.Info("Check cancelled")
		return
	}
	s.fail(check, err, log)
}

// fail überführt den Job in den terminalen ERROR-Zustand.
func (s *CheckService) fail(check *models.CitationCheck, err error, log *zap.Logger) {
	check.Status = models.CheckStatusError
	check.ErrorMessage = err.Error()
	if updateErr := s.Store.UpdateCheck(context.Background(), check); updateErr != nil {
		if errors.Is(updateErr, ErrCheckFinalized) {
			// Anderweitig schon terminal; kein zweites Terminal-Event.
			log.Info("Check already terminal, dropping failure transition", zap.Error(err))
			return
		}
		log.Error("Could not persist failed check state", zap.Error(updateErr))
	}
	log.Error("Check failed", zap.Error(err))
	s.Notifier.Publish(Event{Type: EventError, CheckID: check.ID, Status: check.Status, Error: err.Error()})
	if s.metrics != nil && s.metrics.ChecksFailed != nil {
		s.metrics.ChecksFailed.Inc()
	}
}

// Cancel bricht einen laufenden oder wartenden Job kooperativ ab.
// No-op, wenn der Job bereits terminal ist.
func (s *CheckService) Cancel(ctx context.Context, checkID string) (*models.CitationCheck, error) {
	check, err := s.Store.CheckByID(ctx, checkID)
	if err != nil {
		return nil, err
	}
	if check == nil {
		return nil, fmt.Errorf("check %s not found", checkID)
	}
	if check.Terminal() {
		return check, nil
	}

	check.Status = models.CheckStatusError
	check.ErrorMessage = "cancelled by caller"
	if err := s.Store.UpdateCheck(ctx, check); err != nil {
		if errors.Is(err, ErrCheckFinalized) {
			// Der Job wurde zwischenzeitlich anderweitig terminal;
			// nichts mehr abzubrechen.
			return s.Store.CheckByID(ctx, checkID)
		}
		return nil, err
	}

	s.mu.Lock()
	if cancel, ok := s.cancels[checkID]; ok {
		cancel()
	}
	s.mu.Unlock()

	s.Notifier.Publish(Event{Type: EventError, CheckID: check.ID, Status: check.Status, Error: check.ErrorMessage})
	s.Logger.Info("Check cancelled", zap.String("check_id", checkID))
	return check, nil
}

// CheckWithIssues lädt den Job samt Issues und Evidence.
func (s *CheckService) CheckWithIssues(ctx context.Context, checkID string) (*models.CitationCheck, error) {
	check, err := s.Store.CheckByID(ctx, checkID)
	if err != nil || check == nil {
		return check, err
	}
	issues, err := s.Store.IssuesByCheck(ctx, checkID)
	if err != nil {
		return nil, err
	}
	check.Issues = issues
	return check, nil
}

// LatestByDocument lädt den jüngsten Job eines Dokuments samt Issues.
func (s *CheckService) LatestByDocument(ctx context.Context, documentID string) (*models.CitationCheck, error) {
	check, err := s.Store.LatestCheckByDocument(ctx, documentID)
	if err != nil || check == nil {
		return check, err
	}
	return s.CheckWithIssues(ctx, check.ID)
}

// ResolveIssue setzt das Resolved-Flag eines Issues (idempotent).
func (s *CheckService) ResolveIssue(ctx context.Context, issueID string, resolved bool) error {
	return s.Store.SetIssueResolved(ctx, issueID, resolved)
}

// SweepStale markiert hängengebliebene Jobs als ERROR, damit kein Job
// dauerhaft in QUEUED/RUNNING stehen bleibt (z.B. nach einem Neustart).
func (s *CheckService) SweepStale(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-time.Duration(s.Config.StaleCheckMinutes) * time.Minute)
	n, err := s.Store.FailStaleChecks(ctx, cutoff, "check timed out")
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.Logger.Warn("Swept stale checks into ERROR", zap.Int64("count", n))
	}
	return n, nil
}

// verifyBibliographyOnline gleicht Einträge ohne lokalen Korpus-Treffer
// gegen Crossref ab. Fehler einzelner Anfragen werden geloggt und der
// Eintrag übersprungen.
func (s *CheckService) verifyBibliographyOnline(ctx context.Context, bib []BibEntry, references map[string][]models.CorpusReference, log *zap.Logger) []models.CitationIssue {
	var issues []models.CitationIssue
	for _, entry := range bib {
		if ctx.Err() != nil {
			return issues
		}
		if s.hasLocalReferenceMatch(entry, references) {
			continue
		}

		works, err := s.web.SearchByTitle(truncate(entry.Raw, 120), 3)
		if err != nil {
			log.Warn("Crossref lookup failed, skipping entry",
				zap.String("bib_key", entry.Key), zap.Error(err))
			continue
		}

		entryTokens := tokenSet(entry.Raw)
		for _, work := range works {
			if titleMatchScore(work.Title, entryTokens) <= s.Config.MetadataTitleThreshold {
				continue
			}
			yearMismatch := entry.Year != 0 && work.Year != 0 && entry.Year != work.Year
			doiMismatch := entry.DOI != "" && work.DOI != "" && !strings.EqualFold(entry.DOI, work.DOI)
			if !yearMismatch && !doiMismatch {
				break
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
				Rationale: fmt.Sprintf("Crossref record %q (year %d, doi %s) disagrees with this entry.", work.Title, work.Year, work.DOI),
			}})
			issue.Evidence = []models.CitationEvidence{{
				SourceKind:  models.EvidenceKindWeb,
				MatchedText: work.Title,
			}}
			issues = append(issues, issue)
			break
		}
	}
	return issues
}

func (s *CheckService) hasLocalReferenceMatch(entry BibEntry, references map[string][]models.CorpusReference) bool {
	entryTokens := tokenSet(entry.Raw)
	for _, refs := range references {
		for _, ref := range refs {
			if titleMatchScore(ref.Title, entryTokens) > s.Config.MetadataTitleThreshold {
				return true
			}
		}
	}
	return false
}

func (s *CheckService) archiveManuscript(check *models.CitationCheck, req SubmitRequest) {
	ctx, cancelArchive := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelArchive()

	key := check.ID + ".tex"
	link, err := s.archiver.Archive(ctx, key, []byte(req.Content))
	if err != nil {
		s.Logger.Warn("Manuscript archive upload failed",
			zap.String("check_id", check.ID), zap.Error(err))
		return
	}
	s.Logger.Info("Manuscript snapshot archived",
		zap.String("check_id", check.ID), zap.String("link", link))
}

func (s *CheckService) releaseCancel(checkID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancels, checkID)
}
