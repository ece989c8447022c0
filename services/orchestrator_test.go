package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"cite-hand/config"
	"cite-hand/models"
)

// memoryStore ist eine In-Memory-Implementierung von CheckStore und
// CorpusStore für Tests ohne Datenbank.
type memoryStore struct {
	mu         sync.Mutex
	checks     map[string]models.CitationCheck
	issues     map[string][]models.CitationIssue
	papers     map[string]models.CorpusPaper
	paragraphs map[string][]models.CorpusParagraph
	references map[string][]models.CorpusReference
	contextIDs []string

	statusHistory map[string][]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		checks:        make(map[string]models.CitationCheck),
		issues:        make(map[string][]models.CitationIssue),
		papers:        make(map[string]models.CorpusPaper),
		paragraphs:    make(map[string][]models.CorpusParagraph),
		references:    make(map[string][]models.CorpusReference),
		statusHistory: make(map[string][]string),
	}
}

func (m *memoryStore) CreateCheck(ctx context.Context, check *models.CitationCheck) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	check.CreatedAt = time.Now()
	check.UpdatedAt = check.CreatedAt
	m.checks[check.ID] = *check
	m.statusHistory[check.ID] = append(m.statusHistory[check.ID], check.Status)
	return nil
}

func (m *memoryStore) UpdateCheck(ctx context.Context, check *models.CitationCheck) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.checks[check.ID]
	if !ok || stored.Terminal() {
		return ErrCheckFinalized
	}
	check.UpdatedAt = time.Now()
	m.checks[check.ID] = *check
	m.statusHistory[check.ID] = append(m.statusHistory[check.ID], check.Status)
	return nil
}

func (m *memoryStore) CheckByID(ctx context.Context, id string) (*models.CitationCheck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if check, ok := m.checks[id]; ok {
		c := check
		return &c, nil
	}
	return nil, nil
}

func (m *memoryStore) DoneCheckByDocumentAndHash(ctx context.Context, documentID, contentHash string) (*models.CitationCheck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, check := range m.checks {
		if check.DocumentID == documentID && check.ContentHash == contentHash && check.Status == models.CheckStatusDone {
			c := check
			return &c, nil
		}
	}
	return nil, nil
}

func (m *memoryStore) LatestCheckByDocument(ctx context.Context, documentID string) (*models.CitationCheck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.CitationCheck
	for _, check := range m.checks {
		if check.DocumentID != documentID {
			continue
		}
		c := check
		if latest == nil || c.CreatedAt.After(latest.CreatedAt) {
			latest = &c
		}
	}
	return latest, nil
}

func (m *memoryStore) ChecksByProject(ctx context.Context, projectID string) ([]models.CitationCheck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []models.CitationCheck
	for _, check := range m.checks {
		if check.ProjectID == projectID {
			result = append(result, check)
		}
	}
	return result, nil
}

func (m *memoryStore) DeleteDoneChecksByDocument(ctx context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, check := range m.checks {
		if check.DocumentID == documentID && check.Status == models.CheckStatusDone {
			delete(m.checks, id)
			delete(m.issues, id)
		}
	}
	return nil
}

func (m *memoryStore) SaveIssues(ctx context.Context, issues []models.CitationIssue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, issue := range issues {
		m.issues[issue.CheckID] = append(m.issues[issue.CheckID], issue)
	}
	return nil
}

func (m *memoryStore) IssuesByCheck(ctx context.Context, checkID string) ([]models.CitationIssue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.CitationIssue(nil), m.issues[checkID]...), nil
}

func (m *memoryStore) SetIssueResolved(ctx context.Context, issueID string, resolved bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for checkID, issues := range m.issues {
		for i := range issues {
			if issues[i].ID == issueID {
				issues[i].Resolved = resolved
				m.issues[checkID] = issues
				return nil
			}
		}
	}
	return gorm.ErrRecordNotFound
}

func (m *memoryStore) FailStaleChecks(ctx context.Context, olderThan time.Time, message string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, check := range m.checks {
		if (check.Status == models.CheckStatusQueued || check.Status == models.CheckStatusRunning) && check.UpdatedAt.Before(olderThan) {
			check.Status = models.CheckStatusError
			check.ErrorMessage = message
			m.checks[id] = check
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) ParagraphsByPaper(ctx context.Context, paperID string) ([]models.CorpusParagraph, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paragraphs[paperID], nil
}

func (m *memoryStore) ReferencesByPaper(ctx context.Context, paperID string) ([]models.CorpusReference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.references[paperID], nil
}

func (m *memoryStore) CitationContextPaperIDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.contextIDs, nil
}

func (m *memoryStore) PapersByIDs(ctx context.Context, ids []string) (map[string]models.CorpusPaper, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make(map[string]models.CorpusPaper)
	for _, id := range ids {
		if p, ok := m.papers[id]; ok {
			result[id] = p
		}
	}
	return result, nil
}

func (m *memoryStore) history(checkID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.statusHistory[checkID]...)
}

func testConfig() *config.Config {
	return &config.Config{
		RetrievalThreshold:     0.3,
		VerifiedThreshold:      0.6,
		SimilarityThreshold:    0.85,
		PlagiarismThreshold:    0.92,
		MetadataTitleThreshold: 0.7,
		MaxEvidencePerSentence: 5,
		MinParagraphLength:     50,
		MinSentenceLength:      10,
		MaxConcurrentChecks:    2,
		StaleCheckMinutes:      30,
		NotifierBufferEvents:   64,
	}
}

const testManuscript = `Previous research shows that curcumin reduces inflammation markers significantly \cite{smith2020}.
This line is purely descriptive filler text with no claims at all.
\begin{thebibliography}{9}
\bibitem{smith2020} Smith, J. (2020). Curcumin and inflammation.
\bibitem{unused2019} Unused, A. (2019). Never cited entry about something.
\end{thebibliography}
`

func seedCorpus(store *memoryStore) {
	store.papers["p1"] = models.CorpusPaper{
		ID: "p1", Title: "Curcumin trials", Authors: "Jane Smith", Year: 2020,
	}
	store.paragraphs["p1"] = []models.CorpusParagraph{{
		PaperID: "p1",
		Page:    2,
		Text:    "Previous research shows that curcumin reduces inflammation markers significantly in trials",
	}}
	store.contextIDs = []string{"p1"}
}

func waitForStatus(t *testing.T, store *memoryStore, checkID, status string) models.CitationCheck {
	t.Helper()
	var check models.CitationCheck
	require.Eventually(t, func() bool {
		c, _ := store.CheckByID(context.Background(), checkID)
		if c == nil {
			return false
		}
		check = *c
		return c.Status == status
	}, 3*time.Second, 10*time.Millisecond)
	return check
}

func TestSubmitRunsToCompletion(t *testing.T) {
	store := newMemoryStore()
	seedCorpus(store)
	judge := &scriptedJudge{response: `{"decision": "supports", "confidence": 0.9, "rationale": "paragraph states it"}`}
	svc := NewCheckService(testConfig(), store, store, judge, nil, nil, nil, zap.NewNop())

	result, err := svc.Submit(context.Background(), SubmitRequest{
		ProjectID:  "proj-1",
		DocumentID: "doc-1",
		Content:    testManuscript,
		Filename:   "paper.tex",
	})
	require.NoError(t, err)
	assert.False(t, result.Cached)
	assert.Equal(t, models.CheckStatusQueued, result.Check.Status)

	check := waitForStatus(t, store, result.Check.ID, models.CheckStatusDone)
	assert.Equal(t, models.StepDone, check.Step)
	assert.Equal(t, 100, check.Progress)
	assert.Greater(t, judge.callCount(), 0)

	// Der zitierte Satz ist durch das supports-Urteil gedeckt; übrig bleibt
	// der nie zitierte Bibliographie-Eintrag
	issues, err := store.IssuesByCheck(context.Background(), check.ID)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, models.IssueOrphanReference, issues[0].Type)
	assert.Equal(t, []string{"unused2019"}, issues[0].CitedKeyList())

	summary := check.SummaryCounts()
	require.NotNil(t, summary)
	assert.Equal(t, 1, summary.Total)
	assert.Equal(t, 1, summary.Medium)
}

func TestSubmitValidatesInput(t *testing.T) {
	store := newMemoryStore()
	svc := NewCheckService(testConfig(), store, store, &scriptedJudge{}, nil, nil, nil, zap.NewNop())

	_, err := svc.Submit(context.Background(), SubmitRequest{DocumentID: "d", Content: "x"})
	assert.Error(t, err)
	_, err = svc.Submit(context.Background(), SubmitRequest{ProjectID: "p", Content: "x"})
	assert.Error(t, err)
	_, err = svc.Submit(context.Background(), SubmitRequest{ProjectID: "p", DocumentID: "d"})
	assert.Error(t, err)
	assert.Empty(t, store.checks)
}

func TestSubmitReturnsCachedResult(t *testing.T) {
	store := newMemoryStore()
	seedCorpus(store)
	judge := &scriptedJudge{response: `{"decision": "supports", "confidence": 0.9}`}
	svc := NewCheckService(testConfig(), store, store, judge, nil, nil, nil, zap.NewNop())

	req := SubmitRequest{ProjectID: "proj-1", DocumentID: "doc-1", Content: testManuscript}
	first, err := svc.Submit(context.Background(), req)
	require.NoError(t, err)
	waitForStatus(t, store, first.Check.ID, models.CheckStatusDone)
	callsAfterFirst := judge.callCount()

	second, err := svc.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Check.ID, second.Check.ID)
	assert.Equal(t, models.CheckStatusDone, second.Check.Status)
	// Cache-Treffer führt keinen einzigen Pipeline-Schritt aus
	assert.Equal(t, callsAfterFirst, judge.callCount())
}

func TestForceRecheckRetiresOldDoneJob(t *testing.T) {
	store := newMemoryStore()
	seedCorpus(store)
	judge := &scriptedJudge{response: `{"decision": "supports", "confidence": 0.9}`}
	svc := NewCheckService(testConfig(), store, store, judge, nil, nil, nil, zap.NewNop())

	req := SubmitRequest{ProjectID: "proj-1", DocumentID: "doc-1", Content: testManuscript}
	first, err := svc.Submit(context.Background(), req)
	require.NoError(t, err)
	waitForStatus(t, store, first.Check.ID, models.CheckStatusDone)

	req.ForceRecheck = true
	second, err := svc.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, second.Cached)
	assert.NotEqual(t, first.Check.ID, second.Check.ID)
	waitForStatus(t, store, second.Check.ID, models.CheckStatusDone)

	// Invariante: höchstens ein DONE-Job pro Dokument
	done := 0
	for _, check := range store.checks {
		if check.DocumentID == "doc-1" && check.Status == models.CheckStatusDone {
			done++
		}
	}
	assert.Equal(t, 1, done)
	old, _ := store.CheckByID(context.Background(), first.Check.ID)
	assert.Nil(t, old)
}

// blockingJudge hält jeden Call an, bis das Gate geöffnet wird.
type blockingJudge struct {
	gate    chan struct{}
	entered chan struct{}
	once    sync.Once
}

func (j *blockingJudge) Complete(ctx context.Context, prompt string) (string, error) {
	j.once.Do(func() { close(j.entered) })
	select {
	case <-j.gate:
	case <-ctx.Done():
	}
	return "", ctx.Err()
}

func (j *blockingJudge) Name() string { return "blocking" }

func TestCancelRunningCheck(t *testing.T) {
	store := newMemoryStore()
	seedCorpus(store)
	judge := &blockingJudge{gate: make(chan struct{}), entered: make(chan struct{})}
	svc := NewCheckService(testConfig(), store, store, judge, nil, nil, nil, zap.NewNop())

	result, err := svc.Submit(context.Background(), SubmitRequest{
		ProjectID: "proj-1", DocumentID: "doc-1", Content: testManuscript,
	})
	require.NoError(t, err)

	// Warten bis der Job wirklich im Judge-Call steckt
	select {
	case <-judge.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("check never reached the judge")
	}

	cancelled, err := svc.Cancel(context.Background(), result.Check.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CheckStatusError, cancelled.Status)
	assert.Equal(t, "cancelled by caller", cancelled.ErrorMessage)
	close(judge.gate)

	// Der Lauf bricht ab: keine Issues, Status bleibt ERROR
	time.Sleep(100 * time.Millisecond)
	check, _ := store.CheckByID(context.Background(), result.Check.ID)
	require.NotNil(t, check)
	assert.Equal(t, models.CheckStatusError, check.Status)
	issues, _ := store.IssuesByCheck(context.Background(), check.ID)
	assert.Empty(t, issues)

	// Cancel auf terminalem Job ist ein No-op
	again, err := svc.Cancel(context.Background(), result.Check.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CheckStatusError, again.Status)
}

func TestCancelUnknownCheck(t *testing.T) {
	store := newMemoryStore()
	svc := NewCheckService(testConfig(), store, store, &scriptedJudge{}, nil, nil, nil, zap.NewNop())
	_, err := svc.Cancel(context.Background(), "nope")
	assert.Error(t, err)
}

// gatedStore hält den ersten RUNNING-Übergang an, bis das Gate geöffnet
// wird. Damit lässt sich ein Stufen-Übergang erzwingen, der erst nach einem
// Cancel beim Store ankommt.
type gatedStore struct {
	*memoryStore
	held    chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedStore) UpdateCheck(ctx context.Context, check *models.CitationCheck) error {
	if check.Status == models.CheckStatusRunning {
		g.once.Do(func() {
			close(g.held)
			<-g.release
		})
	}
	return g.memoryStore.UpdateCheck(ctx, check)
}

func TestCancelSurvivesLateStageTransition(t *testing.T) {
	store := &gatedStore{
		memoryStore: newMemoryStore(),
		held:        make(chan struct{}),
		release:     make(chan struct{}),
	}
	seedCorpus(store.memoryStore)
	svc := NewCheckService(testConfig(), store, store, &scriptedJudge{}, nil, nil, nil, zap.NewNop())

	result, err := svc.Submit(context.Background(), SubmitRequest{
		ProjectID: "proj-1", DocumentID: "doc-1", Content: testManuscript,
	})
	require.NoError(t, err)

	// Warten bis der RUNNING-Übergang beim Store hängt
	select {
	case <-store.held:
	case <-time.After(3 * time.Second):
		t.Fatal("check never reached the gated store write")
	}

	cancelled, err := svc.Cancel(context.Background(), result.Check.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CheckStatusError, cancelled.Status)

	// Verspäteten RUNNING-Übergang durchlassen: er darf den Abbruch nicht
	// mehr überschreiben
	close(store.release)
	require.Never(t, func() bool {
		check, _ := store.CheckByID(context.Background(), result.Check.ID)
		return check == nil || check.Status != models.CheckStatusError
	}, 500*time.Millisecond, 25*time.Millisecond, "cancelled check must stay ERROR")

	check, _ := store.CheckByID(context.Background(), result.Check.ID)
	require.NotNil(t, check)
	assert.Equal(t, "cancelled by caller", check.ErrorMessage)
	assert.Equal(t, []string{models.CheckStatusQueued, models.CheckStatusError}, store.history(result.Check.ID))
}

// Die Bibliographie-Zeilen bleiben unter der Mindest-Satzlänge, damit das
// Manuskript genau einen prüfbaren Satz ergibt.
const singleClaimManuscript = `Previous research shows that curcumin reduces inflammation markers significantly \cite{smith2020}.
\begin{thebibliography}{9}
\bibitem{smith2020} Smith, J. (2020).
\bibitem{unused2019} Unused, A. (2019).
\end{thebibliography}
`

func TestCancelledContextSkipsStructuralValidators(t *testing.T) {
	store := newMemoryStore()
	seedCorpus(store)
	judge := &blockingJudge{gate: make(chan struct{}), entered: make(chan struct{})}
	svc := NewCheckService(testConfig(), store, store, judge, nil, nil, nil, zap.NewNop())

	result, err := svc.Submit(context.Background(), SubmitRequest{
		ProjectID: "proj-1", DocumentID: "doc-1", Content: singleClaimManuscript,
	})
	require.NoError(t, err)

	events, unsubscribe := svc.Notifier.Subscribe(result.Check.ID)
	defer unsubscribe()

	select {
	case <-judge.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("check never reached the judge")
	}

	// Job-Kontext direkt abbrechen, während der letzte Satz noch im
	// Judge-Call steckt. Die strukturellen Prüfungen danach müssen
	// übersprungen werden, der Job trotzdem in ERROR enden.
	svc.mu.Lock()
	cancel := svc.cancels[result.Check.ID]
	svc.mu.Unlock()
	require.NotNil(t, cancel)
	cancel()
	close(judge.gate)

	var sawOrphan bool
	var terminals int
	timeout := time.After(3 * time.Second)
drain:
	for {
		select {
		case event, ok := <-events:
			if !ok {
				break drain
			}
			if event.Type == EventIssue && event.Issue != nil && event.Issue.Type == models.IssueOrphanReference {
				sawOrphan = true
			}
			if event.Type == EventError || event.Type == EventComplete {
				terminals++
			}
		case <-timeout:
			t.Fatal("event stream never closed")
		}
	}

	assert.False(t, sawOrphan, "structural validators must not run after cancellation")
	assert.Equal(t, 1, terminals)

	check, _ := store.CheckByID(context.Background(), result.Check.ID)
	require.NotNil(t, check)
	assert.Equal(t, models.CheckStatusError, check.Status)
	assert.Equal(t, "check cancelled", check.ErrorMessage)
}

func TestTerminalTransitionIsUnique(t *testing.T) {
	store := newMemoryStore()
	seedCorpus(store)
	judge := &scriptedJudge{response: `{"decision": "supports", "confidence": 0.9}`}
	svc := NewCheckService(testConfig(), store, store, judge, nil, nil, nil, zap.NewNop())

	result, err := svc.Submit(context.Background(), SubmitRequest{
		ProjectID: "proj-1", DocumentID: "doc-1", Content: testManuscript,
	})
	require.NoError(t, err)
	waitForStatus(t, store, result.Check.ID, models.CheckStatusDone)

	history := store.history(result.Check.ID)
	terminal := 0
	for _, status := range history {
		if status == models.CheckStatusDone || status == models.CheckStatusError {
			terminal++
		}
	}
	assert.Equal(t, 1, terminal)
	assert.Equal(t, models.CheckStatusDone, history[len(history)-1])
}

func TestDanglingCitationProducesHighSeverityIssue(t *testing.T) {
	store := newMemoryStore()
	judge := &scriptedJudge{response: `{"decision": "not_enough_info", "confidence": 0.1}`}
	svc := NewCheckService(testConfig(), store, store, judge, nil, nil, nil, zap.NewNop())

	manuscript := `The compound is effective against several conditions \cite{foo}.
\begin{thebibliography}{9}
\bibitem{bar} Bar, B. (2020). An entry that is never cited.
\end{thebibliography}
`
	result, err := svc.Submit(context.Background(), SubmitRequest{
		ProjectID: "proj-1", DocumentID: "doc-2", Content: manuscript,
	})
	require.NoError(t, err)
	check := waitForStatus(t, store, result.Check.ID, models.CheckStatusDone)

	issues, _ := store.IssuesByCheck(context.Background(), check.ID)

	var dangling, orphan *models.CitationIssue
	for i := range issues {
		keys := issues[i].CitedKeyList()
		if issues[i].Type == models.IssueMissingCitation && len(keys) == 1 && keys[0] == "foo" {
			dangling = &issues[i]
		}
		if issues[i].Type == models.IssueOrphanReference {
			orphan = &issues[i]
		}
	}
	require.NotNil(t, dangling)
	assert.Equal(t, models.SeverityHigh, dangling.Severity)
	require.NotNil(t, orphan)
	assert.Equal(t, models.SeverityMedium, orphan.Severity)
	assert.Equal(t, []string{"bar"}, orphan.CitedKeyList())
}

func TestSweepStaleChecks(t *testing.T) {
	store := newMemoryStore()
	svc := NewCheckService(testConfig(), store, store, &scriptedJudge{}, nil, nil, nil, zap.NewNop())

	stale := models.CitationCheck{
		ID: "stale-1", ProjectID: "p", DocumentID: "d", Status: models.CheckStatusRunning,
	}
	store.mu.Lock()
	stale.UpdatedAt = time.Now().Add(-2 * time.Hour)
	store.checks[stale.ID] = stale
	store.mu.Unlock()

	n, err := svc.SweepStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	check, _ := store.CheckByID(context.Background(), "stale-1")
	require.NotNil(t, check)
	assert.Equal(t, models.CheckStatusError, check.Status)
	assert.Equal(t, "check timed out", check.ErrorMessage)
}

func TestContentHash(t *testing.T) {
	h1 := ContentHash("manuscript body")
	h2 := ContentHash("manuscript body")
	h3 := ContentHash("different body")

	assert.Len(t, h1, 64)
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
}

func TestResolveIssueRoundTrip(t *testing.T) {
	store := newMemoryStore()
	svc := NewCheckService(testConfig(), store, store, &scriptedJudge{}, nil, nil, nil, zap.NewNop())

	store.mu.Lock()
	store.issues["c1"] = []models.CitationIssue{{ID: "i1", CheckID: "c1"}}
	store.mu.Unlock()

	require.NoError(t, svc.ResolveIssue(context.Background(), "i1", true))
	issues, _ := store.IssuesByCheck(context.Background(), "c1")
	require.Len(t, issues, 1)
	assert.True(t, issues[0].Resolved)

	assert.Error(t, svc.ResolveIssue(context.Background(), "missing", true))
}
