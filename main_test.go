package main

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cite-hand/config"
	"cite-hand/models"
	"cite-hand/services"
)

// scriptedCheckStore beantwortet CheckByID der Reihe nach mit vorbereiteten
// Zuständen; der letzte Zustand wiederholt sich. Alle anderen Methoden sind
// Leerimplementierungen, der Stream-Handler braucht sie nicht.
type scriptedCheckStore struct {
	mu   sync.Mutex
	byID []models.CitationCheck
}

func (s *scriptedCheckStore) CheckByID(ctx context.Context, id string) (*models.CitationCheck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.byID) == 0 {
		return nil, nil
	}
	check := s.byID[0]
	if len(s.byID) > 1 {
		s.byID = s.byID[1:]
	}
	return &check, nil
}

func (s *scriptedCheckStore) CreateCheck(ctx context.Context, check *models.CitationCheck) error {
	return nil
}
func (s *scriptedCheckStore) UpdateCheck(ctx context.Context, check *models.CitationCheck) error {
	return nil
}
func (s *scriptedCheckStore) DoneCheckByDocumentAndHash(ctx context.Context, documentID, contentHash string) (*models.CitationCheck, error) {
	return nil, nil
}
func (s *scriptedCheckStore) LatestCheckByDocument(ctx context.Context, documentID string) (*models.CitationCheck, error) {
	return nil, nil
}
func (s *scriptedCheckStore) ChecksByProject(ctx context.Context, projectID string) ([]models.CitationCheck, error) {
	return nil, nil
}
func (s *scriptedCheckStore) DeleteDoneChecksByDocument(ctx context.Context, documentID string) error {
	return nil
}
func (s *scriptedCheckStore) SaveIssues(ctx context.Context, issues []models.CitationIssue) error {
	return nil
}
func (s *scriptedCheckStore) IssuesByCheck(ctx context.Context, checkID string) ([]models.CitationIssue, error) {
	return nil, nil
}
func (s *scriptedCheckStore) SetIssueResolved(ctx context.Context, issueID string, resolved bool) error {
	return nil
}
func (s *scriptedCheckStore) FailStaleChecks(ctx context.Context, olderThan time.Time, message string) (int64, error) {
	return 0, nil
}

func (s *scriptedCheckStore) ParagraphsByPaper(ctx context.Context, paperID string) ([]models.CorpusParagraph, error) {
	return nil, nil
}
func (s *scriptedCheckStore) ReferencesByPaper(ctx context.Context, paperID string) ([]models.CorpusReference, error) {
	return nil, nil
}
func (s *scriptedCheckStore) CitationContextPaperIDs(ctx context.Context) ([]string, error) {
	return nil, nil
}
func (s *scriptedCheckStore) PapersByIDs(ctx context.Context, ids []string) (map[string]models.CorpusPaper, error) {
	return map[string]models.CorpusPaper{}, nil
}

func newStreamTestServer(t *testing.T, store *scriptedCheckStore) (*httptest.Server, *services.CheckService) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{MaxConcurrentChecks: 1, NotifierBufferEvents: 16}
	svc := services.NewCheckService(cfg, store, store, nil, nil, nil, nil, zap.NewNop())
	router := gin.New()
	setupStreamRoutes(router, svc, zap.NewNop())
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server, svc
}

func dialStream(t *testing.T, server *httptest.Server, checkID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/checks/" + checkID + "/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	return conn
}

func TestStreamReplaysCompletionReachedDuringSetup(t *testing.T) {
	running := models.CitationCheck{
		ID:       "chk-1",
		Status:   models.CheckStatusRunning,
		Step:     models.StepLocalRetrieval,
		Progress: models.StepProgress[models.StepLocalRetrieval],
	}
	done := running
	done.Status = models.CheckStatusDone
	done.Step = models.StepDone
	done.Progress = models.StepProgress[models.StepDone]

	// Erster Load sieht den Job noch laufen, der Reload nach dem Subscribe
	// sieht ihn fertig. Der Stream muss den Abschluss trotzdem liefern und
	// enden, statt auf ein Event zu warten, das nie kommt.
	store := &scriptedCheckStore{byID: []models.CitationCheck{running, done}}
	server, _ := newStreamTestServer(t, store)
	conn := dialStream(t, server, "chk-1")

	var snapshot services.Event
	require.NoError(t, conn.ReadJSON(&snapshot))
	assert.Equal(t, services.EventStatus, snapshot.Type)
	assert.Equal(t, models.CheckStatusDone, snapshot.Status)

	var final services.Event
	require.NoError(t, conn.ReadJSON(&final))
	assert.Equal(t, services.EventComplete, final.Type)
	assert.Equal(t, "chk-1", final.CheckID)

	// Danach beendet der Server die Verbindung
	var extra services.Event
	assert.Error(t, conn.ReadJSON(&extra))
}

func TestStreamDetachesWhenClientDisconnects(t *testing.T) {
	running := models.CitationCheck{
		ID:       "chk-2",
		Status:   models.CheckStatusRunning,
		Step:     models.StepLocalRetrieval,
		Progress: models.StepProgress[models.StepLocalRetrieval],
	}
	store := &scriptedCheckStore{byID: []models.CitationCheck{running}}
	server, svc := newStreamTestServer(t, store)
	conn := dialStream(t, server, "chk-2")

	var snapshot services.Event
	require.NoError(t, conn.ReadJSON(&snapshot))
	assert.Equal(t, models.CheckStatusRunning, snapshot.Status)
	require.Eventually(t, func() bool {
		return svc.Notifier.ListenerCount("chk-2") == 1
	}, 2*time.Second, 20*time.Millisecond)

	// Client trennt: der Handler muss seinen Listener abmelden, auch wenn
	// der Job nie ein weiteres Event produziert
	conn.Close()
	require.Eventually(t, func() bool {
		return svc.Notifier.ListenerCount("chk-2") == 0
	}, 2*time.Second, 20*time.Millisecond)
}
