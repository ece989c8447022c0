package services

import (
	"sync"

	"go.uber.org/zap"

	"cite-hand/models"
)

// Event-Typen des Progress-Streams
const (
	EventStatus   = "status"
	EventIssue    = "issue"
	EventSummary  = "summary"
	EventError    = "error"
	EventComplete = "complete"
)

// Event ist eine Fortschritts-Nachricht eines Check-Laufs.
type Event struct {
	Type    string `json:"type"`
	CheckID string `json:"check_id"`

	Status   string `json:"status,omitempty"`
	Step     string `json:"step,omitempty"`
	Progress int    `json:"progress,omitempty"`

	Issue   *models.CitationIssue `json:"issue,omitempty"`
	Summary *models.CheckSummary  `json:"summary,omitempty"`
	Error   string                `json:"error,omitempty"`
}

// ProgressNotifier ist der In-Memory-Fan-out pro Job: der Orchestrator
// schreibt, null oder mehr Subscriber lesen. Zustellung ist best-effort und
// blockiert den Job nie; volle Subscriber verlieren Events.
type ProgressNotifier struct {
	mu         sync.Mutex
	subs       map[string]map[int]chan Event
	nextID     int
	bufferSize int
	logger     *zap.Logger
}

// NewProgressNotifier erstellt einen Notifier mit der gegebenen Puffergröße.
func NewProgressNotifier(bufferSize int, logger *zap.Logger) *ProgressNotifier {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &ProgressNotifier{
		subs:       make(map[string]map[int]chan Event),
		bufferSize: bufferSize,
		logger:     logger,
	}
}

// Subscribe hängt einen Listener an eine Check-ID, vor oder während der
// Ausführung. Die zurückgegebene Funktion meldet den Listener wieder ab;
// nach einem terminalen Event wird der Kanal automatisch geschlossen.
func (n *ProgressNotifier) Subscribe(checkID string) (<-chan Event, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan Event, n.bufferSize)
	if n.subs[checkID] == nil {
		n.subs[checkID] = make(map[int]chan Event)
	}
	id := n.nextID
	n.nextID++
	n.subs[checkID][id] = ch

	unsubscribe := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if listeners, ok := n.subs[checkID]; ok {
			if c, ok := listeners[id]; ok {
				delete(listeners, id)
				close(c)
			}
			if len(listeners) == 0 {
				delete(n.subs, checkID)
			}
		}
	}
	return ch, unsubscribe
}

// Publish stellt ein Event an alle Listener der Check-ID zu. Terminale
// Events (complete/error) hängen die Listener anschließend automatisch ab.
func (n *ProgressNotifier) Publish(event Event) {
	n.mu.Lock()
	defer n.mu.Unlock()

	listeners := n.subs[event.CheckID]
	for id, ch := range listeners {
		select {
		case ch <- event:
		default:
			// Listener kommt nicht hinterher; Event verwerfen statt den
			// Job zu blockieren
			if n.logger != nil {
				n.logger.Warn("Dropping event for slow listener",
					zap.String("check_id", event.CheckID),
					zap.String("event_type", event.Type),
					zap.Int("listener", id))
			}
		}
	}

	if event.Type == EventComplete || event.Type == EventError {
		for _, ch := range listeners {
			close(ch)
		}
		delete(n.subs, event.CheckID)
	}
}

// PublishStatus ist die Kurzform für Status-Übergänge.
func (n *ProgressNotifier) PublishStatus(checkID, status, step string, progress int) {
	n.Publish(Event{
		Type:     EventStatus,
		CheckID:  checkID,
		Status:   status,
		Step:     step,
		Progress: progress,
	})
}

// ListenerCount liefert die Anzahl aktiver Listener für eine Check-ID.
func (n *ProgressNotifier) ListenerCount(checkID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs[checkID])
}
