package crossref

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"cite-hand/config"
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

// Work ist ein Treffer aus der Crossref-Works-API, reduziert auf die Felder,
// die der Metadaten-Abgleich braucht.
type Work struct {
	Title string
	DOI   string
	Year  int
}

// response repräsentiert die JSON-Antwort der Crossref-API.
type response struct {
	Message struct {
		Items []struct {
			Title  []string `json:"title"`
			DOI    string   `json:"DOI"`
			Issued struct {
				DateParts [][]int `json:"date-parts"`
			} `json:"issued"`
		} `json:"items"`
	} `json:"message"`
}

// Fetcher kapselt die Logik für Crossref.
type Fetcher struct {
	Config *config.Config
	Logger *zap.Logger
}

// NewFetcher erstellt einen neuen Crossref-Fetcher.
func NewFetcher(cfg *config.Config, logger *zap.Logger) *Fetcher {
	return &Fetcher{Config: cfg, Logger: logger}
}

// SearchByTitle sucht Werke über eine bibliographische Titel-Query.
func (f *Fetcher) SearchByTitle(title string, rows int) ([]Work, error) {
	if rows <= 0 {
		rows = 3
	}
	q := url.Values{}
	q.Set("query.title", title)
	q.Set("rows", fmt.Sprintf("%d", rows))
	if f.Config.CrossrefMailto != "" {
		q.Set("mailto", f.Config.CrossrefMailto)
	}
	reqURL := fmt.Sprintf("%s/works?%s", f.Config.CrossrefBaseURL, q.Encode())

	log := f.Logger.With(zap.String("title", title))
	log.Debug("Rufe Crossref API auf.", zap.String("url", reqURL))

	resp, err := httpClient.Get(reqURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("crossref request failed with status: %d", resp.StatusCode)
	}

	var cr response
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, err
	}

	works := make([]Work, 0, len(cr.Message.Items))
	for _, item := range cr.Message.Items {
		w := Work{DOI: item.DOI}
		if len(item.Title) > 0 {
			w.Title = item.Title[0]
		}
		if len(item.Issued.DateParts) > 0 && len(item.Issued.DateParts[0]) > 0 {
			w.Year = item.Issued.DateParts[0][0]
		}
		works = append(works, w)
	}

	log.Debug("Crossref-Antwort verarbeitet", zap.Int("works", len(works)))
	return works, nil
}
