package services

import (
	"sort"
	"strings"

	"cite-hand/models"
)

// EvidenceCandidate ist ein Korpus-Absatz mit lexikalischem Score in [0,1].
// Ephemer, lebt nur für die Dauer eines Laufs.
type EvidenceCandidate struct {
	PaperID    string
	Paragraph  models.CorpusParagraph
	Similarity float64
}

// LocalRetriever bewertet Korpus-Absätze per Wort-Mengen-Jaccard gegen einen
// Satz und behält die besten Kandidaten.
type LocalRetriever struct {
	Threshold          float64 // minimale Ähnlichkeit (default 0.3)
	MaxCandidates      int     // Top-N (default 5)
	MinParagraphLength int     // kürzere Absätze werden ignoriert (default 50)
}

// NewLocalRetriever erstellt einen Retriever mit den gegebenen Schwellwerten.
func NewLocalRetriever(threshold float64, maxCandidates, minParagraphLength int) *LocalRetriever {
	if maxCandidates <= 0 {
		maxCandidates = 5
	}
	if minParagraphLength <= 0 {
		minParagraphLength = 50
	}
	return &LocalRetriever{
		Threshold:          threshold,
		MaxCandidates:      maxCandidates,
		MinParagraphLength: minParagraphLength,
	}
}

// Retrieve liefert die Top-N Absätze über dem Schwellwert, absteigend sortiert.
func (r *LocalRetriever) Retrieve(sentence LatexSentence, paragraphs map[string][]models.CorpusParagraph) []EvidenceCandidate {
	sentenceTokens := tokenSet(sentence.Text)
	if len(sentenceTokens) == 0 {
		return nil
	}

	var candidates []EvidenceCandidate
	for paperID, paras := range paragraphs {
		for _, p := range paras {
			if len(p.Text) <= r.MinParagraphLength {
				continue
			}
			score := JaccardSimilarity(sentenceTokens, tokenSet(p.Text))
			if score > r.Threshold {
				candidates = append(candidates, EvidenceCandidate{
					PaperID:    paperID,
					Paragraph:  p,
					Similarity: score,
				})
			}
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Similarity > candidates[j].Similarity
	})
	if len(candidates) > r.MaxCandidates {
		candidates = candidates[:r.MaxCandidates]
	}
	return candidates
}

// tokenSet zerlegt Text in case-gefaltete Tokens länger als 3 Zeichen.
func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, field := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		if len(field) > 3 {
			set[field] = true
		}
	}
	return set
}

// JaccardSimilarity berechnet |A∩B| / |A∪B| für zwei Token-Mengen.
func JaccardSimilarity(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for token := range a {
		if b[token] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
