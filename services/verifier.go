package services

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"cite-hand/models"
	"cite-hand/providers"
)

// Entscheidungswerte des Judges
const (
	DecisionSupports      = "supports"
	DecisionContradicts   = "contradicts"
	DecisionNotEnoughInfo = "not_enough_info"
)

// VerificationDecision ist das geparste Urteil des Judges zu einem
// (Behauptung, Beleg)-Paar. Ephemer.
type VerificationDecision struct {
	Decision   string  `json:"decision"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// VerifiedEvidence bündelt einen Kandidaten mit seinem Urteil.
type VerifiedEvidence struct {
	Candidate EvidenceCandidate
	Decision  VerificationDecision
}

var (
	claimVerbRegex   = regexp.MustCompile(`(?i)\b(shows|demonstrates|proves|indicates|suggests|confirms|reveals|establishes)\b`)
	claimPhrases     = []string{"according to", "research shows", "study", "analysis"}
	fencedJSONRegexp = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
)

const verifyPromptTemplate = `You are a scientific fact-checking judge. Decide whether the evidence paragraph supports the claim.

CLAIM:
%s

EVIDENCE:
%s

Respond with strict JSON only, no prose:
{"decision": "supports" | "contradicts" | "not_enough_info", "confidence": <0.0-1.0>, "rationale": "<one sentence>"}

Rules: only return "supports" if your confidence is at least 0.66; prefer "not_enough_info" over a weak "supports".`

// ClaimVerifier schickt (Behauptung, Beleg)-Paare an den Judge und wendet
// die Zitations-Regeln auf die Urteile an.
type ClaimVerifier struct {
	Judge             providers.Judge
	VerifiedThreshold float64 // Urteil zählt als Beleg ab dieser Konfidenz (default 0.6)
	Logger            *zap.Logger
}

// NewClaimVerifier erstellt einen neuen Verifier.
func NewClaimVerifier(judge providers.Judge, verifiedThreshold float64, logger *zap.Logger) *ClaimVerifier {
	return &ClaimVerifier{Judge: judge, VerifiedThreshold: verifiedThreshold, Logger: logger}
}

// VerifyCandidates holt für jeden Kandidaten ein Urteil ein. Judge-Fehler
// degradieren das einzelne Urteil zu not_enough_info und brechen weder den
// Satz noch den Job ab.
func (v *ClaimVerifier) VerifyCandidates(ctx context.Context, sentence LatexSentence, candidates []EvidenceCandidate) []VerifiedEvidence {
	evaluated := make([]VerifiedEvidence, 0, len(candidates))
	for _, candidate := range candidates {
		decision := v.verifyOne(ctx, sentence.Text, candidate.Paragraph.Text)
		evaluated = append(evaluated, VerifiedEvidence{Candidate: candidate, Decision: decision})
	}
	return evaluated
}

func (v *ClaimVerifier) verifyOne(ctx context.Context, claim, evidence string) VerificationDecision {
	fallback := VerificationDecision{Decision: DecisionNotEnoughInfo, Confidence: 0}

	prompt := fmt.Sprintf(verifyPromptTemplate, claim, evidence)
	raw, err := v.Judge.Complete(ctx, prompt)
	if err != nil {
		v.Logger.Warn("Judge call failed, degrading to not_enough_info", zap.Error(err))
		return fallback
	}

	decision, err := ParseDecision(raw)
	if err != nil {
		v.Logger.Warn("Judge response unparseable, degrading to not_enough_info",
			zap.String("response_preview", preview(raw, 120)),
			zap.Error(err))
		return fallback
	}
	return decision
}

// ParseDecision parst das strikte JSON-Urteil und toleriert dabei
// Markdown-Code-Fences um die Payload.
func ParseDecision(raw string) (VerificationDecision, error) {
	payload := strings.TrimSpace(raw)
	if m := fencedJSONRegexp.FindStringSubmatch(payload); m != nil {
		payload = strings.TrimSpace(m[1])
	}
	// Notfalls das erste JSON-Objekt aus umgebender Prosa schneiden
	if start, end := strings.Index(payload, "{"), strings.LastIndex(payload, "}"); start >= 0 && end > start {
		payload = payload[start : end+1]
	}

	var decision VerificationDecision
	if err := json.Unmarshal([]byte(payload), &decision); err != nil {
		return VerificationDecision{}, err
	}

	decision.Decision = strings.ToLower(strings.TrimSpace(decision.Decision))
	switch decision.Decision {
	case DecisionSupports, DecisionContradicts, DecisionNotEnoughInfo:
	default:
		return VerificationDecision{}, fmt.Errorf("unknown decision %q", decision.Decision)
	}
	if decision.Confidence < 0 {
		decision.Confidence = 0
	}
	if decision.Confidence > 1 {
		decision.Confidence = 1
	}
	return decision, nil
}

// Verified filtert die Urteile auf verwertbare Belege: supports mit
// Konfidenz über dem Schwellwert.
func (v *ClaimVerifier) Verified(evaluated []VerifiedEvidence) []VerifiedEvidence {
	var verified []VerifiedEvidence
	for _, e := range evaluated {
		if e.Decision.Decision == DecisionSupports && e.Decision.Confidence > v.VerifiedThreshold {
			verified = append(verified, e)
		}
	}
	return verified
}

// NeedsCitation entscheidet, ob ein Satz einen Beleg braucht: festes
// Claim-Verb-Muster, typische Formulierungen, oder vorhandene verifizierte
// Belege ohne gesetzten Key.
func NeedsCitation(sentence LatexSentence, verified []VerifiedEvidence) bool {
	if claimVerbRegex.MatchString(sentence.Text) {
		return true
	}
	lower := strings.ToLower(sentence.Text)
	for _, phrase := range claimPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return len(verified) > 0 && len(sentence.CitedKeys) == 0
}

// AssessSentence wendet Bedarfs- und Angemessenheits-Regel an und liefert
// den Issue-Typ ("" wenn der Satz in Ordnung ist) samt Schweregrad.
func (v *ClaimVerifier) AssessSentence(sentence LatexSentence, evaluated []VerifiedEvidence) (issueType, severity string, verified []VerifiedEvidence) {
	verified = v.Verified(evaluated)
	hasKeys := len(sentence.CitedKeys) > 0

	if hasKeys {
		// Angemessen nur mit mindestens einem verifizierten Beleg
		if len(verified) == 0 {
			return models.IssueWeakCitation, SeverityFromConfidence(maxConfidence(verified)), verified
		}
		return "", "", verified
	}

	if NeedsCitation(sentence, verified) {
		return models.IssueMissingCitation, SeverityFromConfidence(maxConfidence(verified)), verified
	}
	return "", "", verified
}

// SeverityFromConfidence bildet die maximale verifizierte Konfidenz auf den
// Schweregrad ab; der Fall ohne Belege landet bei LOW.
func SeverityFromConfidence(maxConf float64) string {
	switch {
	case maxConf > 0.8:
		return models.SeverityHigh
	case maxConf > 0.6:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

func maxConfidence(verified []VerifiedEvidence) float64 {
	max := 0.0
	for _, e := range verified {
		if e.Decision.Confidence > max {
			max = e.Decision.Confidence
		}
	}
	return max
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
