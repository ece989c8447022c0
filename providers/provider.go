package providers

import "context"

// Judge ist das Interface zum externen KI-Urteil: Prompt rein, Text raus.
// Die Interna des Modells sind bewusst außerhalb des Systems.
type Judge interface {
	// Complete schickt einen einzelnen Prompt und gibt die Rohantwort zurück.
	Complete(ctx context.Context, prompt string) (string, error)

	// Name gibt den eindeutigen Namen des Providers zurück (z.B. "openai").
	Name() string
}
