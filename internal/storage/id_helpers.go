package storage

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

func generateID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return id.String(), nil
}

// foldName produces the comparison form used for title lookups: NFC
// normalized, case folded, inner whitespace collapsed.
func foldName(name string) string {
	collapsed := strings.Join(strings.Fields(name), " ")
	// Casers are stateful, so each call gets its own.
	return cases.Fold().String(norm.NFC.String(collapsed))
}
