package shortener

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// LocalLinker mints slugs locally when no shortener service is configured,
// leaving the long URL unshortened. Intended for development kiosks.
type LocalLinker struct{}

func (LocalLinker) CreateShortLink(ctx context.Context, longURL, name string) (string, string, error) {
	slug := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return slug, longURL, nil
}
