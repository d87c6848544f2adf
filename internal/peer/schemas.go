package peer

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/haasonsaas/duet/pkg/models"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// schemaFileFor maps a request type to its structured-output schema.
func schemaFileFor(t models.MessageType) string {
	switch t {
	case models.TypeResearchRequest:
		return "research-response.json"
	case models.TypeReviewRequest:
		return "review-response.json"
	}
	return "general-response.json"
}

// writeSchemaFile materialises the embedded schema into dir so the
// child process can read it. Returns the file path.
func writeSchemaFile(dir string, t models.MessageType) (string, error) {
	name := schemaFileFor(t)
	data, err := schemaFS.ReadFile("schemas/" + name)
	if err != nil {
		return "", fmt.Errorf("read embedded schema %s: %w", name, err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write schema file: %w", err)
	}
	return path, nil
}
