package definition

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"go.uber.org/zap"

	"github.com/stateroom-dev/stateroom/internal/v1/logging"
)

// Options are the room-creation options that select a definition.
type Options struct {
	ProjectID    string          `json:"projectId,omitempty"`
	DefinitionID string          `json:"definitionId,omitempty"`
	Version      string          `json:"version,omitempty"`
	Definition   json.RawMessage `json:"definition,omitempty"`
	Config       map[string]any  `json:"config,omitempty"`
}

// Loader resolves definitions for new rooms. An inline definition
// wins; a config that carries a full definition is used verbatim; a
// definitionId resolves to <dir>/<id>.json; the final fallback is
// definition.json in dir.
type Loader struct {
	dir string
}

func NewLoader(dir string) *Loader {
	if dir == "" {
		dir = "."
	}
	return &Loader{dir: dir}
}

const conventionalFile = "definition.json"

// Ids become file names, so they must not smuggle path separators or
// dot segments.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Load resolves, parses, and validates the definition selected by
// opts. Allowlist gaps are advisory and logged, never fatal.
func (l *Loader) Load(ctx context.Context, opts Options) (*Definition, error) {
	raw, source, err := l.resolve(opts)
	if err != nil {
		return nil, err
	}
	def, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("definition from %s: %w", source, err)
	}
	if unlisted := def.UnlistedActions(); len(unlisted) > 0 {
		logging.Warn(ctx, "machine actions missing from the definition's allowlist",
			zap.String("definition_id", def.ID),
			zap.Strings("actions", unlisted))
	}
	logging.Info(ctx, "definition loaded",
		zap.String("definition_id", def.ID),
		zap.String("version", def.Version),
		zap.String("source", source))
	return def, nil
}

func (l *Loader) resolve(opts Options) ([]byte, string, error) {
	if len(opts.Definition) > 0 {
		return opts.Definition, "inline definition", nil
	}
	if looksLikeDefinition(opts.Config) {
		raw, err := json.Marshal(opts.Config)
		if err != nil {
			return nil, "", fmt.Errorf("re-encode config definition: %w", err)
		}
		return raw, "room config", nil
	}
	if opts.DefinitionID != "" {
		if !idPattern.MatchString(opts.DefinitionID) {
			return nil, "", fmt.Errorf("definition id %q is not a plain file name", opts.DefinitionID)
		}
		path := filepath.Join(l.dir, opts.DefinitionID+".json")
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("read definition %q: %w", opts.DefinitionID, err)
		}
		return raw, path, nil
	}
	path := filepath.Join(l.dir, conventionalFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("no definition supplied and %s is not readable: %w", path, err)
	}
	return raw, path, nil
}

// looksLikeDefinition reports whether per-room config carries a full
// inline definition rather than opaque game settings.
func looksLikeDefinition(config map[string]any) bool {
	if config == nil {
		return false
	}
	_, hasSchema := config["schema"]
	_, hasMachine := config["machine"]
	return hasSchema && hasMachine
}
