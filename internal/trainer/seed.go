package trainer

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"intent-service/internal/models"

	"gopkg.in/yaml.v3"
)

//go:embed seed_corpus.yaml
var builtinSeedCorpus []byte

const (
	// SeedBuiltin selects the corpus compiled into the binary.
	SeedBuiltin = "builtin"
	// SeedNone disables substitution of an empty interaction log.
	SeedNone = "none"
)

// Example is one labelled utterance used for training.
type Example struct {
	Text  string
	Label models.CommandType
}

type seedFile struct {
	Examples map[string][]string `yaml:"examples"`
}

// LoadSeedCorpus resolves source ("builtin", "none" or a YAML file path).
// A nil slice with a nil error means no seed corpus is configured.
func LoadSeedCorpus(source string) ([]Example, error) {
	var raw []byte
	switch strings.TrimSpace(source) {
	case "", SeedNone:
		return nil, nil
	case SeedBuiltin:
		raw = builtinSeedCorpus
	default:
		b, err := os.ReadFile(source)
		if err != nil {
			return nil, fmt.Errorf("failed to read seed corpus: %w", err)
		}
		raw = b
	}

	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to decode seed corpus: %w", err)
	}

	var out []Example
	// Known types first so the order does not depend on map iteration.
	for _, ct := range models.KnownCommandTypes {
		for _, text := range f.Examples[string(ct)] {
			out = append(out, Example{Text: text, Label: ct})
		}
	}
	for label := range f.Examples {
		ct, err := models.ParseCommandType(label)
		if err != nil || ct == models.CommandUnknown {
			return nil, fmt.Errorf("seed corpus: invalid label %q", label)
		}
	}
	return out, nil
}
