// Package artifact persists the vocabulary, label encoder and classifier of
// a training run as one versioned unit.
//
// Layout:
//
//	<dir>/CURRENT                      name of the published version
//	<dir>/versions/<version>/manifest.json
//	<dir>/versions/<version>/vocabulary.json
//	<dir>/versions/<version>/labels.json
//	<dir>/versions/<version>/classifier.json
//
// Every file carries the pair hash of the whole triple; a version is only
// loaded when all three files agree with each other.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"intent-service/internal/labels"
	"intent-service/internal/models"
	"intent-service/internal/nn"
	"intent-service/internal/textproc"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	currentFile    = "CURRENT"
	versionsDir    = "versions"
	manifestFile   = "manifest.json"
	vocabularyFile = "vocabulary.json"
	labelsFile     = "labels.json"
	classifierFile = "classifier.json"

	formatVersion = 1

	stampLayout = "20060102T150405.000Z"
)

// ErrNotTrained is returned when no artifact version has been published.
var ErrNotTrained = errors.New("no trained model has been published")

// MismatchError is returned when the files of a version do not belong together.
type MismatchError struct {
	Version string
	Reason  string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("artifact %s mismatch: %s", e.Version, e.Reason)
}

// Bundle is a matched vocabulary, label encoder and classifier.
type Bundle struct {
	Version    string
	Manifest   Manifest
	Vocabulary *textproc.Vocabulary
	Labels     *labels.Encoder
	Model      *nn.Model
}

// Manifest describes a published version.
type Manifest struct {
	Format         int       `json:"format"`
	Version        string    `json:"version"`
	PairHash       string    `json:"pair_hash"`
	CreatedAt      time.Time `json:"created_at"`
	RunID          string    `json:"run_id,omitempty"`
	Accuracy       float64   `json:"accuracy"`
	SampleCount    int       `json:"sample_count"`
	UsedSeedCorpus bool      `json:"used_seed_corpus"`
}

type vocabularyDoc struct {
	PairHash     string   `json:"pair_hash"`
	MaxVocabSize int      `json:"max_vocab_size"`
	MaxLen       int      `json:"max_len"`
	Tokens       []string `json:"tokens"`
}

type labelsDoc struct {
	PairHash string               `json:"pair_hash"`
	Classes  []models.CommandType `json:"classes"`
}

type classifierDoc struct {
	PairHash     string       `json:"pair_hash"`
	MaxVocabSize int          `json:"max_vocab_size"`
	VocabSize    int          `json:"vocab_size"`
	MaxLen       int          `json:"max_len"`
	NumClasses   int          `json:"num_classes"`
	Model        *nn.Snapshot `json:"model"`
}

// PairHash fingerprints the parts of a triple that must agree.
func PairHash(vocab *textproc.Vocabulary, enc *labels.Encoder, cfg nn.Config) string {
	h := sha256.New()
	_ = json.NewEncoder(h).Encode(struct {
		MaxVocabSize int                  `json:"max_vocab_size"`
		MaxLen       int                  `json:"max_len"`
		Tokens       []string             `json:"tokens"`
		Classes      []models.CommandType `json:"classes"`
		Config       nn.Config            `json:"config"`
	}{vocab.MaxVocabSize(), vocab.MaxLen(), vocab.Tokens(), enc.Classes(), cfg})
	return hex.EncodeToString(h.Sum(nil))
}

// Store reads and publishes versions under one directory.
type Store struct {
	mu     sync.Mutex
	dir    string
	keep   int
	logger *zap.Logger
}

// NewStore creates the directory layout if needed. keep is the number of
// versions retained after a publish; values below 1 keep everything.
func NewStore(dir string, keep int, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, versionsDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return &Store{dir: dir, keep: keep, logger: logger}, nil
}

// Dir is the root directory.
func (s *Store) Dir() string { return s.dir }

// CurrentPath is the pointer file replaced on every publish.
func (s *Store) CurrentPath() string { return filepath.Join(s.dir, currentFile) }

// Save writes a new version and publishes it. Nothing visible to Load
// changes unless every file was written.
func (s *Store) Save(b *Bundle) (*Manifest, error) {
	if b == nil || b.Vocabulary == nil || b.Labels == nil || b.Model == nil {
		return nil, errors.New("incomplete artifact bundle")
	}
	cfg := b.Model.Config()
	if cfg.NumClasses != b.Labels.Len() {
		return nil, fmt.Errorf("classifier has %d outputs, encoder has %d classes", cfg.NumClasses, b.Labels.Len())
	}
	if cfg.VocabSize != b.Vocabulary.Size() || cfg.MaxLen != b.Vocabulary.MaxLen() {
		return nil, fmt.Errorf("classifier input shape does not match vocabulary")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	version := fmt.Sprintf("%s-%s", s.nextStamp(now).Format(stampLayout), uuid.New().String()[:8])
	version = strings.ReplaceAll(version, ".", "")
	hash := PairHash(b.Vocabulary, b.Labels, cfg)

	manifest := b.Manifest
	manifest.Format = formatVersion
	manifest.Version = version
	manifest.PairHash = hash
	manifest.CreatedAt = now

	tmp, err := os.MkdirTemp(filepath.Join(s.dir, versionsDir), ".tmp-")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(tmp)

	docs := map[string]any{
		vocabularyFile: vocabularyDoc{
			PairHash:     hash,
			MaxVocabSize: b.Vocabulary.MaxVocabSize(),
			MaxLen:       b.Vocabulary.MaxLen(),
			Tokens:       b.Vocabulary.Tokens(),
		},
		labelsFile: labelsDoc{PairHash: hash, Classes: b.Labels.Classes()},
		classifierFile: classifierDoc{
			PairHash:     hash,
			MaxVocabSize: b.Vocabulary.MaxVocabSize(),
			VocabSize:    cfg.VocabSize,
			MaxLen:       cfg.MaxLen,
			NumClasses:   cfg.NumClasses,
			Model:        b.Model.Snapshot(),
		},
		manifestFile: manifest,
	}
	for name, doc := range docs {
		if err := writeJSON(filepath.Join(tmp, name), doc); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", name, err)
		}
	}

	final := filepath.Join(s.dir, versionsDir, version)
	if err := os.Rename(tmp, final); err != nil {
		return nil, fmt.Errorf("failed to move version into place: %w", err)
	}
	if err := s.publish(version); err != nil {
		os.RemoveAll(final)
		return nil, err
	}

	s.logger.Info("Artifacts published",
		zap.String("version", version),
		zap.Int("vocab_size", cfg.VocabSize),
		zap.Int("classes", cfg.NumClasses))

	if err := s.prune(version); err != nil {
		s.logger.Warn("Failed to prune old artifact versions", zap.Error(err))
	}
	return &manifest, nil
}

// nextStamp is the millisecond stamp of a new version name. It is always
// after the newest stored stamp so that name order is publish order.
func (s *Store) nextStamp(now time.Time) time.Time {
	stamp := now.Truncate(time.Millisecond)
	names, err := s.versionNames()
	if err != nil || len(names) == 0 {
		return stamp
	}
	if last, ok := versionStamp(names[0]); ok && !stamp.After(last) {
		stamp = last.Add(time.Millisecond)
	}
	return stamp
}

func versionStamp(name string) (time.Time, bool) {
	head, _, ok := strings.Cut(name, "-")
	if !ok || len(head) != len(stampLayout)-1 {
		return time.Time{}, false
	}
	t, err := time.Parse(stampLayout, head[:15]+"."+head[15:])
	return t, err == nil
}

func (s *Store) publish(version string) error {
	tmp := s.CurrentPath() + ".tmp"
	if err := os.WriteFile(tmp, []byte(version+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write current pointer: %w", err)
	}
	if err := os.Rename(tmp, s.CurrentPath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to publish current pointer: %w", err)
	}
	return nil
}

// Current returns the published version name.
func (s *Store) Current() (string, error) {
	raw, err := os.ReadFile(s.CurrentPath())
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNotTrained
	}
	if err != nil {
		return "", fmt.Errorf("failed to read current pointer: %w", err)
	}
	version := strings.TrimSpace(string(raw))
	if version == "" {
		return "", ErrNotTrained
	}
	return version, nil
}

// Load reads the published version.
func (s *Store) Load() (*Bundle, error) {
	version, err := s.Current()
	if err != nil {
		return nil, err
	}
	return s.LoadVersion(version)
}

// LoadVersion reads one version and verifies that its files belong together.
func (s *Store) LoadVersion(version string) (*Bundle, error) {
	if version == "" || strings.ContainsAny(version, `/\`) || strings.HasPrefix(version, ".") {
		return nil, fmt.Errorf("invalid artifact version %q", version)
	}
	dir := filepath.Join(s.dir, versionsDir, version)

	var (
		manifest Manifest
		vdoc     vocabularyDoc
		ldoc     labelsDoc
		cdoc     classifierDoc
	)
	for name, dst := range map[string]any{
		manifestFile:   &manifest,
		vocabularyFile: &vdoc,
		labelsFile:     &ldoc,
		classifierFile: &cdoc,
	} {
		if err := readJSON(filepath.Join(dir, name), dst); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, &MismatchError{Version: version, Reason: name + " is missing"}
			}
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
	}

	mismatch := func(format string, args ...any) error {
		return &MismatchError{Version: version, Reason: fmt.Sprintf(format, args...)}
	}
	if manifest.Format != formatVersion {
		return nil, mismatch("unsupported format %d", manifest.Format)
	}
	if cdoc.Model == nil {
		return nil, mismatch("classifier has no parameters")
	}
	if cdoc.MaxVocabSize != vdoc.MaxVocabSize {
		return nil, mismatch("classifier trained with max vocabulary size %d, vocabulary built with %d",
			cdoc.MaxVocabSize, vdoc.MaxVocabSize)
	}
	if cdoc.MaxLen != vdoc.MaxLen || cdoc.Model.Config.MaxLen != vdoc.MaxLen {
		return nil, mismatch("classifier sequence length %d, vocabulary %d", cdoc.MaxLen, vdoc.MaxLen)
	}
	if cdoc.VocabSize != len(vdoc.Tokens) || cdoc.Model.Config.VocabSize != len(vdoc.Tokens) {
		return nil, mismatch("classifier expects %d tokens, vocabulary has %d", cdoc.VocabSize, len(vdoc.Tokens))
	}
	if cdoc.NumClasses != len(ldoc.Classes) || cdoc.Model.Config.NumClasses != len(ldoc.Classes) {
		return nil, mismatch("classifier has %d outputs, encoder has %d classes", cdoc.NumClasses, len(ldoc.Classes))
	}
	if vdoc.PairHash != manifest.PairHash || ldoc.PairHash != manifest.PairHash || cdoc.PairHash != manifest.PairHash {
		return nil, mismatch("pair hashes differ between files")
	}

	vocab, err := textproc.Restore(vdoc.Tokens, vdoc.MaxVocabSize, vdoc.MaxLen)
	if err != nil {
		return nil, mismatch("vocabulary: %v", err)
	}
	enc, err := labels.Restore(ldoc.Classes)
	if err != nil {
		return nil, mismatch("labels: %v", err)
	}
	model, err := nn.FromSnapshot(cdoc.Model)
	if err != nil {
		return nil, mismatch("classifier: %v", err)
	}
	if got := PairHash(vocab, enc, model.Config()); got != manifest.PairHash {
		return nil, mismatch("pair hash does not match contents")
	}

	return &Bundle{
		Version:    version,
		Manifest:   manifest,
		Vocabulary: vocab,
		Labels:     enc,
		Model:      model,
	}, nil
}

// Versions lists stored versions, newest first.
func (s *Store) Versions() ([]Manifest, error) {
	names, err := s.versionNames()
	if err != nil {
		return nil, err
	}
	out := make([]Manifest, 0, len(names))
	for _, name := range names {
		var m Manifest
		if err := readJSON(filepath.Join(s.dir, versionsDir, name, manifestFile), &m); err != nil {
			s.logger.Warn("Skipping unreadable artifact version", zap.String("version", name), zap.Error(err))
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) versionNames() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, versionsDir))
	if err != nil {
		return nil, fmt.Errorf("failed to list artifact versions: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

func (s *Store) prune(current string) error {
	if s.keep < 1 {
		return nil
	}
	names, err := s.versionNames()
	if err != nil {
		return err
	}
	kept := 0
	for _, name := range names {
		if name == current || kept < s.keep-1 {
			if name != current {
				kept++
			}
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.dir, versionsDir, name)); err != nil {
			return err
		}
		s.logger.Debug("Pruned artifact version", zap.String("version", name))
	}
	return nil
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func readJSON(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
