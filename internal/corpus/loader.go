// Package corpus loads the question/advice knowledge base from tabular files.
package corpus

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"farmadvisor/internal/domain"
)

var (
	questionColumns = []string{"question", "text", "query"}
	adviceColumns   = []string{"answer", "advice", "response"}
)

// errNoColumns marks a file that lacks the question/advice columns.
var errNoColumns = errors.New("no question/advice columns")

// row is one raw record before ids are assigned.
type row struct {
	question string
	advice   string
}

// Loader reads knowledge-base entries from CSV, TSV and SQLite files.
type Loader struct {
	logger *zap.Logger
}

// NewLoader creates a Loader.
func NewLoader(logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{logger: logger.Named("corpus")}
}

// Load reads every file in path-sorted order and concatenates the rows,
// assigning ids 0..N-1 in that order. Rows missing a question or advice and
// files that cannot be read are skipped with a warning. No paths yields an
// empty corpus. The only error is cancellation of ctx.
func (l *Loader) Load(ctx context.Context, paths []string) ([]domain.CorpusEntry, error) {
	sorted := uniqueSorted(paths)
	entries := make([]domain.CorpusEntry, 0)
	loaded := 0
	for _, p := range sorted {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, err := l.readFile(ctx, p)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if errors.Is(err, errNoColumns) {
				l.logger.Warn("skipping file without question/advice columns", zap.String("file", p))
			} else {
				l.logger.Warn("skipping unreadable file", zap.String("file", p), zap.Error(err))
			}
			continue
		}
		loaded++
		for _, r := range rows {
			entries = append(entries, domain.CorpusEntry{
				ID:         len(entries),
				Question:   r.question,
				Advice:     r.advice,
				SourceFile: p,
			})
		}
	}
	l.logger.Info("corpus loaded",
		zap.Int("files", loaded),
		zap.Int("skipped_files", len(sorted)-loaded),
		zap.Int("entries", len(entries)))
	return entries, nil
}

func (l *Loader) readFile(ctx context.Context, path string) ([]row, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return l.readDelimited(path, ',')
	case ".tsv":
		return l.readDelimited(path, '\t')
	case ".db", ".sqlite", ".sqlite3":
		return l.readSQLite(ctx, path)
	default:
		return nil, fmt.Errorf("unsupported file type %q", filepath.Ext(path))
	}
}

func (l *Loader) readDelimited(path string, sep rune) ([]row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = sep
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	header[0] = strings.TrimPrefix(header[0], "\ufeff")
	qi, ai := columnIndex(header)
	if qi < 0 || ai < 0 {
		return nil, errNoColumns
	}

	var rows []row
	line := 1
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if rw, ok := l.makeRow(path, line, field(rec, qi), field(rec, ai)); ok {
			rows = append(rows, rw)
		}
	}
	return rows, nil
}

func (l *Loader) makeRow(path string, line int, question, advice string) (row, bool) {
	question = strings.TrimSpace(question)
	advice = strings.TrimSpace(advice)
	if question == "" || advice == "" {
		l.logger.Warn("skipping row with missing fields",
			zap.String("file", path),
			zap.Int("row", line),
			zap.Bool("has_question", question != ""),
			zap.Bool("has_advice", advice != ""),
		)
		return row{}, false
	}
	return row{question: question, advice: advice}, true
}

func field(rec []string, i int) string {
	if i < len(rec) {
		return rec[i]
	}
	return ""
}

// columnIndex finds the question and advice columns by name, case-insensitively.
func columnIndex(header []string) (question, advice int) {
	return pick(header, questionColumns), pick(header, adviceColumns)
}

func pick(header []string, names []string) int {
	for _, name := range names {
		for i, h := range header {
			if strings.EqualFold(strings.TrimSpace(h), name) {
				return i
			}
		}
	}
	return -1
}

func uniqueSorted(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Questions returns the question texts in id order.
func Questions(entries []domain.CorpusEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Question
	}
	return out
}

// Digest fingerprints the ordered question texts. An index built for one
// digest serves wrong ids for any other.
func Digest(entries []domain.CorpusEntry) string {
	h := sha256.New()
	for _, e := range entries {
		h.Write([]byte(e.Question))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Files returns the distinct source files of entries, sorted.
func Files(entries []domain.CorpusEntry) []string {
	paths := make([]string, 0)
	for _, e := range entries {
		paths = append(paths, e.SourceFile)
	}
	return uniqueSorted(paths)
}
