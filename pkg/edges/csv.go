package edges

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/yarrow/pkg/errors"
	"github.com/Ramsey-B/yarrow/pkg/models"
)

// csvHeader is the bulk loader contract.
var csvHeader = []string{"from", "to", "block_key", "created_at", "type", "weight", "per_field_scores_json"}

// bulkLoadCSV writes the batch to a temporary CSV and invokes the external
// bulk loader. On success the file is deleted; on failure it is kept for
// inspection and the loader's stderr is surfaced with secrets redacted.
func (w *Writer) bulkLoadCSV(ctx context.Context, batch []*models.SimilarityEdge) error {
	if len(w.config.BulkCommand) == 0 {
		return errors.NewConfigError("csv bulk method requires a bulk_command")
	}

	dir := w.config.CSVDir
	if dir == "" {
		dir = os.TempDir()
	}
	path := fmt.Sprintf("%s/edges_%s.csv", strings.TrimRight(dir, "/"), uuid.NewString())

	if err := writeCSV(path, batch); err != nil {
		return err
	}

	if err := w.runLoader(ctx, path); err != nil {
		// Keep the file so the failed batch can be inspected or replayed.
		w.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"file": path,
		}).Error("Bulk loader failed, csv kept")
		return err
	}

	if err := os.Remove(path); err != nil {
		w.logger.WithContext(ctx).WithError(err).Warn("Failed to remove bulk csv")
	}
	return nil
}

func writeCSV(path string, batch []*models.SimilarityEdge) error {
	file, err := os.Create(path)
	if err != nil {
		return errors.NewBackendError("failed to create bulk csv: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(csvHeader); err != nil {
		return errors.NewBackendError("failed to write bulk csv header: %w", err)
	}
	for _, edge := range batch {
		scores, err := json.Marshal(edge.FieldScores)
		if err != nil {
			return errors.NewValidationError("edge %s-%s: unserializable field scores: %w", edge.From, edge.To, err)
		}
		row := []string{
			edge.From,
			edge.To,
			edge.BlockKey,
			edge.CreatedAt.UTC().Format(time.RFC3339Nano),
			edge.Algorithm,
			strconv.FormatFloat(edge.Weight, 'f', -1, 64),
			string(scores),
		}
		if err := writer.Write(row); err != nil {
			return errors.NewBackendError("failed to write bulk csv row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return errors.NewBackendError("failed to flush bulk csv: %w", err)
	}
	return nil
}

// runLoader executes the configured loader with "{file}" arguments replaced
// by the csv path.
func (w *Writer) runLoader(ctx context.Context, path string) error {
	args := make([]string, 0, len(w.config.BulkCommand)-1)
	for _, arg := range w.config.BulkCommand[1:] {
		args = append(args, strings.ReplaceAll(arg, "{file}", path))
	}

	cmd := exec.CommandContext(ctx, w.config.BulkCommand[0], args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		message := errors.Redact(stderr.String(), w.secrets...)
		return errors.NewBackendError("bulk loader failed: %v: %s", err, strings.TrimSpace(message))
	}
	return nil
}
