package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"finscope/pricesync/internal/dto"
)

// ProcessedDirName is the subdirectory fully-consumed input files move to.
const ProcessedDirName = "processed"

// ProcessFile ingests one historical file and then disposes of it:
// fully-consumed files move to the processed/ subdirectory next to the
// input, files that yielded zero valid rows are deleted. Files are never
// left in the input directory silently.
func (e *Engine) ProcessFile(ctx context.Context, path string, iv dto.Interval, opts Options) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	result, ingestErr := e.Ingest(ctx, iv, NewFileSource(f, iv), opts)
	if cerr := f.Close(); cerr != nil && ingestErr == nil {
		ingestErr = cerr
	}
	if ingestErr != nil {
		// Leave the file in place so a fixed run can pick it up again.
		return result, ingestErr
	}

	if opts.DryRun {
		return result, nil
	}

	validRows := result.Rows - result.Rejected
	if validRows == 0 {
		e.logger.Warn("input file produced no valid rows, removing",
			"file", path, "rows", result.Rows, "rejected", result.Rejected)
		if err := os.Remove(path); err != nil {
			return result, fmt.Errorf("remove empty input %s: %w", path, err)
		}
		return result, nil
	}

	if result.Partial() {
		// Some batches never landed; keep the file for retry.
		e.logger.Warn("file partially ingested, leaving in place",
			"file", path, "failed_ranges", len(result.FailedRanges))
		return result, nil
	}

	dest := filepath.Join(filepath.Dir(path), ProcessedDirName, filepath.Base(path))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return result, fmt.Errorf("create processed dir: %w", err)
	}
	if err := os.Rename(path, dest); err != nil {
		return result, fmt.Errorf("move %s to processed: %w", path, err)
	}
	e.logger.Info("file ingested and archived",
		"file", path, "written", result.Written, "skipped", result.Skipped, "rejected", result.Rejected)

	return result, nil
}

// ProcessDir ingests every regular file in dir (non-recursively, skipping
// the processed/ subdirectory), in name order.
func (e *Engine) ProcessDir(ctx context.Context, dir string, iv dto.Interval, opts Options) ([]*Result, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read input dir %s: %w", dir, err)
	}

	var results []*Result
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		select {
		case <-ctx.Done():
			return results, ctx.Err()
		default:
		}

		res, err := e.ProcessFile(ctx, filepath.Join(dir, entry.Name()), iv, opts)
		if res != nil {
			results = append(results, res)
		}
		if err != nil {
			if opts.StopOnError {
				return results, err
			}
			e.logger.Error("file ingest failed", "file", entry.Name(), "error", err)
		}
	}
	return results, nil
}
