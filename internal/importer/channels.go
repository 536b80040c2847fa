// Package importer seeds the channel registry from a CSV file.
package importer

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog/log"

	"channelwatch/aggregator/internal/database"
	"channelwatch/aggregator/internal/models"
	"channelwatch/aggregator/internal/source"
)

// Importer handles the channel import process. When a source is provided,
// each channel reference is validated against it before registration and
// the returned metadata seeds the title and subscriber count.
type Importer struct {
	db  *database.DB
	src source.ChannelSource
}

// NewImporter creates a new channel importer. src may be nil to skip
// validation.
func NewImporter(db *database.DB, src source.ChannelSource) *Importer {
	return &Importer{db: db, src: src}
}

// ImportChannels imports channels from a CSV file with columns ref and
// title. Duplicate refs are reported and skipped; registered channels start
// healthy with a zero cursor.
func (i *Importer) ImportChannels(ctx context.Context, csvPath string) error {
	log.Info().Str("csv", csvPath).Msg("Starting channel import")

	f, err := os.Open(csvPath)
	if err != nil {
		return fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer f.Close()

	err = i.parseAndImport(ctx, f)
	if err != nil {
		return fmt.Errorf("failed to import channels: %w", err)
	}

	log.Info().Msg("Import completed successfully")
	return nil
}

func (i *Importer) parseAndImport(ctx context.Context, csvData io.Reader) error {
	reader := csv.NewReader(csvData)
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return err
	}

	log.Debug().Strs("header", header).Msg("CSV header read")

	refIdx := findColumnIndex(header, "ref")
	if refIdx < 0 {
		return fmt.Errorf("required column 'ref' not found in CSV header")
	}
	titleIdx := findColumnIndex(header, "title")

	lineCount := 1 // Header was already read
	successCount := 0
	var importErrors []string

	for {
		lineCount++
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Warn().Err(err).Int("line", lineCount).Msg("Error reading CSV line")
			importErrors = append(importErrors, fmt.Sprintf("line %d: %v", lineCount, err))
			continue
		}

		if len(record) == 0 || (len(record) == 1 && record[0] == "") {
			log.Debug().Int("line", lineCount).Msg("Skipping empty row")
			continue
		}

		ref := safeGetValue(record, refIdx)
		if ref == "" {
			log.Warn().Int("line", lineCount).Msg("Skipping row with empty ref")
			importErrors = append(importErrors, fmt.Sprintf("line %d: empty ref", lineCount))
			continue
		}

		channel := models.NewChannel(ref)
		channel.Title = safeGetValue(record, titleIdx)

		logger := log.With().
			Int("line", lineCount).
			Str("ref", ref).
			Logger()

		if i.src != nil {
			meta, err := i.src.Validate(ctx, ref)
			if err != nil {
				logger.Warn().Err(err).Msg("Channel validation failed")
				importErrors = append(importErrors, fmt.Sprintf("line %d: validation failed for %s: %v", lineCount, ref, err))
				continue
			}
			if meta.Title != "" {
				channel.Title = meta.Title
			}
			channel.SubscriberCount = meta.SubscriberCount
		}

		_, err = i.db.ExecContext(ctx, `
			INSERT INTO channels (ref, title, subscriber_count, health, cursor, consecutive_errors, created_at, updated_at)
			VALUES (?, ?, ?, ?, 0, 0, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`,
			channel.Ref, channel.Title, channel.SubscriberCount, channel.Health)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				logger.Warn().Msg("Duplicate ref")
				importErrors = append(importErrors, fmt.Sprintf("line %d: duplicate ref: %s", lineCount, ref))
			} else {
				logger.Error().Err(err).Msg("Failed to insert channel")
				importErrors = append(importErrors, fmt.Sprintf("line %d: %v", lineCount, err))
			}
			continue
		}

		successCount++
		logger.Debug().Msg("Channel registered")
	}

	log.Info().
		Int("total", lineCount-1).
		Int("success", successCount).
		Int("errors", len(importErrors)).
		Msg("Import summary")

	fmt.Printf("Imported %d channels successfully\n", successCount)
	if len(importErrors) > 0 {
		fmt.Printf("Encountered %d errors:\n", len(importErrors))
		for _, e := range importErrors {
			fmt.Printf("  - %s\n", e)
		}
	}

	return nil
}

func findColumnIndex(header []string, columnName string) int {
	for i, col := range header {
		if strings.EqualFold(col, columnName) {
			return i
		}
	}
	return -1
}

// safeGetValue returns the trimmed value at index, or empty when the index
// is out of bounds.
func safeGetValue(record []string, index int) string {
	if index >= 0 && index < len(record) {
		return strings.TrimSpace(record[index])
	}
	return ""
}
