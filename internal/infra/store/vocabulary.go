package store

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/boddenberg/pharmacy-assistant-go/internal/domain"
	"github.com/boddenberg/pharmacy-assistant-go/internal/port"
)

var _ port.VocabularyStore = (*Store)(nil)

// Pattern categories, one per keyword list of domain.VocabularySet.
const (
	CategoryAffirmative      = "affirmative"
	CategoryNegative         = "negative"
	CategoryInvoice          = "invoice"
	CategoryConfirm          = "confirm"
	CategoryDebtQuery        = "debt_query"
	CategoryOutOfScope       = "out_of_scope"
	CategoryDocumentEscape   = "document_escape"
	CategoryDocumentPatterns = "document_patterns"
)

func fields(set *domain.VocabularySet) map[string]*[]string {
	return map[string]*[]string{
		CategoryAffirmative:      &set.Affirmative,
		CategoryNegative:         &set.Negative,
		CategoryInvoice:          &set.Invoice,
		CategoryConfirm:          &set.Confirm,
		CategoryDebtQuery:        &set.DebtQuery,
		CategoryOutOfScope:       &set.OutOfScope,
		CategoryDocumentEscape:   &set.DocumentEscape,
		CategoryDocumentPatterns: &set.DocumentPatterns,
	}
}

// GetVocabulary returns the overrides stored for organizationID. Categories
// without rows come back empty, which keeps the defaults.
func (s *Store) GetVocabulary(ctx context.Context, organizationID string) (*domain.VocabularySet, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT category, pattern FROM confirmation_patterns WHERE organization_id = ? ORDER BY category, position`),
		organizationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query vocabulary: %w", err)
	}
	defer rows.Close()

	var set domain.VocabularySet
	lists := fields(&set)
	for rows.Next() {
		var category, pattern string
		if err := rows.Scan(&category, &pattern); err != nil {
			return nil, fmt.Errorf("scan vocabulary: %w", err)
		}
		list, ok := lists[category]
		if !ok {
			s.logger.Warn("ignoring unknown pattern category",
				zap.String("organization_id", organizationID),
				zap.String("category", category),
			)
			continue
		}
		*list = append(*list, pattern)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read vocabulary: %w", err)
	}
	return &set, nil
}

// ReplaceVocabulary swaps every override of organizationID for set in one
// transaction.
func (s *Store) ReplaceVocabulary(ctx context.Context, organizationID string, set domain.VocabularySet) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.rebind(
		`DELETE FROM confirmation_patterns WHERE organization_id = ?`), organizationID); err != nil {
		return fmt.Errorf("clear vocabulary: %w", err)
	}

	insert, err := tx.PrepareContext(ctx, s.rebind(
		`INSERT INTO confirmation_patterns (organization_id, category, position, pattern) VALUES (?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer insert.Close()

	for category, list := range fields(&set) {
		if err := insertAll(ctx, insert, organizationID, category, *list); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit vocabulary: %w", err)
	}
	return nil
}

func insertAll(ctx context.Context, stmt *sql.Stmt, organizationID, category string, patterns []string) error {
	for i, p := range patterns {
		if _, err := stmt.ExecContext(ctx, organizationID, category, i, p); err != nil {
			return fmt.Errorf("insert %s pattern: %w", category, err)
		}
	}
	return nil
}
