package pipeline

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm/clause"

	"github.com/optionledger/optionledger/internal/models"
)

// SaveRawTransactions persists raw broker rows verbatim, keyed (id, user).
// Re-ingesting the same batch is a no-op. Malformed rows are dropped with a
// warning; only DB-level failures abort.
func SaveRawTransactions(ctx *Context, rows []models.RawTransaction) (int, error) {
	saved := 0
	for i := range rows {
		row := rows[i]
		if row.ID == "" {
			log.Warn().Str("symbol", row.Symbol).Msg("Dropping raw transaction without id")
			continue
		}
		row.UserID = ctx.UserID

		res := ctx.DB.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if res.Error != nil {
			return saved, fmt.Errorf("ingest transaction %s: %w", row.ID, res.Error)
		}
		if res.RowsAffected > 0 {
			saved++
		} else {
			log.Debug().Str("id", row.ID).Msg("Duplicate raw transaction, skipping")
		}
	}
	return saved, nil
}
