package pipeline

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/optionledger/optionledger/internal/models"
)

// Reprocess rebuilds all derived state for the given underlyings (all of
// them when the list is empty) from the immutable raw transactions. Runs
// in one transaction so readers never observe a half-built ledger, and is
// idempotent: rerunning without new raw rows reproduces identical lots,
// closings, chains and group seeds.
func Reprocess(ctx *Context, underlyings []string) error {
	return ctx.DB.Transaction(func(tx *gorm.DB) error {
		txCtx := ctx.WithTx(tx)

		rawQuery := tx.Where("user_id = ?", txCtx.UserID)
		if len(underlyings) > 0 {
			rawQuery = rawQuery.Where("underlying_symbol IN ?", underlyings)
		}
		var rows []models.RawTransaction
		if err := rawQuery.Order("executed_at ASC, id ASC").Find(&rows).Error; err != nil {
			return fmt.Errorf("load raw transactions: %w", err)
		}

		if err := clearDerivedState(txCtx, underlyings); err != nil {
			return err
		}

		orders, stockRows := Assemble(rows)
		log.Debug().Int("raw", len(rows)).Int("orders", len(orders)).
			Int("stock_rows", len(stockRows)).Msg("reprocess: assembled")

		if err := ProcessLots(txCtx, orders, stockRows); err != nil {
			return fmt.Errorf("process lots: %w", err)
		}
		if err := DeriveChains(txCtx, underlyings); err != nil {
			return fmt.Errorf("derive chains: %w", err)
		}
		if err := SeedGroups(txCtx, underlyings); err != nil {
			return fmt.Errorf("seed groups: %w", err)
		}
		if err := pruneGroupMemberships(txCtx); err != nil {
			return fmt.Errorf("prune memberships: %w", err)
		}
		if err := ReconcileStaleGroups(txCtx, underlyings); err != nil {
			return fmt.Errorf("reconcile groups: %w", err)
		}
		if err := refreshGroups(txCtx, underlyings); err != nil {
			return fmt.Errorf("refresh groups: %w", err)
		}
		return nil
	})
}

// clearDerivedState drops lots and closings in scope. Chains and their
// cache entries are replaced inside DeriveChains. Group memberships are
// kept: lots rebuild with identical transaction ids from the immutable
// raw rows, so user regrouping survives the replay. Memberships whose
// lot never came back are pruned after the rebuild.
func clearDerivedState(ctx *Context, underlyings []string) error {
	lotQuery := ctx.DB.Model(&models.Lot{}).Where("user_id = ?", ctx.UserID)
	if len(underlyings) > 0 {
		lotQuery = lotQuery.Where("underlying IN ?", underlyings)
	}
	var lotIDs []string
	if err := lotQuery.Pluck("transaction_id", &lotIDs).Error; err != nil {
		return err
	}

	if len(lotIDs) > 0 {
		if err := ctx.DB.
			Where("user_id = ? AND lot_id IN ?", ctx.UserID, lotIDs).
			Delete(&models.LotClosing{}).Error; err != nil {
			return err
		}
		if err := ctx.DB.
			Where("user_id = ? AND transaction_id IN ?", ctx.UserID, lotIDs).
			Delete(&models.Lot{}).Error; err != nil {
			return err
		}
	}

	// Unmatched closes carry no lot id and would otherwise survive forever.
	// They are scoped through their closing transaction, so a scoped replay
	// leaves other underlyings' markers visible to reconciliation.
	markerQuery := ctx.DB.Where("user_id = ? AND lot_id = ''", ctx.UserID)
	if len(underlyings) > 0 {
		inScope := ctx.DB.Model(&models.RawTransaction{}).
			Select("id").
			Where("user_id = ? AND underlying_symbol IN ?", ctx.UserID, underlyings)
		markerQuery = markerQuery.Where("closing_transaction_id IN (?)", inScope)
	}
	return markerQuery.Delete(&models.LotClosing{}).Error
}

// pruneGroupMemberships removes memberships pointing at lots the replay
// did not recreate.
func pruneGroupMemberships(ctx *Context) error {
	lotIDs := ctx.DB.Model(&models.Lot{}).
		Select("transaction_id").
		Where("user_id = ?", ctx.UserID)
	return ctx.DB.
		Where("user_id = ? AND transaction_id NOT IN (?)", ctx.UserID, lotIDs).
		Delete(&models.PositionGroupLot{}).Error
}

// refreshGroups recomputes status and dates for every group in scope,
// since preserved memberships mean SeedGroups no longer touches them.
// Empty manual groups are user-created shells awaiting a move and are
// left alone.
func refreshGroups(ctx *Context, underlyings []string) error {
	query := ctx.DB.Where("user_id = ?", ctx.UserID)
	if len(underlyings) > 0 {
		query = query.Where("underlying IN ?", underlyings)
	}
	var groups []models.PositionGroup
	if err := query.Find(&groups).Error; err != nil {
		return err
	}
	for i := range groups {
		group := &groups[i]
		var members int64
		if err := ctx.DB.Model(&models.PositionGroupLot{}).
			Where("user_id = ? AND group_id = ?", ctx.UserID, group.GroupID).
			Count(&members).Error; err != nil {
			return err
		}
		if members == 0 && group.SourceChainID == "" {
			continue
		}
		if err := RefreshGroupStatus(ctx, group.GroupID); err != nil {
			return err
		}
	}
	return nil
}
