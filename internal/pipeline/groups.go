package pipeline

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/optionledger/optionledger/internal/models"
	"github.com/optionledger/optionledger/internal/strategy"
)

// SeedGroups is Stage 5/6 glue: every lot not yet referenced by a
// position group membership gets attached to a group. Chain lots land in
// the group sourced from their chain; when no group carries the chain,
// they join the existing open group for the same account and underlying
// before a fresh group is created, so a new round of transferred shares
// or rolled legs extends the named group instead of spawning a duplicate.
// Lots without a chain fall into the per-account Ungrouped bucket.
// Existing manual memberships are never touched.
func SeedGroups(ctx *Context, underlyings []string) error {
	lotQuery := ctx.DB.Where("user_id = ?", ctx.UserID)
	if len(underlyings) > 0 {
		lotQuery = lotQuery.Where("underlying IN ?", underlyings)
	}
	var lots []models.Lot
	if err := lotQuery.Order("entry_date ASC, transaction_id ASC").Find(&lots).Error; err != nil {
		return err
	}
	if len(lots) == 0 {
		return nil
	}

	lotIDs := make([]string, len(lots))
	for i := range lots {
		lotIDs[i] = lots[i].TransactionID
	}
	var memberships []models.PositionGroupLot
	if err := ctx.DB.
		Where("user_id = ? AND transaction_id IN ?", ctx.UserID, lotIDs).
		Find(&memberships).Error; err != nil {
		return err
	}
	grouped := make(map[string]bool, len(memberships))
	for _, m := range memberships {
		grouped[m.TransactionID] = true
	}

	var groups []models.PositionGroup
	if err := ctx.DB.Where("user_id = ?", ctx.UserID).
		Order("opened_at ASC, group_id ASC").
		Find(&groups).Error; err != nil {
		return err
	}
	byChain := make(map[string]*models.PositionGroup)
	ungrouped := make(map[groupBucket]*models.PositionGroup)
	openByBucket := make(map[groupBucket]*models.PositionGroup)
	for i := range groups {
		g := &groups[i]
		if g.SourceChainID != "" {
			byChain[g.SourceChainID] = g
		}
		key := groupBucket{g.AccountNumber, g.Underlying}
		if g.StrategyLabel == models.UngroupedLabel {
			ungrouped[key] = g
			continue
		}
		// Earliest open group wins as the attach target for its bucket.
		if g.Status != models.ChainClosed {
			if _, ok := openByBucket[key]; !ok {
				openByBucket[key] = g
			}
		}
	}

	touched := make(map[string]bool)
	for i := range lots {
		lot := &lots[i]
		if grouped[lot.TransactionID] {
			continue
		}

		var group *models.PositionGroup
		if lot.ChainID != "" {
			bucket := groupBucket{lot.AccountNumber, lot.Underlying}
			group = byChain[lot.ChainID]
			if group == nil {
				group = openByBucket[bucket]
			}
			if group == nil {
				var chain models.OrderChain
				err := ctx.DB.
					Where("user_id = ? AND chain_id = ?", ctx.UserID, lot.ChainID).
					First(&chain).Error
				if err != nil {
					log.Warn().Str("chain_id", lot.ChainID).Str("lot", lot.TransactionID).
						Msg("lot references missing chain, leaving ungrouped")
					group = ungroupedFor(ctx, ungrouped, lot)
				} else {
					group = &models.PositionGroup{
						GroupID:       uuid.NewString(),
						UserID:        ctx.UserID,
						AccountNumber: lot.AccountNumber,
						Underlying:    lot.Underlying,
						StrategyLabel: chain.StrategyLabel,
						Status:        chain.Status,
						SourceChainID: chain.ChainID,
						OpenedAt:      chain.OpenedAt,
						ClosedAt:      chain.ClosedAt,
					}
					if err := ctx.DB.Create(group).Error; err != nil {
						return err
					}
					byChain[chain.ChainID] = group
					if group.Status != models.ChainClosed {
						if _, ok := openByBucket[bucket]; !ok {
							openByBucket[bucket] = group
						}
					}
				}
			}
		} else {
			group = ungroupedFor(ctx, ungrouped, lot)
		}
		if group == nil {
			return fmt.Errorf("no group available for lot %s", lot.TransactionID)
		}

		member := models.PositionGroupLot{
			UserID:        ctx.UserID,
			GroupID:       group.GroupID,
			TransactionID: lot.TransactionID,
		}
		if err := ctx.DB.Create(&member).Error; err != nil {
			return err
		}
		touched[group.GroupID] = true
	}

	for groupID := range touched {
		if err := RefreshGroupStatus(ctx, groupID); err != nil {
			return err
		}
	}
	return nil
}

// groupBucket keys the per-account Ungrouped cache.
type groupBucket struct{ account, underlying string }

func ungroupedFor(ctx *Context, cache map[groupBucket]*models.PositionGroup, lot *models.Lot) *models.PositionGroup {
	key := groupBucket{lot.AccountNumber, lot.Underlying}
	if g, ok := cache[key]; ok {
		return g
	}
	group := &models.PositionGroup{
		GroupID:       uuid.NewString(),
		UserID:        ctx.UserID,
		AccountNumber: lot.AccountNumber,
		Underlying:    lot.Underlying,
		StrategyLabel: models.UngroupedLabel,
		Status:        models.ChainOpen,
		OpenedAt:      lot.EntryDate,
	}
	if err := ctx.DB.Create(group).Error; err != nil {
		log.Error().Err(err).Str("underlying", lot.Underlying).Msg("create ungrouped bucket")
		return nil
	}
	cache[key] = group
	return group
}

// RefreshGroupStatus recomputes a group's status and dates from its
// member lots. A group whose memberships all vanished is deleted.
func RefreshGroupStatus(ctx *Context, groupID string) error {
	var group models.PositionGroup
	if err := ctx.DB.
		Where("user_id = ? AND group_id = ?", ctx.UserID, groupID).
		First(&group).Error; err != nil {
		return err
	}

	var memberIDs []string
	if err := ctx.DB.Model(&models.PositionGroupLot{}).
		Where("user_id = ? AND group_id = ?", ctx.UserID, groupID).
		Pluck("transaction_id", &memberIDs).Error; err != nil {
		return err
	}
	if len(memberIDs) == 0 {
		return ctx.DB.
			Where("user_id = ? AND group_id = ?", ctx.UserID, groupID).
			Delete(&models.PositionGroup{}).Error
	}

	var lots []models.Lot
	if err := ctx.DB.
		Where("user_id = ? AND transaction_id IN ?", ctx.UserID, memberIDs).
		Find(&lots).Error; err != nil {
		return err
	}

	anyOpen := false
	openedAt := time.Time{}
	for i := range lots {
		if !lots[i].RemainingQuantity.IsZero() {
			anyOpen = true
		}
		if openedAt.IsZero() || lots[i].EntryDate.Before(openedAt) {
			openedAt = lots[i].EntryDate
		}
	}

	updates := map[string]any{
		"opened_at": openedAt,
	}
	if anyOpen {
		status := models.ChainOpen
		if group.SourceChainID != "" {
			var chain models.OrderChain
			if err := ctx.DB.
				Where("user_id = ? AND chain_id = ?", ctx.UserID, group.SourceChainID).
				First(&chain).Error; err == nil && chain.Status == models.ChainAssigned {
				status = models.ChainAssigned
			}
		}
		updates["status"] = status
		updates["closed_at"] = nil
	} else {
		var closedAt time.Time
		var closings []models.LotClosing
		if err := ctx.DB.
			Where("user_id = ? AND lot_id IN ?", ctx.UserID, memberIDs).
			Find(&closings).Error; err != nil {
			return err
		}
		for _, cl := range closings {
			if cl.ClosingDate.After(closedAt) {
				closedAt = cl.ClosingDate
			}
		}
		updates["status"] = models.ChainClosed
		if !closedAt.IsZero() {
			updates["closed_at"] = closedAt
		}
	}

	return ctx.DB.Model(&models.PositionGroup{}).
		Where("user_id = ? AND group_id = ?", ctx.UserID, groupID).
		Updates(updates).Error
}

// ReconcileStaleGroups repairs groups whose source chain id no longer
// exists after a reprocess rewrote chain ids. The group rebinds to the
// chain of its earliest member lot and refreshes its label from it.
// Manual (Ungrouped or user-created) groups are left alone.
func ReconcileStaleGroups(ctx *Context, underlyings []string) error {
	groupQuery := ctx.DB.
		Where("user_id = ? AND source_chain_id <> ''", ctx.UserID)
	if len(underlyings) > 0 {
		groupQuery = groupQuery.Where("underlying IN ?", underlyings)
	}
	var groups []models.PositionGroup
	if err := groupQuery.Find(&groups).Error; err != nil {
		return err
	}

	for i := range groups {
		group := &groups[i]
		var count int64
		if err := ctx.DB.Model(&models.OrderChain{}).
			Where("user_id = ? AND chain_id = ?", ctx.UserID, group.SourceChainID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			continue
		}

		var memberIDs []string
		if err := ctx.DB.Model(&models.PositionGroupLot{}).
			Where("user_id = ? AND group_id = ?", ctx.UserID, group.GroupID).
			Pluck("transaction_id", &memberIDs).Error; err != nil {
			return err
		}
		if len(memberIDs) == 0 {
			if err := ctx.DB.
				Where("user_id = ? AND group_id = ?", ctx.UserID, group.GroupID).
				Delete(&models.PositionGroup{}).Error; err != nil {
				return err
			}
			continue
		}

		var lots []models.Lot
		if err := ctx.DB.
			Where("user_id = ? AND transaction_id IN ?", ctx.UserID, memberIDs).
			Order("entry_date ASC, transaction_id ASC").
			Find(&lots).Error; err != nil {
			return err
		}

		newChainID := ""
		for i := range lots {
			if lots[i].ChainID != "" {
				newChainID = lots[i].ChainID
				break
			}
		}
		if newChainID == "" {
			log.Warn().Str("group", group.GroupID).Msg("stale group has no chained lots, detaching")
			if err := ctx.DB.Model(&models.PositionGroup{}).
				Where("user_id = ? AND group_id = ?", ctx.UserID, group.GroupID).
				Updates(map[string]any{"source_chain_id": ""}).Error; err != nil {
				return err
			}
			continue
		}

		updates := map[string]any{"source_chain_id": newChainID}
		var chain models.OrderChain
		if err := ctx.DB.
			Where("user_id = ? AND chain_id = ?", ctx.UserID, newChainID).
			First(&chain).Error; err == nil {
			updates["strategy_label"] = chain.StrategyLabel
		}
		if err := ctx.DB.Model(&models.PositionGroup{}).
			Where("user_id = ? AND group_id = ?", ctx.UserID, group.GroupID).
			Updates(updates).Error; err != nil {
			return err
		}
		if err := RefreshGroupStatus(ctx, group.GroupID); err != nil {
			return err
		}
	}
	return nil
}

// RecognizeGroupStrategy re-labels a group from its current open legs.
func RecognizeGroupStrategy(ctx *Context, groupID string) (string, error) {
	var memberIDs []string
	if err := ctx.DB.Model(&models.PositionGroupLot{}).
		Where("user_id = ? AND group_id = ?", ctx.UserID, groupID).
		Pluck("transaction_id", &memberIDs).Error; err != nil {
		return "", err
	}
	if len(memberIDs) == 0 {
		return models.UngroupedLabel, nil
	}
	var lots []models.Lot
	if err := ctx.DB.
		Where("user_id = ? AND transaction_id IN ?", ctx.UserID, memberIDs).
		Find(&lots).Error; err != nil {
		return "", err
	}
	open := lots[:0:0]
	for i := range lots {
		if !lots[i].RemainingQuantity.IsZero() {
			open = append(open, lots[i])
		}
	}
	if len(open) > 0 {
		return strategy.Recognize(strategy.LegsFromLots(open)).Name, nil
	}
	return strategy.Recognize(strategy.LegsFromOriginalLots(lots)).Name, nil
}
