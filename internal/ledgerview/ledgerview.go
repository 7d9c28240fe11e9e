// Package ledgerview is the read and mutation surface behind the UI:
// group and chain listings with their lots, plus the manual regrouping
// operations. All reads are filtered by tenant.
package ledgerview

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/optionledger/optionledger/internal/models"
	"github.com/optionledger/optionledger/internal/pipeline"
	"github.com/optionledger/optionledger/internal/strategy"
)

// Filter narrows listings to one account and/or underlying. Zero values
// mean no filtering.
type Filter struct {
	AccountNumber string
	Underlying    string
	OpenOnly      bool
}

// GroupSummary is one position group with its member lots and totals.
type GroupSummary struct {
	Group       models.PositionGroup
	Lots        []models.Lot
	OpenLots    int
	RealizedPnL decimal.Decimal
}

// ChainOrder is one decoded order inside a chain.
type ChainOrder struct {
	OrderID   string
	Sequence  int
	Positions []ChainPosition
}

// ChainPosition mirrors the cached per-order payload.
type ChainPosition struct {
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Quantity    string `json:"quantity"`
	Price       string `json:"price"`
	RealizedPnL string `json:"realized_pnl,omitempty"`
}

// ChainSummary is one derived chain with its ordered history.
type ChainSummary struct {
	Chain  models.OrderChain
	Orders []ChainOrder
}

// ErrGroupNotEmpty rejects deletion of a group that still has lots.
var ErrGroupNotEmpty = errors.New("group still has lots")

// ErrMixedLots rejects moves that would mix accounts or underlyings
// inside one group.
var ErrMixedLots = errors.New("lots span multiple accounts or underlyings")

// Groups lists position groups with their member lots, newest first.
func Groups(ctx *pipeline.Context, f Filter) ([]GroupSummary, error) {
	query := ctx.DB.Where("user_id = ?", ctx.UserID)
	if f.AccountNumber != "" {
		query = query.Where("account_number = ?", f.AccountNumber)
	}
	if f.Underlying != "" {
		query = query.Where("underlying = ?", f.Underlying)
	}
	if f.OpenOnly {
		query = query.Where("status <> ?", models.ChainClosed)
	}

	var groups []models.PositionGroup
	if err := query.Order("opened_at DESC, group_id ASC").Find(&groups).Error; err != nil {
		return nil, err
	}

	out := make([]GroupSummary, 0, len(groups))
	for i := range groups {
		summary, err := summarizeGroup(ctx, &groups[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *summary)
	}
	return out, nil
}

// Group loads a single group summary.
func Group(ctx *pipeline.Context, groupID string) (*GroupSummary, error) {
	var group models.PositionGroup
	if err := ctx.DB.
		Where("user_id = ? AND group_id = ?", ctx.UserID, groupID).
		First(&group).Error; err != nil {
		return nil, err
	}
	return summarizeGroup(ctx, &group)
}

func summarizeGroup(ctx *pipeline.Context, group *models.PositionGroup) (*GroupSummary, error) {
	var memberIDs []string
	if err := ctx.DB.Model(&models.PositionGroupLot{}).
		Where("user_id = ? AND group_id = ?", ctx.UserID, group.GroupID).
		Pluck("transaction_id", &memberIDs).Error; err != nil {
		return nil, err
	}

	summary := &GroupSummary{Group: *group, RealizedPnL: decimal.Zero}
	if len(memberIDs) == 0 {
		return summary, nil
	}

	if err := ctx.DB.
		Where("user_id = ? AND transaction_id IN ?", ctx.UserID, memberIDs).
		Order("entry_date ASC, transaction_id ASC").
		Find(&summary.Lots).Error; err != nil {
		return nil, err
	}
	for i := range summary.Lots {
		if !summary.Lots[i].RemainingQuantity.IsZero() {
			summary.OpenLots++
		}
	}

	var closings []models.LotClosing
	if err := ctx.DB.
		Where("user_id = ? AND lot_id IN ?", ctx.UserID, memberIDs).
		Find(&closings).Error; err != nil {
		return nil, err
	}
	for _, cl := range closings {
		summary.RealizedPnL = summary.RealizedPnL.Add(cl.RealizedPnL)
	}
	return summary, nil
}

// Chains lists derived chains with their per-order history, newest first.
func Chains(ctx *pipeline.Context, f Filter) ([]ChainSummary, error) {
	query := ctx.DB.Where("user_id = ?", ctx.UserID)
	if f.AccountNumber != "" {
		query = query.Where("account_number = ?", f.AccountNumber)
	}
	if f.Underlying != "" {
		query = query.Where("underlying = ?", f.Underlying)
	}
	if f.OpenOnly {
		query = query.Where("status <> ?", models.ChainClosed)
	}

	var chains []models.OrderChain
	if err := query.Order("opened_at DESC, chain_id ASC").Find(&chains).Error; err != nil {
		return nil, err
	}

	out := make([]ChainSummary, 0, len(chains))
	for i := range chains {
		orders, err := chainOrders(ctx, chains[i].ChainID)
		if err != nil {
			return nil, err
		}
		out = append(out, ChainSummary{Chain: chains[i], Orders: orders})
	}
	return out, nil
}

func chainOrders(ctx *pipeline.Context, chainID string) ([]ChainOrder, error) {
	var entries []models.ChainCacheEntry
	if err := ctx.DB.
		Where("user_id = ? AND chain_id = ?", ctx.UserID, chainID).
		Order("sequence ASC").
		Find(&entries).Error; err != nil {
		return nil, err
	}

	orders := make([]ChainOrder, 0, len(entries))
	for _, entry := range entries {
		order := ChainOrder{OrderID: entry.OrderID, Sequence: entry.Sequence}
		if err := json.Unmarshal([]byte(entry.Payload), &order.Positions); err != nil {
			return nil, fmt.Errorf("decode chain cache %s/%s: %w", chainID, entry.OrderID, err)
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// UpdateGroupStrategy sets a manual strategy label on a group.
func UpdateGroupStrategy(ctx *pipeline.Context, groupID, label string) error {
	res := ctx.DB.Model(&models.PositionGroup{}).
		Where("user_id = ? AND group_id = ?", ctx.UserID, groupID).
		Update("strategy_label", label)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("group %s not found", groupID)
	}
	return nil
}

// CreateGroup makes an empty manual group for later moves.
func CreateGroup(ctx *pipeline.Context, account, underlying, label string) (*models.PositionGroup, error) {
	group := &models.PositionGroup{
		GroupID:       uuid.NewString(),
		UserID:        ctx.UserID,
		AccountNumber: account,
		Underlying:    underlying,
		StrategyLabel: label,
		Status:        models.ChainOpen,
	}
	if err := ctx.DB.Create(group).Error; err != nil {
		return nil, err
	}
	return group, nil
}

// DeleteGroup removes an empty group. Groups with lots must be emptied
// through MoveLots first.
func DeleteGroup(ctx *pipeline.Context, groupID string) error {
	var count int64
	if err := ctx.DB.Model(&models.PositionGroupLot{}).
		Where("user_id = ? AND group_id = ?", ctx.UserID, groupID).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrGroupNotEmpty
	}
	return ctx.DB.
		Where("user_id = ? AND group_id = ?", ctx.UserID, groupID).
		Delete(&models.PositionGroup{}).Error
}

// MoveLots reassigns lots to the target group. Every lot must belong to
// the target's account and underlying; the source and target groups are
// refreshed afterwards, so emptied auto-groups disappear.
func MoveLots(ctx *pipeline.Context, lotIDs []string, targetGroupID string) error {
	if len(lotIDs) == 0 {
		return nil
	}

	var target models.PositionGroup
	if err := ctx.DB.
		Where("user_id = ? AND group_id = ?", ctx.UserID, targetGroupID).
		First(&target).Error; err != nil {
		return err
	}

	var lots []models.Lot
	if err := ctx.DB.
		Where("user_id = ? AND transaction_id IN ?", ctx.UserID, lotIDs).
		Find(&lots).Error; err != nil {
		return err
	}
	if len(lots) != len(lotIDs) {
		return fmt.Errorf("unknown lots: found %d of %d", len(lots), len(lotIDs))
	}
	for i := range lots {
		if lots[i].AccountNumber != target.AccountNumber || lots[i].Underlying != target.Underlying {
			return ErrMixedLots
		}
	}

	var sourceGroups []string
	if err := ctx.DB.Model(&models.PositionGroupLot{}).
		Where("user_id = ? AND transaction_id IN ?", ctx.UserID, lotIDs).
		Distinct().
		Pluck("group_id", &sourceGroups).Error; err != nil {
		return err
	}

	if err := ctx.DB.
		Where("user_id = ? AND transaction_id IN ?", ctx.UserID, lotIDs).
		Delete(&models.PositionGroupLot{}).Error; err != nil {
		return err
	}
	for _, id := range lotIDs {
		member := models.PositionGroupLot{
			UserID:        ctx.UserID,
			GroupID:       targetGroupID,
			TransactionID: id,
		}
		if err := ctx.DB.Create(&member).Error; err != nil {
			return err
		}
	}

	// Moved lots detach the target from any auto-derived chain label.
	label, err := pipeline.RecognizeGroupStrategy(ctx, targetGroupID)
	if err != nil {
		return err
	}
	if err := ctx.DB.Model(&models.PositionGroup{}).
		Where("user_id = ? AND group_id = ?", ctx.UserID, targetGroupID).
		Updates(map[string]any{"strategy_label": label, "source_chain_id": ""}).Error; err != nil {
		return err
	}

	for _, groupID := range sourceGroups {
		if groupID == targetGroupID {
			continue
		}
		if err := pipeline.RefreshGroupStatus(ctx, groupID); err != nil {
			return err
		}
	}
	return pipeline.RefreshGroupStatus(ctx, targetGroupID)
}

// RecognizedStrategies exposes the registry for label pickers.
func RecognizedStrategies() []string {
	names := make([]string, 0, len(strategy.Registry))
	for name := range strategy.Registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
