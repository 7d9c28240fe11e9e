package brokersync

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/optionledger/optionledger/internal/config"
	"github.com/optionledger/optionledger/internal/database"
	"github.com/optionledger/optionledger/internal/pipeline"
	"github.com/optionledger/optionledger/internal/reconcile"
	"github.com/optionledger/optionledger/internal/secrets"
)

// Service syncs broker data for ledger users.
type Service struct {
	db  *database.Database
	cfg *config.Config
}

func NewService(db *database.Database, cfg *config.Config) *Service {
	return &Service{db: db, cfg: cfg}
}

// SyncUser pulls the user's recent transactions, ingests the new ones,
// reprocesses only the touched underlyings, and reports position drift.
func (s *Service) SyncUser(ctx context.Context, userID string) error {
	cred, err := s.db.GetCredential(userID, s.cfg.BrokerProvider)
	if err != nil {
		return fmt.Errorf("credential for %s: %w", userID, err)
	}
	token, err := secrets.Decrypt(cred.EncryptedToken)
	if err != nil {
		return fmt.Errorf("decrypt token for %s: %w", userID, err)
	}

	client := NewClient(s.cfg.BrokerBaseURL, string(token), s.cfg.BrokerRatePerSec, s.cfg.BrokerBurst)
	since := time.Now().Add(-s.cfg.SyncLookback)

	rows, err := client.FetchTransactions(ctx, cred.AccountNumber, since)
	if err != nil {
		return err
	}

	pctx := &pipeline.Context{UserID: userID, DB: s.db.DB()}
	saved, err := pipeline.SaveRawTransactions(pctx, rows)
	if err != nil {
		return err
	}

	affected := make(map[string]bool)
	for i := range rows {
		if rows[i].UnderlyingSymbol != "" {
			affected[rows[i].UnderlyingSymbol] = true
		}
	}
	underlyings := make([]string, 0, len(affected))
	for u := range affected {
		underlyings = append(underlyings, u)
	}

	log.Info().
		Str("user", userID).
		Int("fetched", len(rows)).
		Int("new", saved).
		Int("underlyings", len(underlyings)).
		Msg("Broker sync: transactions ingested")

	if len(underlyings) > 0 {
		if err := pipeline.Reprocess(pctx, underlyings); err != nil {
			return err
		}
	}

	positions, err := client.FetchPositions(ctx, cred.AccountNumber)
	if err != nil {
		return err
	}
	results, err := reconcile.Compare(pctx, positions)
	if err != nil {
		return err
	}
	for _, res := range results {
		if res.Status == reconcile.Matched {
			continue
		}
		log.Warn().
			Str("user", userID).
			Str("symbol", res.Symbol).
			Str("status", string(res.Status)).
			Str("ledger", res.LedgerQuantity.String()).
			Str("broker", res.BrokerQuantity.String()).
			Msg("Position drift")
	}
	return nil
}

// SyncAll syncs every user with a stored credential, bounded by the
// configured concurrency. One user's failure does not stop the others;
// the first error is returned after all syncs finish.
func (s *Service) SyncAll(ctx context.Context) error {
	users, err := s.db.ListUsers()
	if err != nil {
		return err
	}

	// A plain group, not WithContext: one user's failure must not cancel
	// the other in-flight syncs. Wait still reports the first error.
	var g errgroup.Group
	g.SetLimit(s.cfg.SyncConcurrency)

	for _, user := range users {
		userID := user.ID
		if _, err := s.db.GetCredential(userID, s.cfg.BrokerProvider); err != nil {
			log.Debug().Str("user", userID).Msg("No broker credential, skipping sync")
			continue
		}
		g.Go(func() error {
			if err := s.SyncUser(ctx, userID); err != nil {
				log.Error().Err(err).Str("user", userID).Msg("Sync failed")
				return err
			}
			return nil
		})
	}
	return g.Wait()
}
