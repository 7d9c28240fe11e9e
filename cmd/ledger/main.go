// Ledger - Options Position & Strategy Ledger
//
// Pulls broker transactions, rebuilds the FIFO lot ledger, derives order
// chains, recognizes strategies and maintains position groups.
//
// Usage:
//
//	ledger sync                      pull broker data and reprocess
//	ledger reprocess [UNDERLYING...] rebuild derived state from raw rows
//	ledger report                    print groups and chains
//	ledger reconcile [--fix]         compare lots against broker positions
//	ledger set-token ACCT TOKEN      store an encrypted broker session token
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/optionledger/optionledger/internal/brokersync"
	"github.com/optionledger/optionledger/internal/config"
	"github.com/optionledger/optionledger/internal/database"
	"github.com/optionledger/optionledger/internal/ledgerview"
	"github.com/optionledger/optionledger/internal/models"
	"github.com/optionledger/optionledger/internal/pipeline"
	"github.com/optionledger/optionledger/internal/reconcile"
	"github.com/optionledger/optionledger/internal/secrets"
)

const version = "1.0.0"

func main() {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found, using environment variables")
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if cfg.EncryptionKey != "" {
		if err := secrets.Init(cfg.EncryptionKey); err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize encryption key")
		}
	}

	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}

	if _, err := db.GetOrCreateUser(cfg.DefaultUserID, ""); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure user")
	}
	ctx := &pipeline.Context{UserID: cfg.DefaultUserID, DB: db.DB()}

	command := "report"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}
	args := os.Args[2:]

	log.Info().Str("version", version).Str("user", cfg.DefaultUserID).Str("command", command).Msg("Ledger starting")

	switch command {
	case "sync":
		runSync(db, cfg)
	case "reprocess":
		runReprocess(ctx, args)
	case "report":
		runReport(ctx)
	case "reconcile":
		runReconcile(ctx, db, cfg, args)
	case "set-token":
		runSetToken(db, cfg, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", command)
		os.Exit(2)
	}
}

func runSync(db *database.Database, cfg *config.Config) {
	service := brokersync.NewService(db, cfg)
	if err := service.SyncAll(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Sync failed")
	}
	log.Info().Msg("Sync complete")
}

func runReprocess(ctx *pipeline.Context, underlyings []string) {
	if err := pipeline.Reprocess(ctx, underlyings); err != nil {
		log.Fatal().Err(err).Msg("Reprocess failed")
	}
	if len(underlyings) == 0 {
		log.Info().Msg("Reprocessed all underlyings")
	} else {
		log.Info().Strs("underlyings", underlyings).Msg("Reprocessed")
	}
}

func runReport(ctx *pipeline.Context) {
	groups, err := ledgerview.Groups(ctx, ledgerview.Filter{})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load groups")
	}

	fmt.Println("\nPosition Groups")
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Underlying", "Strategy", "Status", "Lots", "Open", "Realized P&L", "Opened")
	for _, g := range groups {
		table.Append(
			g.Group.Underlying,
			g.Group.StrategyLabel,
			string(g.Group.Status),
			fmt.Sprintf("%d", len(g.Lots)),
			fmt.Sprintf("%d", g.OpenLots),
			g.RealizedPnL.StringFixed(2),
			g.Group.OpenedAt.Format("2006-01-02"),
		)
	}
	table.Render()

	chains, err := ledgerview.Chains(ctx, ledgerview.Filter{})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load chains")
	}

	fmt.Println("\nOrder Chains")
	table = tablewriter.NewWriter(os.Stdout)
	table.Header("Chain", "Status", "Strategy", "Orders", "Realized P&L", "Closed")
	for _, c := range chains {
		closed := "-"
		if c.Chain.ClosedAt != nil {
			closed = c.Chain.ClosedAt.Format("2006-01-02")
		}
		table.Append(
			c.Chain.ChainID,
			string(c.Chain.Status),
			c.Chain.StrategyLabel,
			fmt.Sprintf("%d", len(c.Orders)),
			c.Chain.RealizedPnL.StringFixed(2),
			closed,
		)
	}
	table.Render()
}

func runReconcile(ctx *pipeline.Context, db *database.Database, cfg *config.Config, args []string) {
	fix := len(args) > 0 && args[0] == "--fix"

	cred, err := db.GetCredential(ctx.UserID, cfg.BrokerProvider)
	if err != nil {
		log.Fatal().Err(err).Msg("No broker credential; run set-token first")
	}
	token, err := secrets.Decrypt(cred.EncryptedToken)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to decrypt broker token")
	}

	client := brokersync.NewClient(cfg.BrokerBaseURL, string(token), cfg.BrokerRatePerSec, cfg.BrokerBurst)
	positions, err := client.FetchPositions(context.Background(), cred.AccountNumber)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to fetch broker positions")
	}

	results, err := reconcile.Compare(ctx, positions)
	if err != nil {
		log.Fatal().Err(err).Msg("Reconciliation failed")
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Account", "Symbol", "Status", "Ledger", "Broker")
	for _, res := range results {
		table.Append(res.AccountNumber, res.Symbol, string(res.Status),
			res.LedgerQuantity.String(), res.BrokerQuantity.String())
	}
	table.Render()

	if fix {
		closed, err := reconcile.AutoCloseStale(ctx, results)
		if err != nil {
			log.Fatal().Err(err).Msg("Auto-close failed")
		}
		log.Info().Int("closed", closed).Msg("Stale lots force-closed")
	}
}

func runSetToken(db *database.Database, cfg *config.Config, args []string) {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: ledger set-token ACCOUNT TOKEN")
		os.Exit(2)
	}
	account, token := args[0], args[1]

	sealed, err := secrets.Encrypt([]byte(token))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to encrypt token; is LEDGER_ENCRYPTION_KEY set?")
	}
	cred := &models.UserCredential{
		UserID:         cfg.DefaultUserID,
		Provider:       cfg.BrokerProvider,
		AccountNumber:  account,
		EncryptedToken: sealed,
	}
	if err := db.SaveCredential(cred); err != nil {
		log.Fatal().Err(err).Msg("Failed to store credential")
	}
	log.Info().Str("account", account).Str("provider", cfg.BrokerProvider).Msg("Broker token stored")
}
