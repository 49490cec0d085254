package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/mwork/wallet-ledger/internal/config"
	"github.com/mwork/wallet-ledger/internal/domain/wallet"
	"github.com/mwork/wallet-ledger/internal/pkg/database"
	"github.com/mwork/wallet-ledger/internal/pkg/jwt"
)

// debug-token mints an access token for local testing and, with -inspect,
// prints the owner's wallet and latest ledger rows.
func main() {
	var (
		userFlag = flag.String("user", "", "user id (random when empty)")
		orgFlag  = flag.String("org", "", "organization id carried in the token")
		role     = flag.String("role", jwt.RoleUser, "token role: user, service or admin")
		inspect  = flag.Bool("inspect", false, "print the user's wallet from the database")
	)
	flag.Parse()

	cfg := config.Load()

	userID := uuid.New()
	if *userFlag != "" {
		id, err := uuid.Parse(*userFlag)
		if err != nil {
			log.Fatalf("Invalid -user: %v", err)
		}
		userID = id
	}
	orgID := uuid.Nil
	if *orgFlag != "" {
		id, err := uuid.Parse(*orgFlag)
		if err != nil {
			log.Fatalf("Invalid -org: %v", err)
		}
		orgID = id
	}

	token, err := jwt.NewService(cfg.JWTSecret, cfg.JWTAccessTTL).GenerateAccessToken(userID, orgID, *role, false)
	if err != nil {
		log.Fatalf("Failed to sign token: %v", err)
	}
	fmt.Printf("user_id: %s\nrole:    %s\ntoken:   %s\n", userID, *role, token)

	if !*inspect {
		return
	}

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.ClosePostgres(db)

	ctx := context.Background()
	repo := wallet.NewRepository(db)
	w, err := repo.GetWalletByOwner(ctx, wallet.UserOwner(userID))
	if errors.Is(err, wallet.ErrWalletNotFound) {
		fmt.Println("--- no wallet yet ---")
		return
	}
	if err != nil {
		log.Fatalf("Failed to load wallet: %v", err)
	}

	fmt.Println("--- Wallet ---")
	fmt.Printf("id: %s | balance: %d | locked: %d | %s | %s | version %d\n",
		w.ID, w.Balance, w.LockedBalance, w.Currency, w.Status, w.Version)

	rows, err := repo.ListTransactions(ctx, w.ID, wallet.TransactionFilter{Limit: 10})
	if err != nil {
		log.Fatalf("Failed to list transactions: %v", err)
	}
	fmt.Println("--- Latest transactions ---")
	for _, tx := range rows {
		fmt.Printf("%s | %-13s | %-6s | %d | %d -> %d | %s\n",
			tx.CreatedAt.Format("2006-01-02 15:04:05"), tx.Type, tx.Direction, tx.Amount,
			tx.BalanceBefore, tx.BalanceAfter, tx.IdempotencyKey)
	}
}
