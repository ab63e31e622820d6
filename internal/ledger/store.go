package ledger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/Komaxor/btcupdown/internal/market"
)

// ═══════════════════════════════════════════════════════════════════════════════
// LEDGER STORE - durable orders, trades, positions, balances
// ═══════════════════════════════════════════════════════════════════════════════
//
// All mutation primitives take a transaction handle; the matching engine
// opens one transaction per placement and the store enforces the money
// invariants inside it. DeductBalance is the single source of insufficient
// funds errors: the guarded UPDATE fails when the pre-balance is short.
//
// ═══════════════════════════════════════════════════════════════════════════════

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrOrderNotFound       = errors.New("order not found")
	ErrUserNotFound        = errors.New("user not found")
)

type Store struct {
	db *gorm.DB
}

// Open connects to the database. A postgres:// URL selects PostgreSQL;
// anything else is treated as a SQLite file path.
func Open(dbPath string) (*Store, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dbPath, "postgres://") || strings.HasPrefix(dbPath, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Database connected (PostgreSQL)")
	} else {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dbPath).Msg("Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(
		&User{}, &Order{}, &Trade{}, &Position{},
		&LiquidityProvision{}, &MarketRow{}, &PriceTick{},
	); err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

// Transaction runs fn atomically; any returned error rolls back
func (s *Store) Transaction(fn func(tx *gorm.DB) error) error {
	return s.db.Transaction(fn)
}

// DB exposes the handle for read-only queries
func (s *Store) DB() *gorm.DB {
	return s.db
}

// ============ USER OPERATIONS ============

// UpsertUser creates the user on first sight with the starting balance,
// refreshing profile fields on every login.
func (s *Store) UpsertUser(u *User) error {
	var existing User
	err := s.db.First(&existing, "id = ?", u.ID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		u.Balance = StartingBalance
		return s.db.Create(u).Error
	}
	if err != nil {
		return err
	}
	return s.db.Model(&existing).Updates(map[string]interface{}{
		"username":   u.Username,
		"first_name": u.FirstName,
		"last_name":  u.LastName,
		"photo_url":  u.PhotoURL,
	}).Error
}

func (s *Store) GetUser(userID int64) (*User, error) {
	var user User
	err := s.db.First(&user, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	return &user, err
}

func (s *Store) GetBalance(userID int64) (decimal.Decimal, error) {
	user, err := s.GetUser(userID)
	if err != nil {
		return decimal.Zero, err
	}
	return user.Balance, nil
}

// ============ BALANCE OPERATIONS ============

// DeductBalance removes cents from a user's balance inside tx. The guard
// on the UPDATE makes it fail atomically when the balance is insufficient.
func (s *Store) DeductBalance(tx *gorm.DB, userID int64, cents int64) error {
	if cents < 0 {
		return fmt.Errorf("negative deduction: %d", cents)
	}
	amount := CentsToDollars(cents)
	res := tx.Model(&User{}).
		Where("id = ? AND balance >= ?", userID, amount).
		Update("balance", gorm.Expr("balance - ?", amount))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

// CreditBalance adds cents to a user's balance inside tx
func (s *Store) CreditBalance(tx *gorm.DB, userID int64, cents int64) error {
	if cents < 0 {
		return fmt.Errorf("negative credit: %d", cents)
	}
	if cents == 0 {
		return nil
	}
	amount := CentsToDollars(cents)
	res := tx.Model(&User{}).
		Where("id = ?", userID).
		Update("balance", gorm.Expr("balance + ?", amount))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// GetBalanceForUpdate reads a balance under a row lock
func (s *Store) GetBalanceForUpdate(tx *gorm.DB, userID int64) (decimal.Decimal, error) {
	var user User
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&user, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, ErrUserNotFound
	}
	return user.Balance, err
}

// ============ ORDER OPERATIONS ============

func (s *Store) InsertOrder(tx *gorm.DB, order *Order) error {
	if order.Shares <= 0 {
		return fmt.Errorf("invalid shares: %d", order.Shares)
	}
	if order.BookPrice < 1 || order.BookPrice > 99 {
		return fmt.Errorf("invalid book price: %d", order.BookPrice)
	}
	if order.CostPerShare < 1 || order.CostPerShare > 99 {
		return fmt.Errorf("invalid cost per share: %d", order.CostPerShare)
	}
	return tx.Create(order).Error
}

// UpdateOrderFill sets fill progress; filled and remaining must sum to shares
func (s *Store) UpdateOrderFill(tx *gorm.DB, orderID string, filled, remaining int64, status string) error {
	var order Order
	if err := tx.First(&order, "id = ?", orderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrOrderNotFound
		}
		return err
	}
	if filled+remaining != order.Shares {
		return fmt.Errorf("fill accounting broken for %s: %d + %d != %d", orderID, filled, remaining, order.Shares)
	}
	return tx.Model(&Order{}).Where("id = ?", orderID).Updates(map[string]interface{}{
		"filled_shares":    filled,
		"remaining_shares": remaining,
		"status":           status,
	}).Error
}

func (s *Store) CancelOrder(tx *gorm.DB, orderID string) error {
	res := tx.Model(&Order{}).Where("id = ?", orderID).Update("status", StatusCancelled)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// CancelAllRoundOrders locks and snapshots every live order of a round,
// then marks them all cancelled. The returned snapshot carries the
// pre-cancel remaining shares for refund computation.
func (s *Store) CancelAllRoundOrders(tx *gorm.DB, roundStart int64) ([]Order, error) {
	var orders []Order
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("round_start = ? AND status IN ?", roundStart,
			[]string{StatusOpen, StatusPartiallyFilled, StatusStopped}).
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return orders, nil
	}

	ids := make([]string, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
	}
	err = tx.Model(&Order{}).Where("id IN ?", ids).Update("status", StatusCancelled).Error
	return orders, err
}

func (s *Store) GetOrder(orderID string) (*Order, error) {
	var order Order
	err := s.db.First(&order, "id = ?", orderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrderNotFound
	}
	return &order, err
}

// GetUserOrders lists a user's orders. Status filter "open" includes
// partially filled and stopped orders; "all" or empty returns everything.
func (s *Store) GetUserOrders(userID int64, status string, roundStart int64) ([]Order, error) {
	q := s.db.Where("user_id = ?", userID)
	switch status {
	case "", "all":
	case StatusOpen:
		q = q.Where("status IN ?", []string{StatusOpen, StatusPartiallyFilled, StatusStopped})
	default:
		q = q.Where("status = ?", status)
	}
	if roundStart != 0 {
		q = q.Where("round_start = ?", roundStart)
	}
	var orders []Order
	err := q.Order("created_at DESC").Limit(200).Find(&orders).Error
	return orders, err
}

// GetOpenRoundOrders returns resting orders of a round in time priority
func (s *Store) GetOpenRoundOrders(roundStart int64) ([]Order, error) {
	var orders []Order
	err := s.db.
		Where("round_start = ? AND status IN ?", roundStart,
			[]string{StatusOpen, StatusPartiallyFilled}).
		Order("created_at ASC").Find(&orders).Error
	return orders, err
}

// GetStoppedRoundOrders returns parked stop-limit orders of a round
func (s *Store) GetStoppedRoundOrders(roundStart int64) ([]Order, error) {
	var orders []Order
	err := s.db.
		Where("round_start = ? AND status = ?", roundStart, StatusStopped).
		Order("created_at ASC").Find(&orders).Error
	return orders, err
}

// ActivateStopOrder flips a stop-limit from stopped to open inside tx
func (s *Store) ActivateStopOrder(tx *gorm.DB, orderID string) error {
	res := tx.Model(&Order{}).
		Where("id = ? AND status = ?", orderID, StatusStopped).
		Update("status", StatusOpen)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// ============ TRADE OPERATIONS ============

func (s *Store) InsertTrade(tx *gorm.DB, trade *Trade) error {
	if trade.Shares <= 0 {
		return fmt.Errorf("invalid trade shares: %d", trade.Shares)
	}
	return tx.Create(trade).Error
}

func (s *Store) GetOrderTrades(orderID string) ([]Trade, error) {
	var trades []Trade
	err := s.db.
		Where("bid_order_id = ? OR ask_order_id = ?", orderID, orderID).
		Order("created_at ASC").Find(&trades).Error
	return trades, err
}

// ============ POSITION OPERATIONS ============

// UpsertPosition applies share deltas to a user's round position
func (s *Store) UpsertPosition(tx *gorm.DB, userID, roundStart, deltaYes, deltaNo int64) error {
	pos := Position{UserID: userID, RoundStart: roundStart, YesShares: deltaYes, NoShares: deltaNo}
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "round_start"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"yes_shares": gorm.Expr("yes_shares + ?", deltaYes),
			"no_shares":  gorm.Expr("no_shares + ?", deltaNo),
			"updated_at": time.Now(),
		}),
	}).Create(&pos).Error
}

func (s *Store) GetPosition(userID, roundStart int64) (*Position, error) {
	var pos Position
	err := s.db.First(&pos, "user_id = ? AND round_start = ?", userID, roundStart).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &Position{UserID: userID, RoundStart: roundStart}, nil
	}
	return &pos, err
}

// GetAllRoundPositions reads every position of a round inside tx
func (s *Store) GetAllRoundPositions(tx *gorm.DB, roundStart int64) ([]Position, error) {
	var positions []Position
	err := tx.Where("round_start = ?", roundStart).Find(&positions).Error
	return positions, err
}

// ============ LIQUIDITY OPERATIONS ============

func (s *Store) InsertLiquidityProvision(tx *gorm.DB, userID, roundStart, cents int64) error {
	return tx.Create(&LiquidityProvision{
		UserID:     userID,
		RoundStart: roundStart,
		Amount:     CentsToDollars(cents),
	}).Error
}

func (s *Store) GetTotalLiquidity(roundStart int64) (decimal.Decimal, error) {
	var result struct {
		Total decimal.Decimal
	}
	err := s.db.Model(&LiquidityProvision{}).
		Select("COALESCE(SUM(amount), 0) as total").
		Where("round_start = ?", roundStart).
		Scan(&result).Error
	return result.Total, err
}

// ============ MARKET OPERATIONS ============

// UpsertMarket ensures a market row exists for the round
func (s *Store) UpsertMarket(roundStart int64, slug string) error {
	row := MarketRow{RoundStart: roundStart, Slug: slug, Phase: string(market.PhaseProvision)}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "round_start"}},
		DoNothing: true,
	}).Create(&row).Error
}

// ActivateMarket persists the price to beat at activation
func (s *Store) ActivateMarket(roundStart int64, priceToBeat decimal.Decimal) error {
	return s.db.Model(&MarketRow{}).Where("round_start = ?", roundStart).Updates(map[string]interface{}{
		"phase":         string(market.PhaseActive),
		"price_to_beat": priceToBeat,
	}).Error
}

// SettleMarket persists the final price and outcome at close
func (s *Store) SettleMarket(roundStart int64, finalPrice decimal.Decimal, outcome market.Outcome) error {
	return s.db.Model(&MarketRow{}).Where("round_start = ?", roundStart).Updates(map[string]interface{}{
		"phase":       string(market.PhaseClosed),
		"final_price": finalPrice,
		"outcome":     string(outcome),
	}).Error
}

// GetMarketBySlug reads a persisted market row for aged-out slugs
func (s *Store) GetMarketBySlug(slug string) (*MarketRow, error) {
	var row MarketRow
	err := s.db.First(&row, "slug = ?", slug).Error
	return &row, err
}

// GetRecentOutcomes returns the most recently settled markets, newest first
func (s *Store) GetRecentOutcomes(limit int) ([]MarketRow, error) {
	var rows []MarketRow
	err := s.db.
		Where("phase = ?", string(market.PhaseClosed)).
		Order("round_start DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

// ============ PRICE HISTORY OPERATIONS ============

// InsertPriceTick persists one reference-price sample
func (s *Store) InsertPriceTick(price decimal.Decimal, sources int, ts time.Time) error {
	return s.db.Create(&PriceTick{Price: price, Sources: sources, Timestamp: ts}).Error
}

// GetPriceHistory returns the newest limit ticks, oldest first
func (s *Store) GetPriceHistory(limit int) ([]PriceTick, error) {
	var ticks []PriceTick
	err := s.db.Order("timestamp DESC").Limit(limit).Find(&ticks).Error
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(ticks)-1; i < j; i, j = i+1, j-1 {
		ticks[i], ticks[j] = ticks[j], ticks[i]
	}
	return ticks, nil
}

// PrunePriceHistory deletes ticks older than the retention window
func (s *Store) PrunePriceHistory(retention time.Duration) error {
	cutoff := time.Now().Add(-retention)
	return s.db.Where("timestamp < ?", cutoff).Delete(&PriceTick{}).Error
}
