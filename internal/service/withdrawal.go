package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/sakif/clickpay/internal/apperror"
	"github.com/sakif/clickpay/internal/metrics"
	"github.com/sakif/clickpay/internal/model"
	"github.com/sakif/clickpay/internal/repository"
)

const maxAdminNoteLength = 500

var (
	// MinimumWithdrawal applies to every method.
	MinimumWithdrawal = decimal.NewFromInt(30)

	// ChargeRate is the processing charge taken from each payout.
	ChargeRate = decimal.RequireFromString("0.05")

	methodMinimums = map[model.PayoutMethod]decimal.Decimal{
		model.MethodAmazonGiftCard: decimal.NewFromInt(30),
		model.MethodPaytm:          decimal.NewFromInt(50),
		model.MethodUPI:            decimal.NewFromInt(50),
	}
)

// Charge is 5% of amount, rounded half-up to cents.
//
// ROUNDING:
// decimal.Round rounds half away from zero, so 2.505 becomes 2.51. The
// charge is rounded first and the payout is whatever is left, which keeps
// charge + payout == amount to the cent.
func Charge(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(ChargeRate).Round(2)
}

// Payout is what the user receives: amount minus Charge(amount).
func Payout(amount decimal.Decimal) decimal.Decimal {
	return amount.Sub(Charge(amount))
}

// ViewOf derives the charge and payout of w.
func ViewOf(w model.Withdrawal) model.WithdrawalView {
	return model.WithdrawalView{
		Withdrawal: w,
		Charge:     Charge(w.Amount),
		Payout:     Payout(w.Amount),
	}
}

func viewsOf(ws []model.Withdrawal) []model.WithdrawalView {
	views := make([]model.WithdrawalView, len(ws))
	for i, w := range ws {
		views[i] = ViewOf(w)
	}
	return views
}

// WithdrawalService moves money out of wallets into pending payouts and
// lets admins settle them.
//
// The requested amount is escrowed at request time: the debit and the
// pending row commit together. A decline returns the full amount; an
// approval leaves the wallet alone.
type WithdrawalService struct {
	store  repository.Store
	logger *slog.Logger
	now    Clock
}

func NewWithdrawalService(store repository.Store, logger *slog.Logger) *WithdrawalService {
	return &WithdrawalService{
		store:  store,
		logger: logger,
		now:    systemClock,
	}
}

// Request escrows amount from the user's wallet and records a pending
// withdrawal.
//
// VALIDATION BEFORE THE TRANSACTION:
// method, amount bounds and destination format are checked without touching
// the database. Only the balance check needs the current row, and that one
// lives inside DebitWallet's conditional UPDATE: two concurrent requests
// for the whole balance see one succeed and one get 422.
func (s *WithdrawalService) Request(ctx context.Context, userID string, method model.PayoutMethod, amount decimal.Decimal, destination string) (*model.WithdrawalView, error) {
	destination = strings.TrimSpace(destination)
	if err := validateWithdrawal(method, amount, destination); err != nil {
		return nil, err
	}
	if method == model.MethodAmazonGiftCard {
		destination = normalizeEmail(destination)
	}

	w := &model.Withdrawal{
		UserID:      userID,
		Amount:      amount,
		Method:      method,
		Destination: destination,
	}
	err := s.store.InTx(ctx, func(tx repository.Queries) error {
		if err := tx.DebitWallet(ctx, userID, amount); err != nil {
			return err
		}
		return tx.CreateWithdrawal(ctx, w)
	})
	if err != nil {
		return nil, fmt.Errorf("service/withdrawal: requesting %s for %s: %w", amount.StringFixed(2), userID, err)
	}

	metrics.WithdrawalsRequestedTotal.WithLabelValues(string(method)).Inc()
	s.logger.Info("withdrawal requested",
		slog.String("withdrawalID", w.ID),
		slog.String("userID", userID),
		slog.String("method", string(method)),
		slog.String("amount", amount.StringFixed(2)),
	)

	view := ViewOf(*w)
	return &view, nil
}

func validateWithdrawal(method model.PayoutMethod, amount decimal.Decimal, destination string) error {
	minimum, ok := methodMinimums[method]
	if !ok {
		return apperror.ValidationFailed("method", "method must be one of amazon_gift_card, paytm, upi")
	}
	if !amount.IsPositive() {
		return apperror.ValidationFailed("amount", "amount must be greater than zero")
	}
	if err := checkMoney("amount", amount); err != nil {
		return err
	}
	if amount.LessThan(MinimumWithdrawal) {
		return apperror.ValidationFailed("amount",
			fmt.Sprintf("minimum withdrawal is %s", MinimumWithdrawal.StringFixed(2)))
	}
	if amount.LessThan(minimum) {
		return apperror.ValidationFailed("amount",
			fmt.Sprintf("minimum withdrawal for %s is %s", method, minimum.StringFixed(2)))
	}

	switch method {
	case model.MethodAmazonGiftCard:
		if !validEmail(normalizeEmail(destination)) {
			return apperror.ValidationFailed("destination", "a valid email address is required for gift cards")
		}
	case model.MethodPaytm, model.MethodUPI:
		if !isDigits(destination, 10) {
			return apperror.ValidationFailed("destination", "a 10-digit mobile number is required")
		}
	}
	return nil
}

// Resolve approves or declines a pending withdrawal. Only the first
// resolution of a withdrawal wins; later ones get already_processed.
func (s *WithdrawalService) Resolve(ctx context.Context, withdrawalID string, decision model.WithdrawalStatus, note string) (*model.WithdrawalView, error) {
	if !decision.Terminal() {
		return nil, apperror.ValidationFailed("decision", "decision must be approved or declined")
	}
	note = strings.TrimSpace(note)
	if len(note) > maxAdminNoteLength {
		return nil, apperror.ValidationFailed("note",
			fmt.Sprintf("note must be %d characters or less", maxAdminNoteLength))
	}

	// STATE MACHINE:
	//   pending ──approve──▶ approved   (money stays out of the wallet)
	//   pending ──decline──▶ declined   (full amount credited back)
	// ResolveWithdrawal only updates rows still pending, so the transition
	// and the refund happen at most once even when two admins click at
	// the same moment.
	var w *model.Withdrawal
	err := s.store.InTx(ctx, func(tx repository.Queries) error {
		resolved, err := tx.ResolveWithdrawal(ctx, withdrawalID, decision, note, s.now())
		if err != nil {
			return err
		}

		// the row is loaded after the transition so a missing id and an
		// already resolved one can be told apart
		w, err = tx.GetWithdrawal(ctx, withdrawalID)
		if err != nil {
			return err
		}
		if !resolved {
			return apperror.ConflictReason(apperror.CodeAlreadyProcessed,
				fmt.Sprintf("withdrawal is already %s", w.Status))
		}

		if decision == model.WithdrawalDeclined {
			return tx.CreditWallet(ctx, w.UserID, w.Amount)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("service/withdrawal: resolving %s: %w", withdrawalID, err)
	}

	metrics.WithdrawalsResolvedTotal.WithLabelValues(string(decision)).Inc()
	s.logger.Info("withdrawal resolved",
		slog.String("withdrawalID", w.ID),
		slog.String("userID", w.UserID),
		slog.String("decision", string(decision)),
	)

	view := ViewOf(*w)
	return &view, nil
}

// ListForUser returns the user's own withdrawals, newest first.
func (s *WithdrawalService) ListForUser(ctx context.Context, userID string, opts repository.ListOptions) ([]model.WithdrawalView, error) {
	ws, err := s.store.ListWithdrawals(ctx, repository.WithdrawalFilter{UserID: userID, ListOptions: opts})
	if err != nil {
		return nil, fmt.Errorf("service/withdrawal: listing withdrawals of %s: %w", userID, err)
	}
	return viewsOf(ws), nil
}

// ListAll returns every withdrawal, optionally filtered by status.
func (s *WithdrawalService) ListAll(ctx context.Context, status model.WithdrawalStatus, opts repository.ListOptions) ([]model.WithdrawalView, error) {
	if status != "" && !status.Valid() {
		return nil, apperror.ValidationFailed("status", "status must be one of pending, approved, declined")
	}
	ws, err := s.store.ListWithdrawals(ctx, repository.WithdrawalFilter{Status: status, ListOptions: opts})
	if err != nil {
		return nil, fmt.Errorf("service/withdrawal: listing withdrawals: %w", err)
	}
	return viewsOf(ws), nil
}
