package trade

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/stocksim/trading-engine/internal/errs"
	"github.com/stocksim/trading-engine/internal/locks"
	"github.com/stocksim/trading-engine/internal/model"
)

// CreateTransfer moves cash out of the user's balance to an external
// recipient and records it as a negative transfer.
func (e *Engine) CreateTransfer(ctx context.Context, userID string, amount decimal.Decimal, recipient string) (*model.Transfer, error) {
	const op = "trade.CreateTransfer"

	to, err := required(op, "recipient", recipient)
	if err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, errs.E(op, errs.InvalidInput, "transfer amount must be positive")
	}

	var t *model.Transfer
	err = e.withLocks(ctx, op, func() error {
		err := e.store.WithinTransaction(ctx, func(ctx context.Context) error {
			user, err := e.store.GetUser(ctx, userID)
			if err != nil {
				return storeErr(op, err)
			}
			if user.Balance.LessThan(amount) {
				return errs.E(op, errs.InsufficientFunds, "balance %s is less than %s",
					errs.USD(user.Balance), errs.USD(amount))
			}
			if err := e.store.UpdateUserBalance(ctx, userID, user.Balance.Sub(amount)); err != nil {
				return storeErr(op, err)
			}
			t = &model.Transfer{ID: newID(), UserID: userID, Amount: amount.Neg(), Recipient: to, CreatedAt: e.now()}
			return storeErr(op, e.store.InsertTransfer(ctx, t))
		})
		if err != nil {
			return err
		}
		e.refreshSnapshot(ctx, userID)
		return nil
	}, locks.User(userID))
	if err != nil {
		return nil, err
	}

	slog.Info("transfer created", "user", userID, "amount", amount.String(), "recipient", to)
	return t, nil
}

// SendToUser moves cash between two accounts. Both sides are recorded.
func (e *Engine) SendToUser(ctx context.Context, fromID, toID string, amount decimal.Decimal) (*model.Transfer, error) {
	const op = "trade.SendToUser"

	if fromID == toID {
		return nil, errs.E(op, errs.InvalidInput, "cannot transfer to yourself")
	}
	if !amount.IsPositive() {
		return nil, errs.E(op, errs.InvalidInput, "transfer amount must be positive")
	}

	var out *model.Transfer
	err := e.withLocks(ctx, op, func() error {
		err := e.store.WithinTransaction(ctx, func(ctx context.Context) error {
			from, err := e.store.GetUser(ctx, fromID)
			if err != nil {
				return storeErr(op, err)
			}
			to, err := e.store.GetUser(ctx, toID)
			if err != nil {
				return storeErr(op, err)
			}
			if from.Balance.LessThan(amount) {
				return errs.E(op, errs.InsufficientFunds, "balance %s is less than %s",
					errs.USD(from.Balance), errs.USD(amount))
			}
			if err := e.store.UpdateUserBalance(ctx, fromID, from.Balance.Sub(amount)); err != nil {
				return storeErr(op, err)
			}
			if err := e.store.UpdateUserBalance(ctx, toID, to.Balance.Add(amount)); err != nil {
				return storeErr(op, err)
			}

			now := e.now()
			out = &model.Transfer{ID: newID(), UserID: fromID, Amount: amount.Neg(), Recipient: toID, CreatedAt: now}
			in := &model.Transfer{ID: newID(), UserID: toID, Amount: amount, Recipient: fromID, CreatedAt: now}
			if err := e.store.InsertTransfer(ctx, out); err != nil {
				return storeErr(op, err)
			}
			return storeErr(op, e.store.InsertTransfer(ctx, in))
		})
		if err != nil {
			return err
		}
		e.refreshSnapshot(ctx, fromID)
		e.refreshSnapshot(ctx, toID)
		return nil
	}, locks.User(fromID), locks.User(toID))
	if err != nil {
		return nil, err
	}

	slog.Info("user transfer", "from", fromID, "to", toID, "amount", amount.String())
	return out, nil
}

func (e *Engine) ListTransfers(ctx context.Context, userID string) ([]model.Transfer, error) {
	const op = "trade.ListTransfers"
	if _, err := e.store.GetUser(ctx, userID); err != nil {
		return nil, storeErr(op, err)
	}
	transfers, err := e.store.ListTransfers(ctx, userID)
	if err != nil {
		return nil, storeErr(op, err)
	}
	if transfers == nil {
		transfers = []model.Transfer{}
	}
	return transfers, nil
}

// DeleteTransfer removes a transfer record owned by userID. The balance
// is not adjusted.
func (e *Engine) DeleteTransfer(ctx context.Context, userID, transferID string) error {
	const op = "trade.DeleteTransfer"

	return e.withLocks(ctx, op, func() error {
		return e.store.WithinTransaction(ctx, func(ctx context.Context) error {
			t, err := e.store.GetTransfer(ctx, transferID)
			if err != nil {
				return storeErr(op, err)
			}
			if t.UserID != userID {
				return errs.E(op, errs.Unauthorized, "transfer %s does not belong to user %s", transferID, userID)
			}
			return storeErr(op, e.store.DeleteTransfer(ctx, transferID))
		})
	}, locks.User(userID))
}

// TransferTotals summarizes a user's transfers.
type TransferTotals struct {
	Outgoing decimal.Decimal `json:"outgoing"`
	Incoming decimal.Decimal `json:"incoming"`
	Net      decimal.Decimal `json:"net"`
	Count    int             `json:"count"`
}

func (e *Engine) TotalTransfers(ctx context.Context, userID string) (*TransferTotals, error) {
	transfers, err := e.ListTransfers(ctx, userID)
	if err != nil {
		return nil, err
	}
	totals := &TransferTotals{Outgoing: decimal.Zero, Incoming: decimal.Zero, Net: decimal.Zero}
	for _, t := range transfers {
		if t.Amount.IsNegative() {
			totals.Outgoing = totals.Outgoing.Add(t.Amount.Neg())
		} else {
			totals.Incoming = totals.Incoming.Add(t.Amount)
		}
		totals.Net = totals.Net.Add(t.Amount)
	}
	totals.Count = len(transfers)
	return totals, nil
}
