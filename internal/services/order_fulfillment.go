package services

import (
	"context"
	"fmt"
	"slices"
	"strings"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
	"github.com/i-super/Saleor-sub000/internal/repositories"
)

// CreateFulfillment ships order line quantities. Without automatic approval the fulfillment waits
// for approval and neither stock nor fulfilled quantities change until then.
func (s *orderService) CreateFulfillment(ctx context.Context, cmd CreateFulfillmentCommand) (Order, error) {
	if len(cmd.Lines) == 0 {
		return Order{}, domain.NewError(domain.CodeRequired, "lines", "At least one line is required.")
	}
	return s.update(ctx, cmd.OrderID, "order.CreateFulfillment", func(ctx context.Context, order *Order, rec *orderRecorder) error {
		if !slices.Contains(fulfillableStatuses, order.Status) {
			return domain.NewError(domain.CodeInvalidTransition, "status",
				fmt.Sprintf("Cannot fulfill a %s order.", order.Status))
		}
		if !s.settings.FulfillmentAllowUnpaid && !order.IsFullyPaid() {
			return domain.NewError(domain.CodeCannotFulfillUnpaidOrder, "id", "Cannot fulfill unpaid order.")
		}
		if err := validateFulfillmentLines(*order, cmd.Lines); err != nil {
			return err
		}
		lineIDs := make([]string, 0, len(cmd.Lines))
		for _, in := range cmd.Lines {
			lineIDs = append(lineIDs, in.OrderLineID)
		}
		if err := s.settlePreorderLines(ctx, order, lineIDs, cmd.AllowStockToBeExceeded); err != nil {
			return err
		}

		approved := s.settings.FulfillmentAutoApprove
		fulfillment := Fulfillment{
			ID:               s.newID(),
			FulfillmentOrder: order.NextFulfillmentOrder(),
			Status:           domain.FulfillmentWaitingForApproval,
			TrackingNumber:   strings.TrimSpace(cmd.TrackingNumber),
			CreatedAt:        rec.at,
		}
		for _, in := range cmd.Lines {
			fulfillment.Lines = append(fulfillment.Lines, domain.FulfillmentLine{
				ID:          s.newID(),
				OrderLineID: in.OrderLineID,
				WarehouseID: strings.TrimSpace(in.WarehouseID),
				Quantity:    in.Quantity,
			})
		}

		if !approved {
			order.Fulfillments = append(order.Fulfillments, fulfillment)
			rec.event(domain.FulfillmentAwaitsApprovalPayload{FulfillmentID: fulfillment.ID, Lines: eventLines(fulfillment)})
			rec.webhook(domain.WebhookFulfillmentCreated)
			rec.webhook(domain.WebhookOrderUpdated)
			return nil
		}

		fulfillment.Status = domain.FulfillmentFulfilled
		if err := s.ship(ctx, order, &fulfillment, cmd.AllowStockToBeExceeded, rec.actor); err != nil {
			return err
		}
		order.Fulfillments = append(order.Fulfillments, fulfillment)
		return s.recordShipment(order, fulfillment, cmd.NotifyCustomer, rec)
	})
}

// ApproveFulfillment ships a fulfillment that waits for approval.
func (s *orderService) ApproveFulfillment(ctx context.Context, cmd ApproveFulfillmentCommand) (Order, error) {
	return s.update(ctx, cmd.OrderID, "order.ApproveFulfillment", func(ctx context.Context, order *Order, rec *orderRecorder) error {
		idx := order.FulfillmentIndex(strings.TrimSpace(cmd.FulfillmentID))
		if idx < 0 {
			return domain.NewError(domain.CodeNotFound, "fulfillment", "Fulfillment does not exist.")
		}
		fulfillment := order.Fulfillments[idx]
		if fulfillment.Status != domain.FulfillmentWaitingForApproval {
			return domain.NewError(domain.CodeInvalidTransition, "status",
				fmt.Sprintf("Cannot approve a %s fulfillment.", fulfillment.Status))
		}
		if !slices.Contains(fulfillableStatuses, order.Status) {
			return domain.NewError(domain.CodeInvalidTransition, "status",
				fmt.Sprintf("Cannot fulfill a %s order.", order.Status))
		}
		if !s.settings.FulfillmentAllowUnpaid && !order.IsFullyPaid() {
			return domain.NewError(domain.CodeCannotFulfillUnpaidOrder, "id", "Cannot fulfill unpaid order.")
		}
		lineIDs := make([]string, 0, len(fulfillment.Lines))
		for _, fl := range fulfillment.Lines {
			line := order.Lines[order.LineIndex(fl.OrderLineID)]
			if fl.Quantity > line.QuantityUnfulfilled() {
				return domain.NewError(domain.CodeInvalid, "lines",
					fmt.Sprintf("Only %d items can be fulfilled for line %s.", line.QuantityUnfulfilled(), line.ID))
			}
			lineIDs = append(lineIDs, fl.OrderLineID)
		}
		if err := s.settlePreorderLines(ctx, order, lineIDs, cmd.AllowStockToBeExceeded); err != nil {
			return err
		}

		fulfillment.Status = domain.FulfillmentFulfilled
		if err := s.ship(ctx, order, &fulfillment, cmd.AllowStockToBeExceeded, rec.actor); err != nil {
			return err
		}
		order.Fulfillments[idx] = fulfillment
		rec.event(domain.FulfillmentApprovedPayload{FulfillmentID: fulfillment.ID})
		return s.recordShipment(order, fulfillment, cmd.NotifyCustomer, rec)
	})
}

// CancelFulfillment cancels a shipped or waiting fulfillment. Shipped quantities become
// unfulfilled again; with Restock they return to the warehouse and are allocated back to the line.
func (s *orderService) CancelFulfillment(ctx context.Context, cmd CancelFulfillmentCommand) (Order, error) {
	return s.update(ctx, cmd.OrderID, "order.CancelFulfillment", func(ctx context.Context, order *Order, rec *orderRecorder) error {
		idx := order.FulfillmentIndex(strings.TrimSpace(cmd.FulfillmentID))
		if idx < 0 {
			return domain.NewError(domain.CodeNotFound, "fulfillment", "Fulfillment does not exist.")
		}
		fulfillment := order.Fulfillments[idx]
		switch fulfillment.Status {
		case domain.FulfillmentFulfilled, domain.FulfillmentWaitingForApproval:
		default:
			return domain.NewError(domain.CodeInvalidTransition, "status",
				fmt.Sprintf("Cannot cancel a %s fulfillment.", fulfillment.Status))
		}

		if fulfillment.Status == domain.FulfillmentFulfilled {
			restocked := 0
			warehouse := strings.TrimSpace(cmd.WarehouseID)
			for _, fl := range fulfillment.Lines {
				lineIdx := order.LineIndex(fl.OrderLineID)
				if lineIdx < 0 {
					continue
				}
				order.Lines[lineIdx].QuantityFulfilled -= fl.Quantity
				line := order.Lines[lineIdx]
				if !cmd.Restock || !line.TrackInventory || line.IsPreorder {
					continue
				}
				target := fl.WarehouseID
				if warehouse != "" {
					target = warehouse
				}
				if err := s.stock.IncreaseStock(ctx, StockAdjustment{
					Line:        line,
					WarehouseID: target,
					Quantity:    fl.Quantity,
					Allocate:    true,
				}); err != nil {
					return err
				}
				restocked += fl.Quantity
			}
			if restocked > 0 {
				rec.event(domain.RestockedItemsPayload{Quantity: restocked, WarehouseID: warehouse})
			}
		}

		fulfillment.Status = domain.FulfillmentCanceled
		order.Fulfillments[idx] = fulfillment
		if err := s.transition(order, aggregateStatus(*order)); err != nil {
			return err
		}
		rec.event(domain.FulfillmentCanceledPayload{
			FulfillmentID:    fulfillment.ID,
			FulfillmentOrder: fulfillment.FulfillmentOrder,
		})
		rec.webhook(domain.WebhookFulfillmentCanceled)
		rec.webhook(domain.WebhookOrderUpdated)
		return nil
	})
}

// ReturnLines moves returned quantities out of the shipped fulfillments into a new returned
// fulfillment. A shipped fulfillment left without lines becomes returned itself. A requested
// refund is executed first; a failed refund records PAYMENT_FAILED and leaves the order untouched.
func (s *orderService) ReturnLines(ctx context.Context, cmd ReturnLinesCommand) (Order, error) {
	if len(cmd.Lines) == 0 {
		return Order{}, domain.NewError(domain.CodeRequired, "lines", "At least one line is required.")
	}
	order, err := s.GetOrder(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	if err := validateReturnLines(order, cmd.Lines); err != nil {
		return Order{}, err
	}

	var (
		refund *paymentOutcome
		before Payment
	)
	if cmd.Refund {
		payment, err := s.resolvePayment(ctx, order.ID, "")
		if err != nil {
			return Order{}, err
		}
		release, err := s.lockPayment(ctx, payment.ID)
		if err != nil {
			return Order{}, err
		}
		defer release()
		if before, err = s.repos.Payments().Get(ctx, payment.ID); err != nil {
			return Order{}, mapRepositoryError(err, ErrPaymentNotFound, "payment", "Payment does not exist.")
		}
		outcome, err := s.refundReturn(ctx, order, before, cmd)
		if err != nil {
			return Order{}, err
		}
		refund = &outcome
	}

	updated, err := s.update(ctx, order.ID, "order.ReturnLines", func(ctx context.Context, order *Order, rec *orderRecorder) error {
		if refund != nil {
			if err := s.savePayment(ctx, before, refund.payment); err != nil {
				return err
			}
			if !refund.txn.IsSuccess {
				rec.event(refund.failedPayload())
				return nil
			}
		}
		if err := validateReturnLines(*order, cmd.Lines); err != nil {
			return err
		}

		returned := Fulfillment{
			ID:               s.newID(),
			FulfillmentOrder: order.NextFulfillmentOrder(),
			Status:           domain.FulfillmentReturned,
			CreatedAt:        rec.at,
		}
		restocked := 0
		for _, in := range cmd.Lines {
			line := order.Lines[order.LineIndex(in.OrderLineID)]
			for _, part := range takeShipped(order, line.ID, in.Quantity) {
				part.ID = s.newID()
				returned.Lines = append(returned.Lines, part)
				if !cmd.Restock || !line.TrackInventory || line.IsPreorder || part.WarehouseID == "" {
					continue
				}
				if err := s.stock.IncreaseStock(ctx, StockAdjustment{Line: line, WarehouseID: part.WarehouseID, Quantity: part.Quantity}); err != nil {
					return err
				}
				restocked += part.Quantity
			}
		}
		if refund != nil {
			amount := refund.amount
			returned.TotalRefund = &amount
		}
		order.Fulfillments = append(order.Fulfillments, returned)
		if err := s.transition(order, aggregateStatus(*order)); err != nil {
			return err
		}

		rec.event(domain.FulfillmentReturnedPayload{FulfillmentID: returned.ID, Lines: eventLines(returned)})
		if restocked > 0 {
			rec.event(domain.RestockedItemsPayload{Quantity: restocked})
		}
		if refund != nil {
			s.applyRefund(order, *refund, rec)
		}
		rec.webhook(domain.WebhookOrderUpdated)
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	if refund != nil && !refund.txn.IsSuccess {
		return Order{}, paymentError(refund.txn.Error, nil)
	}
	return updated, nil
}

// UpdateTracking changes the tracking number of a fulfillment.
func (s *orderService) UpdateTracking(ctx context.Context, orderID, fulfillmentID, trackingNumber string) (Order, error) {
	return s.update(ctx, orderID, "order.UpdateTracking", func(ctx context.Context, order *Order, rec *orderRecorder) error {
		idx := order.FulfillmentIndex(strings.TrimSpace(fulfillmentID))
		if idx < 0 {
			return domain.NewError(domain.CodeNotFound, "fulfillment", "Fulfillment does not exist.")
		}
		if order.Fulfillments[idx].Status == domain.FulfillmentCanceled {
			return domain.NewError(domain.CodeInvalid, "fulfillment", "Cannot update tracking of a canceled fulfillment.")
		}
		number := strings.TrimSpace(trackingNumber)
		order.Fulfillments[idx].TrackingNumber = number
		rec.event(domain.TrackingUpdatedPayload{FulfillmentID: order.Fulfillments[idx].ID, TrackingNumber: number})
		rec.webhook(domain.WebhookOrderUpdated)
		return nil
	})
}

// ship moves stock out of the warehouses, marks the line quantities fulfilled and issues gift
// cards for gift card lines.
func (s *orderService) ship(ctx context.Context, order *Order, fulfillment *Fulfillment, allowExceed bool, actor Actor) error {
	for i := range fulfillment.Lines {
		fl := &fulfillment.Lines[i]
		idx := order.LineIndex(fl.OrderLineID)
		line := order.Lines[idx]
		if line.TrackInventory && !line.IsPreorder {
			if err := s.stock.DecreaseStock(ctx, StockAdjustment{
				Line:        line,
				WarehouseID: fl.WarehouseID,
				Quantity:    fl.Quantity,
				AllowExceed: allowExceed,
			}); err != nil {
				return err
			}
			rows, err := s.repos.Stocks().ListStocks(ctx, repositories.StockFilter{
				VariantIDs:   []string{line.VariantID},
				WarehouseIDs: []string{fl.WarehouseID},
			})
			if err != nil {
				return fmt.Errorf("order service: list stocks: %w", err)
			}
			if len(rows) > 0 {
				fl.StockID = rows[0].ID
			}
		}
		order.Lines[idx].QuantityFulfilled += fl.Quantity
		if line.IsGiftCard {
			if _, err := s.giftCards.IssueForFulfillment(ctx, IssueGiftCardsCommand{
				Order:             *order,
				Line:              line,
				Quantity:          fl.Quantity,
				FulfillmentLineID: fl.ID,
				Actor:             actor,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// recordShipment updates the order status and records the events of a shipped fulfillment.
func (s *orderService) recordShipment(order *Order, fulfillment Fulfillment, notifyCustomer bool, rec *orderRecorder) error {
	if err := s.transition(order, aggregateStatus(*order)); err != nil {
		return err
	}
	rec.event(domain.FulfilledItemsPayload{FulfillmentID: fulfillment.ID, Lines: eventLines(fulfillment)})
	if notifyCustomer && order.UserEmail != "" {
		rec.event(domain.EmailSentPayload{EmailType: domain.EmailTypeFulfillment, Email: order.UserEmail})
		rec.notify(domain.NotifyFulfillmentConfirmation)
	}
	rec.webhook(domain.WebhookFulfillmentCreated)
	if order.Status == domain.OrderStatusFulfilled {
		rec.webhook(domain.WebhookOrderFulfilled)
	}
	rec.webhook(domain.WebhookOrderUpdated)
	return nil
}

// settlePreorderLines checks preorder lines against the live state of their variants. A variant
// still in preorder can only ship when fulfillments are approved automatically. Once the
// preorder has ended the line drops its preorder allocation and is allocated warehouse stock, so
// it ships like any other line.
func (s *orderService) settlePreorderLines(ctx context.Context, order *Order, lineIDs []string, allowExceed bool) error {
	var preorder []int
	var variantIDs []string
	for _, id := range lineIDs {
		idx := order.LineIndex(id)
		if idx < 0 || !order.Lines[idx].IsPreorder || slices.Contains(preorder, idx) {
			continue
		}
		preorder = append(preorder, idx)
		variantIDs = append(variantIDs, order.Lines[idx].VariantID)
	}
	if len(preorder) == 0 {
		return nil
	}
	variants, err := s.repos.Variants().ListVariants(ctx, variantIDs)
	if err != nil {
		return mapRepositoryError(err, nil, "lines", "Variant does not exist.")
	}
	byID := make(map[string]domain.ProductVariant, len(variants))
	for _, v := range variants {
		byID[v.ID] = v
	}

	now := s.now()
	var ended []OrderLine
	var endedIDs []string
	for _, idx := range preorder {
		line := &order.Lines[idx]
		variant, ok := byID[line.VariantID]
		if !ok {
			continue
		}
		if variant.ActivePreorder(now) {
			if !s.settings.FulfillmentAutoApprove {
				return domain.NewError(domain.CodeInvalid, "lines", fmt.Sprintf("Cannot fulfill preorder line %s.", line.ID))
			}
			continue
		}
		line.IsPreorder = false
		ended = append(ended, *line)
		endedIDs = append(endedIDs, line.ID)
	}
	if len(ended) == 0 {
		return nil
	}
	if err := s.stock.DeallocatePreorders(ctx, endedIDs); err != nil {
		return err
	}
	_, err = s.stock.AllocateStocks(ctx, AllocateCommand{
		Lines:                  ended,
		Country:                order.Country(s.settings.DefaultCountry),
		ChannelSlug:            order.ChannelSlug,
		CollectionPointID:      order.CollectionPointID,
		AllowStockToBeExceeded: allowExceed || order.AllowStockToBeExceeded,
	})
	return err
}

// refundReturn refunds the returned lines, plus shipping when requested, against payment.
func (s *orderService) refundReturn(ctx context.Context, order Order, payment Payment, cmd ReturnLinesCommand) (paymentOutcome, error) {
	if !payment.CanRefund() {
		return paymentOutcome{}, domain.NewError(domain.CodeInvalid, "refund", "Payment cannot be refunded.")
	}
	amount := domain.ZeroMoney(order.Total.Currency())
	for _, in := range cmd.Lines {
		line := order.Lines[order.LineIndex(in.OrderLineID)]
		amount = amount.Add(line.UnitPrice.Gross.MulInt(in.Quantity))
	}
	if cmd.RefundShipping {
		amount = amount.Add(order.ShippingPrice.Gross)
	}
	if amount.GreaterThan(payment.CapturedAmount) {
		amount = payment.CapturedAmount
	}
	if !amount.IsPositive() {
		return paymentOutcome{}, domain.NewError(domain.CodeInvalid, "refund", "Nothing to refund.")
	}
	gateway, err := s.gateways.Gateway(payment.GatewayID)
	if err != nil {
		return paymentOutcome{}, paymentError("The gateway is not available.", err)
	}
	updated := payment.Clone()
	txn, _ := s.processor.execute(ctx, gateway, &updated, domain.TransactionRefund, amount, order.ID, order.UserEmail)
	return paymentOutcome{payment: updated, kind: domain.TransactionRefund, amount: amount, txn: txn}, nil
}

func validateFulfillmentLines(order Order, lines []FulfillmentLineInput) error {
	pending := map[string]int{}
	for _, f := range order.Fulfillments {
		if f.Status != domain.FulfillmentWaitingForApproval {
			continue
		}
		for _, fl := range f.Lines {
			pending[fl.OrderLineID] += fl.Quantity
		}
	}
	requested := map[string]int{}
	for _, in := range lines {
		idx := order.LineIndex(in.OrderLineID)
		if idx < 0 {
			return domain.NewError(domain.CodeNotFound, "lines", fmt.Sprintf("Order line %s does not exist.", in.OrderLineID))
		}
		line := order.Lines[idx]
		if in.Quantity <= 0 {
			return domain.NewError(domain.CodeZeroQuantity, "quantity", "Quantity must be positive.")
		}
		if line.TrackInventory && strings.TrimSpace(in.WarehouseID) == "" {
			return domain.NewError(domain.CodeRequired, "warehouse", "A warehouse is required.")
		}
		requested[line.ID] += in.Quantity
		available := line.QuantityUnfulfilled() - pending[line.ID]
		if requested[line.ID] > available {
			return domain.NewError(domain.CodeInvalid, "lines",
				fmt.Sprintf("Only %d items can be fulfilled for line %s.", max(available, 0), line.ID))
		}
	}
	return nil
}

func validateReturnLines(order Order, lines []ReturnLineInput) error {
	switch order.Status {
	case domain.OrderStatusFulfilled, domain.OrderStatusPartiallyFulfilled, domain.OrderStatusPartiallyReturned:
	default:
		return domain.NewError(domain.CodeInvalidTransition, "status",
			fmt.Sprintf("Cannot return lines of a %s order.", order.Status))
	}
	shipped := shippedQuantities(order)
	requested := map[string]int{}
	for _, in := range lines {
		idx := order.LineIndex(in.OrderLineID)
		if idx < 0 {
			return domain.NewError(domain.CodeNotFound, "lines", fmt.Sprintf("Order line %s does not exist.", in.OrderLineID))
		}
		if in.Quantity <= 0 {
			return domain.NewError(domain.CodeZeroQuantity, "quantity", "Quantity must be positive.")
		}
		line := order.Lines[idx]
		requested[line.ID] += in.Quantity
		if returnable := shipped[line.ID]; requested[line.ID] > returnable {
			return domain.NewError(domain.CodeInvalid, "lines",
				fmt.Sprintf("Cannot return more than %d items of line %s.", returnable, line.ID))
		}
	}
	return nil
}

// shippedQuantities sums, per order line, the quantities held by fulfilled fulfillments.
func shippedQuantities(order Order) map[string]int {
	shipped := map[string]int{}
	for _, f := range order.Fulfillments {
		if f.Status != domain.FulfillmentFulfilled {
			continue
		}
		for _, fl := range f.Lines {
			shipped[fl.OrderLineID] += fl.Quantity
		}
	}
	return shipped
}

// takeShipped removes quantity units of lineID from the fulfilled fulfillments, newest first,
// and returns them as lines keeping their source warehouse and stock. Callers validate the
// quantity against shippedQuantities first.
func takeShipped(order *Order, lineID string, quantity int) []domain.FulfillmentLine {
	var taken []domain.FulfillmentLine
	for i := len(order.Fulfillments) - 1; i >= 0 && quantity > 0; i-- {
		f := &order.Fulfillments[i]
		if f.Status != domain.FulfillmentFulfilled {
			continue
		}
		kept := make([]domain.FulfillmentLine, 0, len(f.Lines))
		for _, fl := range f.Lines {
			if fl.OrderLineID == lineID && quantity > 0 {
				n := min(fl.Quantity, quantity)
				quantity -= n
				fl.Quantity -= n
				taken = append(taken, domain.FulfillmentLine{
					OrderLineID: lineID,
					StockID:     fl.StockID,
					WarehouseID: fl.WarehouseID,
					Quantity:    n,
				})
			}
			if fl.Quantity > 0 {
				kept = append(kept, fl)
			}
		}
		f.Lines = kept
		if len(f.Lines) == 0 {
			f.Status = domain.FulfillmentReturned
		}
	}
	return taken
}

func eventLines(f Fulfillment) []domain.EventLine {
	lines := make([]domain.EventLine, 0, len(f.Lines))
	for _, fl := range f.Lines {
		lines = append(lines, domain.EventLine{OrderLineID: fl.OrderLineID, Quantity: fl.Quantity})
	}
	return lines
}
