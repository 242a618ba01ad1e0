// Package payment is the example service: a unary payment call, a paced
// transaction history stream and a chat relay.
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"stream-rpc/config"
	"stream-rpc/dispatch"
)

const ServiceName = "PaymentService"

type PaymentRequest struct {
	OrderID string  `json:"order_id"`
	Amount  float64 `json:"amount"`
}

type PaymentResponse struct {
	Success      bool   `json:"success"`
	Confirmation string `json:"confirmation"`
}

type HistoryRequest struct {
	UserID string `json:"user_id"`
}

type Transaction struct {
	ID     string  `json:"id"`
	UserID string  `json:"user_id"`
	Amount float64 `json:"amount"`
}

type ChatMessage struct {
	Text string `json:"text"`
}

var (
	ErrMissingOrderID = errors.New("order_id is required")
	ErrMissingUserID  = errors.New("user_id is required")
)

// PaymentService holds the example's settings. Its unary methods are picked
// up by server.Register; the streaming methods are registered by Register.
type PaymentService struct {
	historyItems int
	historyDelay time.Duration
}

func NewPaymentService(cfg config.Payment) *PaymentService {
	items := cfg.HistoryItems
	if items <= 0 {
		items = 30
	}
	return &PaymentService{historyItems: items, historyDelay: cfg.HistoryDelay()}
}

// ProcessPayment always succeeds for a request with an order id.
func (p *PaymentService) ProcessPayment(ctx context.Context, req *PaymentRequest, resp *PaymentResponse) error {
	if req.OrderID == "" {
		return ErrMissingOrderID
	}
	logrus.WithFields(logrus.Fields{"order_id": req.OrderID, "amount": req.Amount}).Info("Received payment request")
	resp.Success = true
	resp.Confirmation = fmt.Sprintf("Order %s processed!", req.OrderID)
	return nil
}

// TransactionHistory emits txn1..txnN with amounts 10, 20, ... in order,
// waiting historyDelay between items.
func (p *PaymentService) TransactionHistory(ctx context.Context, req HistoryRequest, out *dispatch.TypedEmitter[Transaction]) error {
	if req.UserID == "" {
		return ErrMissingUserID
	}
	var timer *time.Timer
	if p.historyDelay > 0 {
		timer = time.NewTimer(p.historyDelay)
		defer timer.Stop()
	}
	for i := 1; i <= p.historyItems; i++ {
		if timer != nil && i > 1 {
			timer.Reset(p.historyDelay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		txn := Transaction{ID: fmt.Sprintf("txn%d", i), UserID: req.UserID, Amount: float64(i) * 10}
		if err := out.Send(ctx, txn); err != nil {
			return err
		}
	}
	return nil
}

// Chat acknowledges every inbound message.
func (p *PaymentService) Chat(ctx context.Context, in ChatMessage) (ChatMessage, error) {
	return ChatMessage{Text: "Ack: " + in.Text}, nil
}

// Registrar is the part of server.Server Register needs.
type Registrar interface {
	Register(rcvr any) error
	Handle(service, method string, h dispatch.Handler) error
}

// Register installs all three methods under PaymentService.
func Register(r Registrar, svc *PaymentService) error {
	if err := r.Register(svc); err != nil {
		return err
	}
	if err := r.Handle(ServiceName, "TransactionHistory", dispatch.StreamHandler(svc.TransactionHistory)); err != nil {
		return err
	}
	return r.Handle(ServiceName, "Chat", dispatch.RelayHandler(svc.Chat))
}
