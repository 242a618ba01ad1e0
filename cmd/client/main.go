package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"time"

	"github.com/sirupsen/logrus"

	"stream-rpc/client"
	"stream-rpc/codec"
	"stream-rpc/config"
	"stream-rpc/loadbalance"
	"stream-rpc/logging"
	"stream-rpc/middleware"
	"stream-rpc/payment"
	"stream-rpc/registry"
	"stream-rpc/transport"
)

func main() {
	configFile := flag.String("config", "config.yaml", "Path to config file")
	userID := flag.String("user", "user_123", "User whose history is streamed")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Load config: %v", err)
	}
	if err := logging.Init(cfg.Logging); err != nil {
		log.Fatalf("Init logging: %v", err)
	}

	var reg registry.Registry
	if cfg.Registry.Enabled {
		etcdReg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, 5*time.Second)
		if err != nil {
			logrus.Fatalf("Failed to connect to etcd: %v", err)
		}
		reg = etcdReg
	} else {
		addr := cfg.AdvertiseAddr
		if addr == "" {
			addr = cfg.ListenAddr
		}
		reg = registry.NewStatic([]string{addr}, payment.ServiceName)
	}
	defer reg.Close()

	bal, err := loadbalance.New(cfg.Balancer)
	if err != nil {
		logrus.Fatalf("Balancer: %v", err)
	}
	codecType, err := codec.ParseCodecType(cfg.Codec)
	if err != nil {
		logrus.Fatalf("Codec: %v", err)
	}

	opts := []client.Option{
		client.WithMiddleware(middleware.LoggingMiddleware()),
		client.WithMiddleware(middleware.RetryMiddleware(3, 100*time.Millisecond)),
		client.WithTransportOptions(
			transport.WithHeartbeat(cfg.HeartbeatInterval()),
			transport.WithStreamWindow(cfg.StreamWindow),
		),
	}
	if cfg.TimeoutMs > 0 {
		opts = append(opts, client.WithMiddleware(middleware.TimeoutMiddleware(cfg.Timeout())))
	}
	c := client.NewClient(reg, bal, codecType, cfg.PoolSize, opts...)
	defer c.Close()

	ctx := context.Background()

	resp := &payment.PaymentResponse{}
	if err := c.Call(ctx, "PaymentService.ProcessPayment", &payment.PaymentRequest{OrderID: *userID, Amount: 100.0}, resp); err != nil {
		logrus.Fatalf("ProcessPayment: %v", err)
	}
	logrus.WithFields(logrus.Fields{"success": resp.Success, "confirmation": resp.Confirmation}).Info("Payment response")

	history, err := c.Stream(ctx, "PaymentService.TransactionHistory", payment.HistoryRequest{UserID: *userID})
	if err != nil {
		logrus.Fatalf("TransactionHistory: %v", err)
	}
	for {
		var txn payment.Transaction
		err := history.Recv(&txn)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			logrus.Fatalf("TransactionHistory: %v", err)
		}
		logrus.WithFields(logrus.Fields{"id": txn.ID, "amount": txn.Amount}).Info("Transaction")
	}

	chat, err := c.BiStream(ctx, "PaymentService.Chat")
	if err != nil {
		logrus.Fatalf("Chat: %v", err)
	}
	for _, text := range []string{"hi", "there"} {
		if err := chat.Send(payment.ChatMessage{Text: text}); err != nil {
			logrus.Fatalf("Chat send: %v", err)
		}
	}
	if err := chat.CloseSend(); err != nil {
		logrus.Fatalf("Chat close: %v", err)
	}
	for {
		var msg payment.ChatMessage
		err := chat.Recv(&msg)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			logrus.Fatalf("Chat: %v", err)
		}
		logrus.WithField("text", msg.Text).Info("Chat reply")
	}
}
