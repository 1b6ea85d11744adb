// Package paymentio accepts line-oriented TCP connections from point-of-sale
// terminals, each announcing a completed payment as "ACC <receipt_id>\n".
// The peer's IP address — not the receipt id — is what downstream
// authorization cares about: it identifies which POS zone the payment
// belongs to.
package paymentio

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/timour/edge-gateway/internal/domain"
)

// Config configures the POS confirmation listener.
type Config struct {
	Port    int
	Enabled bool
}

// DefaultConfig returns the terminal's conventional listening port.
func DefaultConfig() Config {
	return Config{Port: 25803, Enabled: true}
}

// Listener accepts POS confirmation connections and forwards an AccEvent
// onto the fused event channel for each receipt line received.
type Listener struct {
	config Config
	log    *slog.Logger
}

// New creates a Listener. Run binds the port and begins accepting.
func New(config Config, log *slog.Logger) *Listener {
	return &Listener{config: config, log: log}
}

// Run binds the configured port and accepts connections until ctx is
// canceled. Each connection is handled in its own goroutine.
func (l *Listener) Run(ctx context.Context, events chan<- domain.ParsedEvent) error {
	if !l.config.Enabled {
		l.log.Info("acc_listener_disabled")
		<-ctx.Done()
		return nil
	}

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf("0.0.0.0:%d", l.config.Port))
	if err != nil {
		return err
	}

	l.log.Info("acc_listener_started", slog.Int("port", l.config.Port))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				l.log.Info("acc_listener_shutdown")
				return nil
			}
			l.log.Error("acc_listener_accept_failed", slog.Any("error", err))
			continue
		}
		go l.handleConnection(conn, events)
	}
}

func (l *Listener) handleConnection(conn net.Conn, events chan<- domain.ParsedEvent) {
	defer conn.Close()

	peerIP := peerIPOf(conn)
	l.log.Debug("acc_connection_accepted", slog.String("ip", peerIP))

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		receiptID, ok := strings.CutPrefix(line, "ACC ")
		if !ok {
			if line != "" {
				l.log.Debug("acc_unknown_message", slog.String("peer_ip", peerIP), slog.String("line", line))
			}
			continue
		}

		receiptID = strings.TrimSpace(receiptID)
		if receiptID == "" {
			l.log.Warn("acc_missing_receipt_id", slog.String("line", line))
			continue
		}

		l.log.Info("acc_event_received", slog.String("receipt_id", receiptID), slog.String("peer_ip", peerIP))

		event := domain.ParsedEvent{
			Type:        domain.EventAccEvent,
			AccSourceIP: peerIP,
			EventTimeMs: domain.EpochMs(),
			ReceivedAt:  time.Now(),
		}

		select {
		case events <- event:
		default:
			l.log.Warn("acc_event_channel_full", slog.String("peer_ip", peerIP))
		}
	}

	l.log.Debug("acc_connection_closed", slog.String("peer_ip", peerIP))
}

func peerIPOf(conn net.Conn) string {
	addr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return conn.RemoteAddr().String()
	}
	return addr.IP.String()
}
