package bridge

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/1ureka/interlink/internal/protocol"
	"github.com/1ureka/interlink/internal/util"
)

// CheckResult is the outcome of a non-destructive preflight broadcast.
type CheckResult struct {
	Success bool
	Err     error // first failure when !Success
}

// SwitchAllClientsTransport asks every peer to move to settings, in
// parallel, one transaction per peer. It returns nil once all peers
// acknowledged and the first failure otherwise, without waiting for the
// rest. Peers that failed stay mapped; nothing is rolled back here.
func (b *Bridge) SwitchAllClientsTransport(ctx context.Context, settings protocol.SwitchSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	err := b.broadcast(ctx, "transportSwitch", b.opts.SwitchTimeout, func(txID string) protocol.Message {
		return protocol.TransportSwitchRequest{TransactionID: txID, Settings: settings}
	})
	if err == nil {
		util.Stats.AddSwitch()
	}
	return err
}

// CheckClientsPreferredLogic asks every peer whether it can follow a switch.
func (b *Bridge) CheckClientsPreferredLogic(ctx context.Context) CheckResult {
	err := b.broadcast(ctx, "checkPreferredLogic", b.opts.PreferredLogicTimeout, func(txID string) protocol.Message {
		return protocol.CheckPreferredLogic{TransactionID: txID}
	})
	return CheckResult{Success: err == nil, Err: err}
}

// CheckClientsPreferredConnection asks every peer whether it can reach url.
func (b *Bridge) CheckClientsPreferredConnection(ctx context.Context, url string, auth *protocol.Auth) CheckResult {
	err := b.broadcast(ctx, "checkPreferredConnection", b.opts.PreferredConnectionTimeout, func(txID string) protocol.Message {
		return protocol.CheckPreferredConnection{TransactionID: txID, URL: url, Auth: auth}
	})
	return CheckResult{Success: err == nil, Err: err}
}

// broadcast sends one request per mapped peer and waits for every
// transaction. The first failure cancels the remaining waits; their
// transactions still settle on reply or timeout.
func (b *Bridge) broadcast(ctx context.Context, op string, timeout time.Duration, build func(txID string) protocol.Message) error {
	peers := b.Peers()
	if len(peers) == 0 {
		return nil
	}
	util.LogDebug("%s: %d peer(s)", op, len(peers))

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range peers {
		g.Go(func() error {
			tx := b.tc.Create(op, timeout)
			if !p.Send(protocol.MustEncode(build(tx.ID()))) {
				b.tc.Fail(tx.ID(), fmt.Errorf("peer %s: %w", p.ID, protocol.ErrClosed))
			}
			if _, err := tx.Wait(gctx); err != nil {
				return fmt.Errorf("%s: peer %s: %w", op, p.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}
