package cluster

import (
	"context"
	"fmt"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	ferrors "github.com/dreamware/fedround/internal/errors"
)

// Fabric is the rank-addressed message passing substrate shared by the
// coordinator and the workers.
//
// Messages between a pair of ranks are delivered in FIFO order. There is no
// ordering across senders. Every method fails with ErrCommunication when a
// peer is unknown or unreachable and with ErrFabricClosed after Close.
type Fabric interface {
	// Rank returns the rank of this process.
	Rank() Rank
	// Size returns the number of ranks, coordinator included.
	Size() int
	// Send delivers payload to rank to.
	Send(ctx context.Context, to Rank, payload []byte) error
	// Recv blocks until a message from rank from (or any rank for AnyRank)
	// arrives and returns it.
	Recv(ctx context.Context, from Rank) (Envelope, error)
	// Broadcast delivers payload from root to every other rank. It must be
	// called on root; the other ranks read the message with Recv.
	Broadcast(ctx context.Context, payload []byte, root Rank) error
	// Barrier blocks until every rank has entered the barrier.
	Barrier(ctx context.Context) error
	// Close releases the fabric. Blocked receivers return ErrFabricClosed.
	Close() error
}

// transport moves an envelope to its destination rank.
type transport func(ctx context.Context, env Envelope) error

// core implements the transport-independent part of a Fabric: validation,
// inboxes, broadcast and barrier. Concrete fabrics embed it and supply the
// transport.
type core struct {
	rank    Rank
	size    int
	inboxes map[Tag]*mailbox
	closed  atomic.Bool
	deliver transport
}

func newCore(rank Rank, size int, deliver transport) *core {
	return &core{
		rank: rank,
		size: size,
		inboxes: map[Tag]*mailbox{
			TagProtocol: newMailbox(),
			TagBarrier:  newMailbox(),
		},
		deliver: deliver,
	}
}

func (c *core) Rank() Rank { return c.rank }

func (c *core) Size() int { return c.size }

func (c *core) validPeer(r Rank) bool {
	return r >= 0 && int(r) < c.size && r != c.rank
}

func (c *core) Send(ctx context.Context, to Rank, payload []byte) error {
	return c.send(ctx, to, TagProtocol, payload)
}

func (c *core) send(ctx context.Context, to Rank, tag Tag, payload []byte) error {
	if c.closed.Load() {
		return ferrors.ErrFabricClosed.GenWithStackByArgs(c.rank)
	}
	if !c.validPeer(to) {
		return ferrors.ErrCommunication.GenWithStackByArgs(to, "unknown rank")
	}
	err := c.deliver(ctx, Envelope{From: c.rank, To: to, Tag: tag, Payload: payload})
	if err != nil {
		fabricErrorCounter.WithLabelValues(string(tag)).Inc()
		return err
	}
	fabricMessageCounter.WithLabelValues("send", string(tag)).Inc()
	fabricBytesCounter.WithLabelValues("send").Add(float64(len(payload)))
	return nil
}

func (c *core) Recv(ctx context.Context, from Rank) (Envelope, error) {
	return c.recv(ctx, TagProtocol, from)
}

func (c *core) recv(ctx context.Context, tag Tag, from Rank) (Envelope, error) {
	if c.closed.Load() {
		return Envelope{}, ferrors.ErrFabricClosed.GenWithStackByArgs(c.rank)
	}
	if from != AnyRank && !c.validPeer(from) {
		return Envelope{}, ferrors.ErrCommunication.GenWithStackByArgs(from, "unknown rank")
	}
	env, err := c.inboxes[tag].take(ctx, from)
	if err == errMailboxClosed {
		return Envelope{}, ferrors.ErrFabricClosed.GenWithStackByArgs(c.rank)
	}
	if err != nil {
		return Envelope{}, err
	}
	fabricMessageCounter.WithLabelValues("recv", string(tag)).Inc()
	return env, nil
}

// accept hands an inbound envelope to the matching inbox.
func (c *core) accept(env Envelope) error {
	if env.To != c.rank {
		return ferrors.ErrProtocol.GenWithStackByArgs(
			fmt.Sprintf("envelope for rank %d delivered to rank %d", env.To, c.rank))
	}
	box, ok := c.inboxes[env.Tag]
	if !ok {
		return ferrors.ErrProtocol.GenWithStackByArgs(fmt.Sprintf("unknown tag %q", env.Tag))
	}
	if !box.put(env) {
		return ferrors.ErrFabricClosed.GenWithStackByArgs(c.rank)
	}
	return nil
}

// Broadcast sends payload to every other rank. Delivery is attempted to all
// ranks; the failures are combined.
func (c *core) Broadcast(ctx context.Context, payload []byte, root Rank) error {
	if root != c.rank {
		return ferrors.ErrProtocol.GenWithStackByArgs(
			fmt.Sprintf("broadcast rooted at %d called on rank %d", root, c.rank))
	}
	var errs error
	for r := 0; r < c.size; r++ {
		if Rank(r) == c.rank {
			continue
		}
		errs = multierr.Append(errs, c.Send(ctx, Rank(r), payload))
	}
	return errs
}

// Barrier gathers an arrival from every rank at the coordinator, which then
// releases them all. Barriers issued in the same order on every rank pair up
// thanks to per-pair FIFO delivery.
func (c *core) Barrier(ctx context.Context) error {
	if c.rank != CoordinatorRank {
		if err := c.send(ctx, CoordinatorRank, TagBarrier, nil); err != nil {
			return errors.Trace(err)
		}
		_, err := c.recv(ctx, TagBarrier, CoordinatorRank)
		return errors.Trace(err)
	}
	for r := 1; r < c.size; r++ {
		if _, err := c.recv(ctx, TagBarrier, Rank(r)); err != nil {
			return errors.Trace(err)
		}
	}
	var errs error
	for r := 1; r < c.size; r++ {
		errs = multierr.Append(errs, c.send(ctx, Rank(r), TagBarrier, nil))
	}
	return errs
}

// Close marks the fabric closed and wakes blocked receivers. It is idempotent.
func (c *core) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, box := range c.inboxes {
		box.close()
	}
	log.Debug("fabric closed", zap.Int("rank", int(c.rank)))
	return nil
}

// pending returns the number of undelivered protocol messages.
func (c *core) pending() int {
	return c.inboxes[TagProtocol].len()
}
