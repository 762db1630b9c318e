package reliability

import (
	"context"
	"errors"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
	"roomcast/pkg/circuitbreaker"
	"roomcast/pkg/retry"
	"roomcast/pkg/tracing"

	"go.uber.org/zap"
)

// RoomStoreWrapper wraps a RoomRepository with retry logic and a circuit
// breaker, shielding the protocol path from a flapping external store.
// Domain outcomes (room exists, room missing) are not failures and pass
// through without retries.
type RoomStoreWrapper struct {
	inner  ports.RoomRepository
	logger *zap.SugaredLogger

	retryConfig    retry.Config
	circuitBreaker *circuitbreaker.CircuitBreaker
}

func NewRoomStoreWrapper(
	inner ports.RoomRepository,
	retryConfig retry.Config,
	cbConfig circuitbreaker.Config,
	logger *zap.SugaredLogger,
) *RoomStoreWrapper {
	retryConfig.NonRetryableErrors = append(retryConfig.NonRetryableErrors,
		domain.ErrRoomExists,
		domain.ErrRoomNotFound,
	)

	wrapper := &RoomStoreWrapper{
		inner:          inner,
		logger:         logger,
		retryConfig:    retryConfig,
		circuitBreaker: circuitbreaker.New(cbConfig),
	}

	wrapper.circuitBreaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Infow("room store circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})

	return wrapper
}

func (w *RoomStoreWrapper) execute(ctx context.Context, op string, id domain.RoomID, fn func() error) error {
	ctx, span := tracing.TraceStoreOperation(ctx, op, string(id))
	defer span.End()

	var err error
	if !w.retryConfig.Enabled {
		err = fn()
	} else {
		err = retry.Retry(ctx, w.retryConfig, func() error {
			return w.circuitBreaker.Execute(ctx, fn)
		})
	}
	if err != nil && !errors.Is(err, domain.ErrRoomExists) && !errors.Is(err, domain.ErrRoomNotFound) {
		tracing.RecordError(ctx, err)
	}
	return err
}

func (w *RoomStoreWrapper) Exists(ctx context.Context, id domain.RoomID) (bool, error) {
	var exists bool
	err := w.execute(ctx, "exists", id, func() error {
		var err error
		exists, err = w.inner.Exists(ctx, id)
		return err
	})
	return exists, err
}

func (w *RoomStoreWrapper) Create(ctx context.Context, id domain.RoomID, firstPeer domain.Username) error {
	return w.execute(ctx, "create", id, func() error {
		return w.inner.Create(ctx, id, firstPeer)
	})
}

func (w *RoomStoreWrapper) Read(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	var room *domain.Room
	err := w.execute(ctx, "read", id, func() error {
		var err error
		room, err = w.inner.Read(ctx, id)
		return err
	})
	return room, err
}

func (w *RoomStoreWrapper) AppendPeer(ctx context.Context, id domain.RoomID, peer domain.Username) error {
	return w.execute(ctx, "append_peer", id, func() error {
		return w.inner.AppendPeer(ctx, id, peer)
	})
}

func (w *RoomStoreWrapper) RemovePeer(ctx context.Context, id domain.RoomID, peer domain.Username) (int, error) {
	var remaining int
	err := w.execute(ctx, "remove_peer", id, func() error {
		var err error
		remaining, err = w.inner.RemovePeer(ctx, id, peer)
		return err
	})
	return remaining, err
}

func (w *RoomStoreWrapper) Delete(ctx context.Context, id domain.RoomID) error {
	return w.execute(ctx, "delete", id, func() error {
		return w.inner.Delete(ctx, id)
	})
}

// Stats returns circuit breaker statistics for diagnostics.
func (w *RoomStoreWrapper) Stats() circuitbreaker.Stats {
	return w.circuitBreaker.Snapshot()
}
