package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ChannelRowChanges канал NOTIFY, в который пишут триггеры таблиц
const ChannelRowChanges = "row_changes"

// PGListener слушает LISTEN/NOTIFY в PostgreSQL и публикует события в шину
type PGListener struct {
	pool    *pgxpool.Pool
	bus     *Bus
	channel string
	logger  *zap.Logger
	backoff time.Duration
}

// NewPGListener создаёт слушателя канала row_changes
func NewPGListener(pool *pgxpool.Pool, bus *Bus, logger *zap.Logger) *PGListener {
	return &PGListener{
		pool:    pool,
		bus:     bus,
		channel: ChannelRowChanges,
		logger:  logger,
		backoff: 2 * time.Second,
	}
}

// Run слушает канал до отмены контекста, переподключаясь при ошибках
func (l *PGListener) Run(ctx context.Context) {
	l.logger.Info("Starting realtime listener", zap.String("channel", l.channel))

	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			l.logger.Info("Realtime listener stopped")
			return
		}

		l.logger.Warn("Realtime listener disconnected, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", l.backoff))

		select {
		case <-time.After(l.backoff):
		case <-ctx.Done():
			l.logger.Info("Realtime listener stopped")
			return
		}
	}
}

func (l *PGListener) listen(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", l.channel, err)
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}

		var e Event
		if err := json.Unmarshal([]byte(n.Payload), &e); err != nil {
			l.logger.Warn("Skipping malformed notification",
				zap.String("channel", n.Channel),
				zap.Error(err))
			continue
		}

		l.bus.Publish(e)
	}
}
