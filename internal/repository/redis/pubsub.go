package redis

import (
	"context"
	"encoding/json"
	"time"

	redisx "github.com/kirinyoku/tixmint/internal/redis"
	"github.com/redis/go-redis/v9"
)

// GamesPubSub announces catalog and inventory changes so that other
// instances can drop their cached copies.
type GamesPubSub struct {
	rdb     *redis.Client
	channel string
	now     func() time.Time
}

func NewGamesPubSub(rdb *redis.Client) *GamesPubSub {
	return &GamesPubSub{
		rdb:     rdb,
		channel: redisx.ChannelGamesChanged(),
		now:     time.Now,
	}
}

type gameChangedMsg struct {
	Type   string `json:"type"`
	GameID string `json:"game_id"`
	TsUnix int64  `json:"ts_unix"`
}

// PublishGameChanged is a no-op on a nil receiver.
func (p *GamesPubSub) PublishGameChanged(ctx context.Context, gameID string) error {
	if p == nil {
		return nil
	}

	msg := gameChangedMsg{
		Type:   "game_changed",
		GameID: gameID,
		TsUnix: p.now().Unix(),
	}

	b, _ := json.Marshal(msg)

	return p.rdb.Publish(ctx, p.channel, b).Err()
}

// Subscribe calls handler for every game change until ctx is done.
func (p *GamesPubSub) Subscribe(ctx context.Context, handler func(ctx context.Context, gameID string)) error {
	sub := p.rdb.Subscribe(ctx, p.channel)
	defer sub.Close()

	ch := sub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var ev gameChangedMsg
			if err := json.Unmarshal([]byte(m.Payload), &ev); err == nil &&
				ev.GameID != "" {
				handler(ctx, ev.GameID)
			}
		}
	}
}
