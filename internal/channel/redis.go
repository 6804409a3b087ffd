package channel

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the stream sender.
type RedisConfig struct {
	// Prefix of the stream key; messages go to "<prefix>:<medium>".
	Prefix string
	// MaxLen caps each stream (approximate trim). 0 disables trimming.
	MaxLen int64
}

// streamAdder is the part of the redis client the sender needs.
type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisSender hands messages to downstream gateway workers by appending them
// to a Redis stream per medium. A successful XADD counts as delivered.
type RedisSender struct {
	rdb streamAdder
	cfg RedisConfig
}

func NewRedisSender(rdb streamAdder, cfg RedisConfig) *RedisSender {
	if strings.TrimSpace(cfg.Prefix) == "" {
		cfg.Prefix = "commdispatch:outbox"
	}
	return &RedisSender{rdb: rdb, cfg: cfg}
}

// Stream returns the stream key used for medium.
func (s *RedisSender) Stream(medium string) string {
	return s.cfg.Prefix + ":" + medium
}

func (s *RedisSender) Send(ctx context.Context, msg Message) (Receipt, error) {
	if strings.TrimSpace(msg.Address) == "" {
		return Receipt{}, Permanent(errors.New("empty address"))
	}
	attachments, err := json.Marshal(msg.Attachments)
	if err != nil {
		return Receipt{}, Permanent(err)
	}
	args := &redis.XAddArgs{
		Stream: s.Stream(string(msg.Medium)),
		Values: map[string]any{
			"communication_id": msg.CommunicationID,
			"recipient_id":     msg.RecipientID,
			"to":               msg.Address,
			"name":             msg.Name,
			"from":             msg.From,
			"subject":          msg.Subject,
			"body":             msg.Body,
			"attachments":      string(attachments),
			"attempt":          msg.Attempt,
		},
	}
	if s.cfg.MaxLen > 0 {
		args.MaxLen = s.cfg.MaxLen
		args.Approx = true
	}
	id, err := s.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{ProviderID: id, At: time.Now()}, nil
}
