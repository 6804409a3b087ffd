package channel

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	logx "commdispatch/pkg/logx"
)

// LogSender is a dry-run sender: every message is logged and reported as
// delivered.
type LogSender struct {
	log logx.Logger
	seq atomic.Uint64
}

func NewLogSender(log logx.Logger) *LogSender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogSender{log: log}
}

func (s *LogSender) Send(ctx context.Context, msg Message) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	id := s.seq.Add(1)
	s.log.Info("dry-run send",
		logx.String("medium", string(msg.Medium)),
		logx.Int64("communication", msg.CommunicationID),
		logx.Int64("recipient", msg.RecipientID),
		logx.String("to", msg.Address),
		logx.String("subject", msg.Subject),
		logx.Int("attempt", msg.Attempt),
	)
	return Receipt{ProviderID: "log-" + strconv.FormatUint(id, 10), At: time.Now()}, nil
}
