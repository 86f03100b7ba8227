package consumerWorker

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"

	"enrollsync/internal/dto"
	"enrollsync/internal/rabbit"
	"enrollsync/internal/store"
)

type Sender interface {
	SendReminder(recipient, eventName string, startsAt time.Time) error
}

// Reader delivers due event reminders to users who are still enrolled.
type Reader struct {
	RMQ     rabbit.Rabbiter
	backend store.Backend
	mail    Sender
	log     *zerolog.Logger
	now     func() time.Time
	done    chan struct{}
	cancel  context.CancelFunc
}

func NewReader(rmq rabbit.Rabbiter, backend store.Backend, mail Sender, log *zerolog.Logger) *Reader {
	return &Reader{
		RMQ:     rmq,
		backend: backend,
		mail:    mail,
		log:     log,
		now:     time.Now,
		done:    make(chan struct{}),
	}
}

func (r *Reader) Start(ctx context.Context) {
	cctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.log.Info().Msg("reminder reader started")

	go func() {
		defer close(r.done)

		if err := r.RMQ.Consume(func(body []byte) error {
			return r.handle(cctx, body)
		}); err != nil {
			r.log.Error().Err(err).Msg("failed to start consuming")
			return
		}

		<-cctx.Done()
		r.log.Info().Msg("reminder reader stopped by context")
	}()
}

func (r *Reader) handle(ctx context.Context, body []byte) error {
	var msg dto.ReminderMessage
	if err := sonic.Unmarshal(body, &msg); err != nil {
		r.log.Error().Err(err).Str("body", string(body)).Msg("failed to unmarshal reminder")
		return err
	}

	log := r.log.With().Int64("user_id", msg.UserID).Int64("event_id", msg.EventID).Logger()
	now := r.now()

	// long delays are clamped by the broker header, so the message can arrive early
	if wait := msg.RemindAt.Sub(now); wait > time.Second {
		log.Debug().Dur("wait", wait).Msg("reminder not due yet, publishing again")
		if err := rabbit.PublishReminder(ctx, r.RMQ, msg, wait); err != nil {
			return fmt.Errorf("republish reminder: %w", err)
		}
		return nil
	}

	if !msg.StartsAt.IsZero() && now.After(msg.StartsAt) {
		log.Info().Msg("event already started, skipping reminder")
		return nil
	}

	if !store.New(r.backend, msg.UserID, &log).IsMember(ctx, msg.EventID) {
		log.Info().Msg("user no longer enrolled, skipping reminder")
		return nil
	}

	if err := r.mail.SendReminder(msg.Email, msg.EventName, msg.StartsAt); err != nil {
		return err
	}
	log.Info().Str("email", msg.Email).Msg("reminder sent")
	return nil
}

func (r *Reader) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}
