package mailer

import (
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type Mailer struct {
	cfg  Config
	log  *zerolog.Logger
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func New(cfg Config, log *zerolog.Logger) (*Mailer, error) {
	if cfg.Host == "" {
		return nil, errors.New("smtp host cannot be empty")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	return &Mailer{cfg: cfg, log: log, send: smtp.SendMail}, nil
}

// SendReminder emails recipient that eventName starts at startsAt.
func (m *Mailer) SendReminder(recipient, eventName string, startsAt time.Time) error {
	msg := reminderMessage(m.cfg.From, recipient, eventName, startsAt)

	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	if err := m.send(addr, auth, m.cfg.From, []string{recipient}, msg); err != nil {
		m.log.Warn().Err(err).Str("email", recipient).Msg("failed to send reminder email")
		return fmt.Errorf("send email: %w", err)
	}

	m.log.Info().Str("email", recipient).Str("event", eventName).Msg("reminder email sent")
	return nil
}

func reminderMessage(from, to, eventName string, startsAt time.Time) []byte {
	subject := fmt.Sprintf("Recordatorio: %s", eventName)
	body := fmt.Sprintf("¡Hola!\n\nTe recordamos que el evento «%s» en el que estás inscripto comienza el %s.\n¡Te esperamos!",
		eventName, startsAt.Format("02/01/2006 15:04"))
	return []byte(fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		from, to, subject, body))
}
