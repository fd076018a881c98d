// Пакет notify — отправка почтовых уведомлений через NATS.
// Сервис публикует почтовые задания в subject, письма отправляет
// отдельный почтовый воркер. Для движка отправка — fire-and-forget:
// ошибки публикации логируются и не возвращаются вызывающему.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher — минимальный контракт NATS-соединения.
// Реализуется *nats.Conn.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Mail — почтовое задание.
type Mail struct {
	To []string `json:"to"`
	// BCC — адресаты не видят друг друга
	BCC      bool      `json:"bcc"`
	Template Template  `json:"template"`
	QueuedAt time.Time `json:"queued_at"`
}

// NDAAction — действие со списком рассылки NDA.
type NDAAction struct {
	Email     string    `json:"email"`
	Subscribe bool      `json:"subscribe"`
	QueuedAt  time.Time `json:"queued_at"`
}

// Sender публикует почтовые задания в NATS.
type Sender struct {
	pub     Publisher
	subject string
	logger  *slog.Logger
}

// NewSender создаёт отправителя. subject — subject почтовых заданий,
// задания рассылки NDA публикуются в subject + ".nda".
func NewSender(pub Publisher, subject string, logger *slog.Logger) *Sender {
	return &Sender{
		pub:     pub,
		subject: subject,
		logger:  logger.With(slog.String("component", "notify")),
	}
}

// Connect подключается к NATS с бесконечным переподключением.
func Connect(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("Соединение с NATS потеряно", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("Соединение с NATS восстановлено", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к NATS %s: %w", url, err)
	}
	return nc, nil
}

// ConnStatus — состояние NATS-соединения. Реализуется *nats.Conn.
type ConnStatus interface {
	Status() nats.Status
}

// ReadinessChecker — проверка NATS для health endpoint.
type ReadinessChecker struct {
	conn ConnStatus
}

// NewReadinessChecker создаёт проверку готовности NATS.
func NewReadinessChecker(conn ConnStatus) *ReadinessChecker {
	return &ReadinessChecker{conn: conn}
}

// CheckReady проверяет состояние соединения. При переподключении
// клиент буферизует публикации, поэтому статус degraded.
func (c *ReadinessChecker) CheckReady() (status string, message string) {
	switch st := c.conn.Status(); st {
	case nats.CONNECTED:
		return "ok", "подключение активно"
	case nats.RECONNECTING, nats.CONNECTING:
		return "degraded", "переподключение к NATS"
	default:
		return "fail", fmt.Sprintf("NATS недоступен: %s", st)
	}
}

// SendEmail отправляет письмо одному адресату.
func (s *Sender) SendEmail(ctx context.Context, addr string, t Template) {
	if strings.TrimSpace(addr) == "" {
		s.logger.Warn("Пропуск письма без адреса", slog.String("kind", t.Kind))
		return
	}
	s.publish(ctx, s.subject, Mail{To: []string{addr}, Template: t, QueuedAt: time.Now().UTC()})
}

// SendEmails отправляет письмо нескольким адресатам скрытой копией.
func (s *Sender) SendEmails(ctx context.Context, addrs []string, t Template) {
	to := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a = strings.TrimSpace(a); a != "" {
			to = append(to, a)
		}
	}
	if len(to) == 0 {
		s.logger.Warn("Пропуск письма без адресатов", slog.String("kind", t.Kind))
		return
	}
	s.publish(ctx, s.subject, Mail{To: to, BCC: true, Template: t, QueuedAt: time.Now().UTC()})
}

// SubscribeNDA подписывает адрес на рассылку NDA.
func (s *Sender) SubscribeNDA(ctx context.Context, email string) {
	s.publish(ctx, s.subject+".nda", NDAAction{Email: email, Subscribe: true, QueuedAt: time.Now().UTC()})
}

// UnsubscribeNDA отписывает адрес от рассылки NDA.
func (s *Sender) UnsubscribeNDA(ctx context.Context, email string) {
	s.publish(ctx, s.subject+".nda", NDAAction{Email: email, Subscribe: false, QueuedAt: time.Now().UTC()})
}

func (s *Sender) publish(ctx context.Context, subject string, msg any) {
	if err := ctx.Err(); err != nil {
		s.logger.Warn("Публикация отменена", slog.String("subject", subject), slog.String("error", err.Error()))
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("Ошибка сериализации почтового задания", slog.String("error", err.Error()))
		return
	}
	if err := s.pub.Publish(subject, data); err != nil {
		s.logger.Error("Ошибка публикации в NATS",
			slog.String("subject", subject),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Debug("Почтовое задание опубликовано", slog.String("subject", subject))
}
