package feeder

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
	"time"

	"dataharvest/lib/timezone"

	"github.com/jordan-wright/email"
	"go.opentelemetry.io/otel/codes"
)

type SmtpConfig struct {
	Server       string
	Port         int
	EmailAddress string
	Password     string
}

// Notifier mails a plain text digest of what a sync cycle changed.
type Notifier struct {
	smtp SmtpConfig
	to   []string
}

func NewNotifier(smtp SmtpConfig, to []string) Notifier {
	return Notifier{smtp: smtp, to: to}
}

func buildDigest(now time.Time, reports []Report) (subject string, body string) {
	subject = fmt.Sprintf("Short position changes %s", now.Format("02/01/2006"))

	b := strings.Builder{}
	fmt.Fprintf(&b, "Disclosed net short positions moved for %d companies:\n\n", len(reports))
	for _, r := range reports {
		fmt.Fprintf(
			&b, "%s (%s): %d new, %d changed\n",
			r.Company.Name, r.Company.Ticker, r.Inserted, r.Updated,
		)
	}
	b.WriteString("\nSent by dataharvest.\n")
	return subject, b.String()
}

func (n Notifier) SendDigest(ctx context.Context, reports []Report) error {
	ctx, span := tracer.Start(ctx, "SendDigest")
	defer span.End()

	subject, body := buildDigest(timezone.Now(), reports)

	mail := email.NewEmail()
	mail.From = fmt.Sprintf("dataharvest <%s>", n.smtp.EmailAddress)
	mail.To = n.to
	mail.Subject = subject
	mail.Text = []byte(body)

	addr := fmt.Sprintf("%s:%d", n.smtp.Server, n.smtp.Port)
	err := mail.Send(
		addr,
		smtp.PlainAuth("", n.smtp.EmailAddress, n.smtp.Password, n.smtp.Server),
	)
	if err != nil && strings.Contains(err.Error(), "server doesn't support AUTH") {
		err = mail.Send(addr, nil)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send digest")
		return err
	}

	slog.InfoContext(ctx, "digest sent", "recipients", len(n.to), "companies", len(reports))
	return nil
}
