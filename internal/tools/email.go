package tools

import (
	"fmt"
	"net/smtp"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/basket/crewd/internal/audit"
	"github.com/basket/crewd/internal/shared"
)

// emailCredentials is the secret blob stored for the email adapter.
type emailCredentials struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	From     string `json:"from"`
}

// SendEmailInput is the input for the send_email tool.
type SendEmailInput struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// SendEmailOutput is the output for the send_email tool.
type SendEmailOutput struct {
	Status string `json:"status"`
}

func (r *Registry) registerEmail(g *genkit.Genkit) ai.Tool {
	return genkit.DefineTool(g, "send_email",
		"Send an email from the account's configured outbound address.",
		func(ctx *ai.ToolContext, input SendEmailInput) (SendEmailOutput, error) {
			to := strings.TrimSpace(input.To)
			if to == "" || !strings.Contains(to, "@") {
				return SendEmailOutput{}, fmt.Errorf("send_email: invalid recipient %q", to)
			}
			if strings.TrimSpace(input.Subject) == "" {
				return SendEmailOutput{}, fmt.Errorf("send_email: subject must be non-empty")
			}

			creds, err := credential[emailCredentials](ctx, r.store, KindEmail)
			if err != nil {
				return SendEmailOutput{}, err
			}
			if creds.Port == 0 {
				creds.Port = 587
			}

			msg := strings.Join([]string{
				"From: " + creds.From,
				"To: " + to,
				"Subject: " + input.Subject,
				"MIME-Version: 1.0",
				"Content-Type: text/plain; charset=UTF-8",
				"",
				input.Body,
			}, "\r\n")

			addr := fmt.Sprintf("%s:%d", creds.Host, creds.Port)
			auth := smtp.PlainAuth("", creds.Username, creds.Password, creds.Host)
			if err := smtp.SendMail(addr, auth, creds.From, []string{to}, []byte(msg)); err != nil {
				return SendEmailOutput{}, fmt.Errorf("send_email: %w", err)
			}

			audit.Record("email.send", "applied", "", shared.WorkerActor(ctx), to)
			r.logger.Info("email sent",
				"account_id", shared.AccountID(ctx),
				"execution_id", shared.ExecutionID(ctx),
				"to", to)
			return SendEmailOutput{Status: "sent"}, nil
		},
	)
}
