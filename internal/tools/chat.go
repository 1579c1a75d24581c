package tools

import (
	"fmt"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/crewd/internal/audit"
	"github.com/basket/crewd/internal/shared"
)

// chatCredentials is the secret blob stored for the chat adapter.
type chatCredentials struct {
	BotToken string `json:"bot_token"`
	ChatID   int64  `json:"chat_id"`
}

// SendChatMessageInput is the input for the send_chat_message tool.
type SendChatMessageInput struct {
	// Message is the text to deliver to the account's connected chat.
	Message string `json:"message"`
}

// SendChatMessageOutput is the output for the send_chat_message tool.
type SendChatMessageOutput struct {
	Status    string `json:"status"`
	MessageID int    `json:"message_id,omitempty"`
}

func (r *Registry) registerChat(g *genkit.Genkit) ai.Tool {
	return genkit.DefineTool(g, "send_chat_message",
		"Send a message to the account's connected chat channel. Use this to notify stakeholders of progress or results.",
		func(ctx *ai.ToolContext, input SendChatMessageInput) (SendChatMessageOutput, error) {
			text := strings.TrimSpace(input.Message)
			if text == "" {
				return SendChatMessageOutput{}, fmt.Errorf("send_chat_message: message must be non-empty")
			}

			creds, err := credential[chatCredentials](ctx, r.store, KindChat)
			if err != nil {
				return SendChatMessageOutput{}, err
			}

			bot, err := tgbotapi.NewBotAPI(creds.BotToken)
			if err != nil {
				return SendChatMessageOutput{}, fmt.Errorf("send_chat_message: connect: %w", err)
			}
			msg := tgbotapi.NewMessage(creds.ChatID, text)
			sent, err := bot.Send(msg)
			if err != nil {
				return SendChatMessageOutput{}, fmt.Errorf("send_chat_message: %w", err)
			}

			audit.Record("chat.send", "applied", "", shared.WorkerActor(ctx),
				fmt.Sprintf("chat:%d", creds.ChatID))
			r.logger.Info("chat message sent",
				"account_id", shared.AccountID(ctx),
				"execution_id", shared.ExecutionID(ctx),
				"message_id", sent.MessageID)
			return SendChatMessageOutput{Status: "sent", MessageID: sent.MessageID}, nil
		},
	)
}
