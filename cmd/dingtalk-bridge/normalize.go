package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/memohai/dingtalk-bridge/internal/channel"
	"github.com/memohai/dingtalk-bridge/internal/channel/adapters/dingtalk"
)

type normalizeOutput struct {
	MessageID      string           `json:"message_id,omitempty"`
	ConversationID string           `json:"conversation_id,omitempty"`
	Group          bool             `json:"group"`
	SenderID       string           `json:"sender_id,omitempty"`
	Envelope       channel.Envelope `json:"envelope"`
}

func normalizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "normalize <payload.json|->",
		Short: "Print the normalized envelope for a robot message payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readPayload(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			p, err := dingtalk.ParsePayload(raw)
			if err != nil {
				return err
			}
			out := normalizeOutput{
				MessageID:      p.MsgID,
				ConversationID: p.ConversationID,
				Group:          p.IsGroup(),
				SenderID:       p.SenderID,
				Envelope:       dingtalk.Normalize(p),
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			enc.SetEscapeHTML(false)
			return enc.Encode(out)
		},
	}
}

func readPayload(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return raw, nil
}
