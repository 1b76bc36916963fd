package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/memohai/dingtalk-bridge/internal/channel"
	"github.com/memohai/dingtalk-bridge/internal/channel/adapters/dingtalk"
	"github.com/memohai/dingtalk-bridge/internal/config"
	"github.com/memohai/dingtalk-bridge/internal/logger"
)

type sendFlags struct {
	account string
	webhook string
	text    string
	at      string
	format  string
	timeout time.Duration
}

func sendCmd() *cobra.Command {
	flags := sendFlags{}
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Post a reply to a session webhook through the reply encoder",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, flags)
		},
	}
	cmd.Flags().StringVar(&flags.account, "account", config.DefaultAccountID, "account id whose credentials authorize the reply")
	cmd.Flags().StringVar(&flags.webhook, "webhook", "", "session webhook URL from an inbound message")
	cmd.Flags().StringVar(&flags.text, "text", "", "reply text")
	cmd.Flags().StringVar(&flags.at, "at", "", "user id to mention")
	cmd.Flags().StringVar(&flags.format, "format", "auto", "reply encoding: auto, markdown or text")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 30*time.Second, "request timeout")
	_ = cmd.MarkFlagRequired("webhook")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func runSend(cmd *cobra.Command, flags sendFlags) error {
	force, err := parseReplyFormat(flags.format)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	acct, err := findAccount(cfg, flags.account)
	if err != nil {
		return err
	}

	log := logger.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	tokens := dingtalk.NewTokenCache(log, nil)
	encoder := dingtalk.NewReplyEncoder(log, tokens, nil)

	ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
	defer cancel()
	result, err := encoder.Send(ctx, dingtalk.Credentials{
		ClientID:     acct.ClientID,
		ClientSecret: acct.ClientSecret,
		RobotCode:    acct.RobotCode,
		APIBaseURL:   acct.APIBaseURL,
	}, channel.ReplyTarget{URL: flags.webhook}, flags.text, dingtalk.SendOptions{
		AtUserID:      strings.TrimSpace(flags.at),
		ForceMarkdown: force,
	})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func parseReplyFormat(raw string) (*bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "auto":
		return nil, nil
	case "markdown":
		v := true
		return &v, nil
	case "text":
		v := false
		return &v, nil
	default:
		return nil, fmt.Errorf("unknown format %q: use auto, markdown or text", raw)
	}
}

func findAccount(cfg config.Config, id string) (config.Account, error) {
	id = strings.TrimSpace(id)
	for _, acct := range cfg.DingTalk.ResolveAccounts() {
		if acct.ID == id {
			if acct.ClientID == "" || acct.ClientSecret == "" {
				return config.Account{}, fmt.Errorf("account %s: %w", id, config.ErrMissingCredentials)
			}
			return acct, nil
		}
	}
	return config.Account{}, errors.New("account " + id + " is not configured")
}
