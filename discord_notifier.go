package main

import (
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// discordNotifier announces found blocks to a configured channel. Entirely
// optional; a nil notifier is a no-op everywhere.
type discordNotifier struct {
	session *discordgo.Session
	channel string
}

func newDiscordNotifier(token, channelID string) *discordNotifier {
	if token == "" || channelID == "" {
		return nil
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		logger.Warn("discord notifier disabled", "error", err)
		return nil
	}
	if err := session.Open(); err != nil {
		logger.Warn("discord notifier disabled", "error", err)
		return nil
	}
	return &discordNotifier{session: session, channel: channelID}
}

func (n *discordNotifier) announceBlock(rec foundBlockRecord) {
	if n == nil {
		return
	}
	var msg string
	switch rec.Kind {
	case "block":
		msg = fmt.Sprintf("Block found at height %d by %s: `%s`", rec.Height, rec.Miner, rec.Hash)
	case "aux-block":
		msg = fmt.Sprintf("Aux chain block found on %s by %s: `%s`", rec.Chain, rec.Miner, rec.Hash)
	case "second-stage-block":
		msg = fmt.Sprintf("Second-stage block found on %s by %s: `%s`", rec.Chain, rec.Miner, rec.Hash)
	default:
		return
	}
	go func() {
		if _, err := n.session.ChannelMessageSend(n.channel, msg); err != nil {
			logger.Warn("discord announce failed", "error", err)
		}
	}()
}

func (n *discordNotifier) Close() {
	if n == nil {
		return
	}
	_ = n.session.Close()
}
