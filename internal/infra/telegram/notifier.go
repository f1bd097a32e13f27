package telegram

import (
	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"
)

// OperatorNotifier pushes delivery alerts to the operator's Telegram chat.
// It satisfies the dispatcher's Alerter interface.
type OperatorNotifier struct {
	adapter *TelebotAdapter
	chatID  int64
	log     *logrus.Entry
}

func NewOperatorNotifier(adapter *TelebotAdapter, chatID int64, log *logrus.Entry) *OperatorNotifier {
	return &OperatorNotifier{adapter: adapter, chatID: chatID, log: log}
}

func (n *OperatorNotifier) Alert(text string) {
	if n.chatID == 0 {
		return
	}
	if err := n.adapter.SendMessage(n.chatID, "⚠️ "+text, &telebot.SendOptions{}); err != nil {
		n.log.WithError(err).Error("Could not deliver operator alert")
	}
}
