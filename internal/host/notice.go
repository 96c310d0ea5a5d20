package host

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrUnknownNoticeKind = errors.New("host: unknown notice kind")

// NoticeKind is the closed set of transient notices a host can raise.
type NoticeKind string

const (
	NoticePlain          NoticeKind = "plain"
	NoticeSentAsMessage  NoticeKind = "sent_as_message"
	NoticeNotEnoughSpace NoticeKind = "not_enough_space"
)

const (
	ActionSeeChat  = "see_chat"
	ActionSettings = "storage_settings"

	NoChat int64 = -1

	defaultSentAsMessageText  = "Sent as a message."
	defaultNotEnoughSpaceText = "Not enough free space on the device."
)

type Notice struct {
	Kind   NoticeKind `json:"kind"`
	Text   string     `json:"text"`
	Action string     `json:"action,omitempty"`
	ChatID int64      `json:"chat_id"`
	Host   string     `json:"host"`
	At     time.Time  `json:"at"`
}

// Notifier displays notices. Rendering is the notifier's business.
type Notifier interface {
	ShowNotice(n Notice)
}

func ParseNoticeKind(raw string) (NoticeKind, error) {
	k := NoticeKind(strings.ToLower(strings.TrimSpace(raw)))
	switch k {
	case NoticePlain, NoticeSentAsMessage, NoticeNotEnoughSpace:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownNoticeKind, raw)
}

// buildNotice fills the fixed text and action for each kind. A sent-as-message
// notice keeps caller text when given; chatID is only meaningful for that kind.
func buildNotice(kind NoticeKind, text string, chatID int64) (Notice, error) {
	kind, err := ParseNoticeKind(string(kind))
	if err != nil {
		return Notice{}, err
	}
	n := Notice{Kind: kind, Text: text, ChatID: NoChat}
	switch kind {
	case NoticeSentAsMessage:
		if strings.TrimSpace(text) == "" {
			n.Text = defaultSentAsMessageText
		}
		n.Action = ActionSeeChat
		n.ChatID = chatID
	case NoticeNotEnoughSpace:
		n.Text = defaultNotEnoughSpaceText
		n.Action = ActionSettings
	}
	return n, nil
}
