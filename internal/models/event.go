package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Envelope types sent by the platform's Events API.
const (
	EnvelopeURLVerification = "url_verification"
	EnvelopeEventCallback   = "event_callback"
)

// Event types the gateway acts on.
const (
	EventAppMention = "app_mention"
	EventMessage    = "message"
)

// Channel kinds carried in message events.
const (
	ChannelKindPublic  = "channel"
	ChannelKindPrivate = "group"
	ChannelKindDirect  = "im"
	ChannelKindGroupDM = "mpim"
)

// Message subtypes. SubtypeBotMessage marks messages posted by bots or
// integrations; the other two are still ordinary user posts.
const (
	SubtypeBotMessage      = "bot_message"
	SubtypeThreadBroadcast = "thread_broadcast"
	SubtypeFileShare       = "file_share"
)

// Envelope is the POST /slack/events payload.
// Challenge is only set for url_verification; Event only for event_callback.
type Envelope struct {
	Type      string `json:"type"`
	Token     string `json:"token,omitempty"`
	Challenge string `json:"challenge,omitempty"`
	TeamID    string `json:"team_id,omitempty"`
	EventID   string `json:"event_id,omitempty"`
	EventTime int64  `json:"event_time,omitempty"`
	Event     *Event `json:"event,omitempty"`
}

// Event is the inner event of an event_callback envelope.
// ThreadTS is empty when the message starts its own thread.
type Event struct {
	Type        string `json:"type"`
	Subtype     string `json:"subtype,omitempty"`
	TS          string `json:"ts"`
	ThreadTS    string `json:"thread_ts,omitempty"`
	Channel     string `json:"channel"`
	ChannelType string `json:"channel_type,omitempty"`
	User        string `json:"user,omitempty"`
	Team        string `json:"team,omitempty"`
	Text        string `json:"text,omitempty"`
	BotID       string `json:"bot_id,omitempty"`
}

// Validate checks the fields every downstream gate relies on.
func (e *Event) Validate() error {
	if e == nil {
		return errors.New("event required")
	}
	if e.Type == "" {
		return errors.New("event.type required")
	}
	if e.Channel == "" {
		return errors.New("event.channel required")
	}
	if _, err := e.Time(); err != nil {
		return err
	}
	return nil
}

// Time parses the platform timestamp ("seconds.micros") of the event.
func (e *Event) Time() (time.Time, error) {
	return ParseTS(e.TS)
}

// Identity is the dedup key "{type}:{ts}". Retries of one logical event
// produce the same identity; other fields (channel included) are ignored.
func (e *Event) Identity() string {
	return e.Type + ":" + e.TS
}

// ThreadRoot returns thread_ts, defaulting to the event's own ts.
func (e *Event) ThreadRoot() string {
	if e.ThreadTS != "" {
		return e.ThreadTS
	}
	return e.TS
}

// ConversationID is "{channel}:{thread_root}", stable for the lifetime of a thread.
func (e *Event) ConversationID() string {
	return e.Channel + ":" + e.ThreadRoot()
}

// FromBot reports whether the event was produced by a bot.
func (e *Event) FromBot() bool {
	return e.Subtype == SubtypeBotMessage || e.BotID != ""
}

// FromUser reports whether the event is a post written by a person. Edits,
// deletions, joins and other system subtypes carry no author and are not.
func (e *Event) FromUser() bool {
	if e.User == "" {
		return false
	}
	switch e.Subtype {
	case "", SubtypeThreadBroadcast, SubtypeFileShare:
		return true
	default:
		return false
	}
}

// Mentions reports whether the text contains a direct mention of userID.
func (e *Event) Mentions(userID string) bool {
	if userID == "" {
		return false
	}
	return strings.Contains(e.Text, "<@"+userID+">")
}

// ParseTS converts a platform timestamp such as "1700000000.000100" to time.Time.
func ParseTS(ts string) (time.Time, error) {
	if ts == "" {
		return time.Time{}, errors.New("event.ts required")
	}
	secs, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("event.ts must be numeric: %w", err)
	}
	return time.Unix(0, int64(secs*float64(time.Second))), nil
}
