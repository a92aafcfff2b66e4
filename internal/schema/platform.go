// Package schema holds the bridge data model and the contracts shared by
// adapters, the dispatcher and the storage layer.
package schema

// Platform identifies an operator-side chat platform.
type Platform string

const (
	PlatformTelegram Platform = "telegram"
	PlatformDiscord  Platform = "discord"
	PlatformSlack    Platform = "slack"
)

// Platforms lists every supported platform in fan-out order.
var Platforms = []Platform{PlatformTelegram, PlatformDiscord, PlatformSlack}

func (p Platform) Valid() bool {
	switch p {
	case PlatformTelegram, PlatformDiscord, PlatformSlack:
		return true
	}
	return false
}

func (p Platform) String() string { return string(p) }

// Mode is the operating sub-variant of an adapter.
//
// Bot adapters own a thread per session and support edits, deletes and
// reactions. Webhook adapters can only post into a fixed channel and get no
// message identifiers back.
type Mode string

const (
	ModeBot     Mode = "bot"
	ModeWebhook Mode = "webhook"
)
