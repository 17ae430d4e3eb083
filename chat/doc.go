// Package chat is the application-facing Twitch chat client.
//
// A Client validates the bot (and optionally broadcaster) tokens, runs an
// EventSub session per identity, converts chat notifications into
// ChatMessage and Command values and reward redemptions into Redemption
// values, and sends outbound chat messages, replies and whispers through a
// rate-limited FIFO queue that survives reconnects.
//
// Credentials: the bot token needs user:read:chat and user:write:chat (plus
// user:manage:whispers for whispers). Reward redemptions need a token of the
// broadcaster with channel:read:redemptions.
package chat
