// Package eventsub runs EventSub WebSocket sessions: the welcome, keepalive,
// reconnect and notification protocol of the gateway, including the
// server-requested handoff where a second socket is opened, welcomed and
// swapped in for the first before a deadline.
//
// A Session serves one Registry of subscriptions. Notifications are routed to
// the registry by subscription type; everything else is reported on the
// session's Events channel.
package eventsub
