// Package mqtt publishes tracker state to Home Assistant over MQTT.
// dwell appears as a native HA device with sensors for the current
// foreground activity, its category, idle state, active calls,
// background media, and today's tracked time.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery config payloads and a
// birth message ("online") to the availability topic. A will message
// moves the availability topic to "offline" on unexpected disconnects.
//
// States are pushed on a fixed interval and immediately after any
// session or idle event on the bus, so HA sees app switches within a
// poll of them happening.
package mqtt
