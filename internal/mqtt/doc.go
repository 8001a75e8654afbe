// Package mqtt forwards session activity to an MQTT broker so that
// dashboards and automations can follow turns without polling the API.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a retained device description and a birth
// message ("online") to the availability topic. A will message ensures
// the availability topic transitions to "offline" on unexpected
// disconnects. Activity events are published, not retained, to
// <prefix>/sessions/<thread_id>/activity.
package mqtt
