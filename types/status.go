package types

import "time"

// ChannelState describes the push channel connection lifecycle.
type ChannelState string

const (
	ChannelDisconnected ChannelState = "disconnected"
	ChannelConnecting   ChannelState = "connecting"
	ChannelConnected    ChannelState = "connected"
	ChannelBackoff      ChannelState = "backoff"
)

// SyncStatus is the read-only view of a session exposed to the UI layer.
type SyncStatus struct {
	IsLoading       bool         `json:"isLoading"`
	LastRefreshTime time.Time    `json:"lastRefreshTime"`
	ChannelState    ChannelState `json:"channelState"`
}
