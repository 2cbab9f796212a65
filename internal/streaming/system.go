package streaming

import (
	"context"

	"fedistream/internal/filter"
	"fedistream/internal/pubsub"
)

// System events published by the web application.
const (
	eventKill           = "kill"
	eventFiltersChanged = "filters_changed"
)

func accessTokenChannel(tokenID string) string {
	return "timeline:access_token:" + tokenID
}

func systemChannel(accountID string) string {
	return "timeline:system:" + accountID
}

// subscribeSystem registers the connection on its access token and account
// system channels. Anonymous connections have none.
func (c *Connection) subscribeSystem(ctx context.Context) error {
	if c.Identity == nil {
		return nil
	}
	channels := []string{accessTokenChannel(c.Identity.AccessTokenID), systemChannel(c.Identity.AccountID)}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return errConnectionClosed
	}
	for _, channel := range channels {
		listener := pubsub.NewListener(c.handleSystem)
		if err := c.hub.registry.Subscribe(ctx, channel, listener); err != nil {
			listener.Close()
			return err
		}
		c.system = append(c.system, systemSubscription{channel: channel, listener: listener})
	}
	return nil
}

// handleSystem runs under the registry's read lock, so teardown is handed
// to another goroutine.
func (c *Connection) handleSystem(_ string, payload []byte) {
	env, err := filter.DecodeEnvelope(payload)
	if err != nil {
		c.logger.Warn("dropping malformed system message", "error", err)
		return
	}
	switch env.Event {
	case eventKill:
		c.logger.Info("access token revoked, closing connection")
		c.hub.auth.Evict(c.Identity.AccessTokenID)
		go c.Close()
	case eventFiltersChanged:
		c.filters.Invalidate()
	}
}
