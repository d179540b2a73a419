package zidcache

import "zrtpcache/zid"

// Peer display names are a boundary the protocol layer expects but this
// cache does not implement: lookups always miss and stores are discarded.

func (c *Cache) PeerName(z zid.ZID) (string, bool) {
	return "", false
}

func (c *Cache) SetPeerName(z zid.ZID, name string) {
}
