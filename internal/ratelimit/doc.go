// Package ratelimit is per-peer rate limiting for the ops API.
//
// Limits are in memory and keyed by the connection's peer address; forwarded
// headers are ignored because the ops listener is never behind a proxy.
// Each API request reads the update database, so this bounds the query
// rate a single scraper or misbehaving script can cause.
package ratelimit
