// Package shoutcast reads ICY/Shoutcast audio streams.
//
// ResolveStreamURL turns a playlist URL (.pls, .m3u) into the stream it
// points at; Open fetches a stream with no client timeout so long
// recordings survive; Stream.Read strips the inline metadata blocks so
// callers see only audio bytes, surfacing title changes through a
// callback. NewStream wraps a connection the caller fetched itself, for
// relays that speak raw HTTP/1.0 upstream.
package shoutcast
