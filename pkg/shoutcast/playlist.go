package shoutcast

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// maxPlaylistSize bounds how much of a playlist response is read while
// deciding what it is. Real playlists are a few hundred bytes.
const maxPlaylistSize = 256 * 1024

// ResolveStreamURL checks whether url serves an ICY stream directly or a
// playlist (.pls, .m3u) pointing at one, and returns the stream URL to
// open. Playlists are resolved one level deep; the first entry wins.
func ResolveStreamURL(url string) (string, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Add("accept", "*/*")
	req.Header.Add("user-agent", userAgent)
	req.Header.Add("icy-metadata", "1")

	dialer := &net.Dialer{Timeout: 5 * time.Second}
	client := &http.Client{
		Transport: &http.Transport{Dial: dialer.Dial},
		Timeout:   10 * time.Second,
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch URL: %w", err)
	}
	defer resp.Body.Close()

	// a server already negotiating metadata is the stream itself
	if resp.Header.Get("icy-metaint") != "" {
		return url, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPlaylistSize))
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	content := string(body)
	contentType := resp.Header.Get("Content-Type")

	switch {
	case looksLikePLS(contentType, url, content):
		return firstPLSEntry(content)
	case looksLikeM3U(contentType, url, content):
		return firstM3UEntry(content)
	}

	return "", fmt.Errorf("URL does not appear to be a stream or playlist (Content-Type: %s)", contentType)
}

func looksLikePLS(contentType, url, content string) bool {
	return strings.Contains(contentType, "audio/x-scpls") ||
		strings.Contains(contentType, "application/pls+xml") ||
		strings.HasSuffix(url, ".pls") ||
		strings.Contains(content, "[playlist]") ||
		strings.Contains(content, "File1=")
}

func looksLikeM3U(contentType, url, content string) bool {
	if strings.Contains(contentType, "audio/mpegurl") ||
		strings.Contains(contentType, "application/vnd.apple.mpegurl") ||
		strings.HasSuffix(url, ".m3u") ||
		strings.HasSuffix(url, ".m3u8") ||
		strings.Contains(content, "#EXTM3U") {
		return true
	}
	// a bare list of URLs is a de-facto m3u
	trimmed := strings.TrimSpace(content)
	return strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://")
}

// firstPLSEntry returns the first FileN= entry of a PLS playlist.
func firstPLSEntry(content string) (string, error) {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "File") {
			continue
		}
		if _, value, found := strings.Cut(line, "="); found {
			if value = strings.TrimSpace(value); value != "" {
				return value, nil
			}
		}
	}
	return "", fmt.Errorf("no stream URL found in PLS playlist")
}

// firstM3UEntry returns the first non-comment URL line of an M3U playlist.
func firstM3UEntry(content string) (string, error) {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "http://") || strings.HasPrefix(line, "https://") {
			return line, nil
		}
	}
	return "", fmt.Errorf("no stream URL found in M3U playlist")
}
