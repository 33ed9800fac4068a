package bot

import (
	"fmt"

	"proxybot/internal/proxy"
	kit "proxybot/internal/transport"
)

// AnnouncementText is the message every client receives about a new proxy.
func AnnouncementText(p proxy.Proxy) string {
	return fmt.Sprintf("🎉 New proxy added!\nLocation: %s\n%s", p.Location, proxy.FormatLink(p))
}

// AnnouncementOptions sends the announcement as plain text with link previews off.
func AnnouncementOptions() *kit.SendOptions {
	return &kit.SendOptions{DisablePreview: true}
}
