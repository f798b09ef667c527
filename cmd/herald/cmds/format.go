package cmds

import (
	"strings"

	"github.com/go-go-golems/herald/pkg/persistence/templatestore"
)

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// channelList renders channels as "email,sms(off)".
func channelList(doc templatestore.Document) string {
	if len(doc.Channels) == 0 {
		return "-"
	}
	names := make([]string, 0, len(doc.Channels))
	for _, c := range doc.Channels {
		name := string(c.Channel)
		if !c.Enabled {
			name += "(off)"
		}
		names = append(names, name)
	}
	return strings.Join(names, ",")
}
