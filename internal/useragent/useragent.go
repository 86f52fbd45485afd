// Package useragent classifies User-Agent strings for risk scoring and
// trusted-device labelling.
package useragent

import (
	"strings"

	"github.com/mssola/user_agent"
)

// suspiciousClients are automation and scripting clients that legitimate
// account holders do not log in with.
var suspiciousClients = []string{
	"curl",
	"wget",
	"python-requests",
	"python-urllib",
	"java/",
	"apache-httpclient",
	"go-http-client",
	"scrapy",
	"phantomjs",
	"headless",
	"selenium",
	"puppeteer",
}

// Info is the parsed view of a User-Agent string.
type Info struct {
	Browser    string
	OS         string
	Mobile     bool
	Bot        bool
	Suspicious bool
	Missing    bool
}

// Parse classifies raw.
func Parse(raw string) Info {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Info{Missing: true}
	}
	ua := user_agent.New(raw)
	browser, _ := ua.Browser()
	info := Info{
		Browser: browser,
		OS:      ua.OS(),
		Mobile:  ua.Mobile(),
		Bot:     ua.Bot(),
	}
	lower := strings.ToLower(raw)
	for _, s := range suspiciousClients {
		if strings.Contains(lower, s) {
			info.Suspicious = true
			break
		}
	}
	return info
}

// Label renders a short human-readable device name such as "Firefox on Linux".
func Label(raw string) string {
	info := Parse(raw)
	switch {
	case info.Browser != "" && info.OS != "":
		return info.Browser + " on " + strings.Fields(info.OS)[0]
	case info.Browser != "":
		return info.Browser
	case info.OS != "":
		return info.OS
	default:
		return "Unknown device"
	}
}
