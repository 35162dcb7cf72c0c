package session

import (
	"sync"

	"github.com/ua-parser/uap-go/uaparser"
)

// ClientInfo is the structured client descriptor parsed from a session's
// User-Agent string, exposed in session-runtime-snapshot.
type ClientInfo struct {
	Browser        string `json:"browser,omitempty"`
	BrowserVersion string `json:"browser_version,omitempty"`
	OS             string `json:"os,omitempty"`
	Device         string `json:"device,omitempty"`
}

// uaParser wraps the uap-go parser with a small result cache, since the
// same few user agents repeat across sessions.
type uaParser struct {
	parser *uaparser.Parser

	mu    sync.Mutex
	cache map[string]ClientInfo
}

func newUAParser() (*uaParser, error) {
	// NewFromSaved uses the regexes compiled into the library; no data file
	// to load, so this cannot fail at runtime.
	return &uaParser{parser: uaparser.NewFromSaved(), cache: make(map[string]ClientInfo)}, nil
}

func (u *uaParser) parse(userAgent string) ClientInfo {
	u.mu.Lock()
	if info, ok := u.cache[userAgent]; ok {
		u.mu.Unlock()
		return info
	}
	u.mu.Unlock()

	client := u.parser.Parse(userAgent)
	info := ClientInfo{
		Browser:        client.UserAgent.Family,
		BrowserVersion: client.UserAgent.ToVersionString(),
		OS:             client.Os.Family,
		Device:         client.Device.Family,
	}

	u.mu.Lock()
	if len(u.cache) < 1024 {
		u.cache[userAgent] = info
	}
	u.mu.Unlock()
	return info
}
