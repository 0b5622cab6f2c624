package bridge

import (
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// BrowserInfo is Chrome's /json/version response.
type BrowserInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// discoverBrowserInfo queries /json/version for the browser-level
// WebSocket debugger URL the bridge dials in flat mode.
func discoverBrowserInfo(client *resty.Client, addr string) (*BrowserInfo, error) {
	var info BrowserInfo
	resp, err := client.R().SetResult(&info).Get(fmt.Sprintf("http://%s/json/version", addr))
	if err != nil {
		return nil, fmt.Errorf("connect to chrome at %s: %w", addr, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("chrome returned status %d", resp.StatusCode())
	}
	return &info, nil
}

// waitForChrome polls /json/version until Chrome answers or timeout
// elapses, matching the bridge's 1s health-probe cadence.
func waitForChrome(client *resty.Client, addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := discoverBrowserInfo(client, addr); err == nil {
			return nil
		}
		time.Sleep(1 * time.Second)
	}
	return fmt.Errorf("chrome not available at %s after %v", addr, timeout)
}
