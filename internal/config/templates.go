package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# Kite Connector Configuration

# Broker mode: "live" or "paper"
mode = "paper"

[broker]
# REST timeout per round trip
http_timeout = "30s"
# Exchange used for symbols without an "EXCH:" prefix
default_exchange = "NSE"
# Requests per second on the request and order transports
request_rate = 3.0
order_rate = 10.0
search_limit = 20

[session]
# Connect attempts before giving up
max_retries = 5
# Exponential backoff between connect attempts
backoff_base = "2s"
backoff_cap = "30s"
# Bound on every remote call
call_timeout = "30s"
# Skip readiness probes if they passed this recently ("0s" probes every time)
probe_ttl = "0s"
# Resolved on connect to warm the instrument cache
warmup_symbols = ["NSE:RELIANCE"]

[breaker]
# Consecutive failures that open the breaker
threshold = 10
# How long the breaker stays open
cooldown = "30s"

[stream]
reconnect_base = "2s"
reconnect_cap = "30s"
# Give up after this many consecutive failed reconnects (0 = never)
max_reconnect_attempts = 10
# Attempts per subscription when replaying after a reconnect
replay_retries = 3
replay_base = "500ms"
replay_cap = "2s"
open_timeout = "30s"

[orders]
# Identical orders inside this window are refused
dedup_window = "2s"
# Pause between the forced reconnect and the single resubmit
retry_pause = "1s"

[health]
# Background health checks ("0s" disables)
interval = "30s"
timeout = "10s"

[journal]
enabled = true
# Relative paths live next to this file
path = "journal.db"

[paper]
initial_balance = 1000000.0
tick_interval = "1s"

[logging]
level = "info"
console = true
file = true
max_size = 100
max_backups = 7
max_age = 30
`

const credentialsTemplate = `# Kite Connector Credentials
# WARNING: Keep this file secure! Do not commit to version control.
#
# Any one login path is enough:
#   access_token                      reuse a token issued today
#   request_token                     exchange a token from the login redirect
#   user_id + password + totp_secret  unattended login

[kite]
api_key = ""
api_secret = ""
user_id = ""
password = ""
totp_secret = ""
request_token = ""
access_token = ""
`

func writeTemplate(configDir, name, template string, perm os.FileMode) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, name)
	if err := os.WriteFile(path, []byte(template), perm); err != nil {
		return fmt.Errorf("writing %s template: %w", name, err)
	}
	return nil
}
